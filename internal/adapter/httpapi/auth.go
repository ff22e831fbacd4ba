package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"quackrelay/internal/domain"
)

type actorKey struct{}

// ActorFromContext returns the caller identity stamped by RequireAPIKey
// (the key's owner, or "dev-bypass" for requests let through in
// dev-bypass mode), or "anonymous" if no identity was stamped.
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "anonymous"
}

// KeyValidator resolves a presented API key; implemented by
// *registry.Service.
type KeyValidator interface {
	ValidateAPIKey(ctx context.Context, raw string) (domain.APIKey, error)
}

// RequireAPIKey authenticates every request against the registry's API
// keys. When devBypass is set, a missing or invalid key still passes
// through as the "dev-bypass" actor — matching the registry's own
// dev-bypass flag semantics for local/self-hosted deployments.
func RequireAPIKey(keys KeyValidator, devBypass bool, seclog domain.SecurityAuditLogger, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				if devBypass {
					next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, "dev-bypass")))
					return
				}
				logAuthFailure(r, seclog, "missing credential")
				writeError(w, domain.NewDomainError("RequireAPIKey", domain.ErrForbidden, "missing API key"))
				return
			}

			key, err := keys.ValidateAPIKey(r.Context(), raw)
			if err != nil {
				if devBypass {
					next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, "dev-bypass")))
					return
				}
				logAuthFailure(r, seclog, err.Error())
				writeError(w, domain.NewDomainError("RequireAPIKey", domain.ErrForbidden, "invalid API key"))
				return
			}

			ctx := context.WithValue(r.Context(), actorKey{}, key.OwnerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func logAuthFailure(r *http.Request, seclog domain.SecurityAuditLogger, reason string) {
	if seclog == nil {
		return
	}
	_ = seclog.Log(r.Context(), domain.SecurityEvent{
		Type:     domain.SecurityAuthFailed,
		Resource: r.URL.Path,
		Action:   r.Method,
		Outcome:  "denied",
		Detail:   map[string]string{"reason": reason},
	})
}
