package httpapi

import (
	"encoding/json"
	"net/http"

	"quackrelay/internal/domain"
)

func registerWebhookRoutes(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("POST /api/webhooks", handleSubscribeWebhook(deps))
	mux.HandleFunc("GET /api/webhooks", handleListWebhooks(deps))
	mux.HandleFunc("DELETE /api/webhooks/{id}", handleUnsubscribeWebhook(deps))
}

func handleSubscribeWebhook(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Inbox  string `json:"inbox"`
			URL    string `json:"url"`
			Secret string `json:"secret"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, domain.NewDomainError("httpapi.SubscribeWebhook", domain.ErrValidation, "malformed JSON body"))
			return
		}
		sub, err := deps.Webhooks.Subscribe(r.Context(), req.Inbox, req.URL, req.Secret)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	}
}

func handleListWebhooks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subs, err := deps.Webhooks.List(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"subscribers": subs})
	}
}

func handleUnsubscribeWebhook(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Webhooks.Unsubscribe(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}
