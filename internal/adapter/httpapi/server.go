package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"quackrelay/internal/domain"
	"quackrelay/internal/infra/middleware"
	"quackrelay/internal/usecase/audit"
	"quackrelay/internal/usecase/blobstore"
	"quackrelay/internal/usecase/convo"
	"quackrelay/internal/usecase/mailbox"
	"quackrelay/internal/usecase/recorder"
	"quackrelay/internal/usecase/registry"
	"quackrelay/internal/usecase/webhook"
)

// BridgeHandlers is the subset of the real-time bridge's surface the HTTP
// server mounts alongside its own REST routes.
type BridgeHandlers interface {
	HandleConnect(w http.ResponseWriter, r *http.Request)
	HandleRelay(w http.ResponseWriter, r *http.Request)
	OnlineAgents() []string
	Status() map[string]any
}

// Deps collects every usecase Service and adapter the HTTP surface
// drives. All fields are required except Bridge and ToolAPI, which
// are mounted only when non-nil, and SecurityLog, which is skipped when
// nil.
type Deps struct {
	Mailbox     *mailbox.Service
	Registry    *registry.Service
	Blobs       *blobstore.Service
	Audit       *audit.Service
	Webhooks    *webhook.Service
	Convo       *convo.Service
	Recorder    *recorder.Service
	Bridge      BridgeHandlers
	ToolAPI     http.Handler // mounted at /mcp when non-nil
	SecurityLog domain.SecurityAuditLogger
	Logger      *slog.Logger

	BridgePath      string // default "/bridge/connect"
	DevBypass       bool
	RateLimitPerMin int
	RateLimitBurst  int
	TrustedProxies  []string
}

// Server is the REST/websocket-fallback HTTP surface.
type Server struct {
	deps      Deps
	addr      string
	httpSrv   *http.Server
	boundAddr string
}

// New builds the HTTP surface. Routes are registered in NewMux so they
// can also be exercised directly from tests via httptest.NewServer.
func New(addr string, deps Deps) *Server {
	return &Server{addr: addr, deps: deps}
}

// NewMux constructs the full route table, wrapped with the ambient
// security-header and per-IP rate-limit middleware.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	mux := http.NewServeMux()

	registerMailboxRoutes(mux, deps)
	registerFileRoutes(mux, deps)
	registerWebhookRoutes(mux, deps)
	registerAgentRoutes(mux, deps)
	registerRecorderRoutes(mux, deps)
	registerConvoRoutes(mux, deps)
	registerAuditRoutes(mux, deps)

	if deps.Bridge != nil {
		bridgePath := deps.BridgePath
		if bridgePath == "" {
			bridgePath = "/bridge/connect"
		}
		mux.HandleFunc("GET "+bridgePath, deps.Bridge.HandleConnect)
		mux.HandleFunc("GET /bridge/relay", deps.Bridge.HandleRelay)
		mux.HandleFunc("POST /bridge/send", bridgeSendHandler(deps))
		mux.HandleFunc("GET /bridge/agents", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"agents": deps.Bridge.OnlineAgents()})
		})
		mux.HandleFunc("GET /bridge/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, deps.Bridge.Status())
		})
	}

	if deps.ToolAPI != nil {
		mux.Handle("/mcp", deps.ToolAPI)
		mux.Handle("/mcp/", deps.ToolAPI)
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	authed := RequireAPIKey(deps.Registry, deps.DevBypass, deps.SecurityLog, deps.Logger)(mux)
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}
		authed.ServeHTTP(w, r)
	})
	limiter := middleware.NewRateLimiter(ctx, rateOrDefault(deps.RateLimitPerMin), burstOrDefault(deps.RateLimitBurst), deps.TrustedProxies)
	handler = limiter.Wrap(handler)
	handler = middleware.SecurityHeaders(handler)
	return handler
}

func rateOrDefault(n int) int {
	if n <= 0 {
		return 300
	}
	return n
}

func burstOrDefault(n int) int {
	if n <= 0 {
		return 50
	}
	return n
}

// Start binds the listener and serves until ctx is cancelled or Shutdown
// is called.
func (s *Server) Start(ctx context.Context) error {
	handler := NewMux(ctx, s.deps)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{Handler: handler}

	s.deps.Logger.Info("httpapi: listening", "addr", s.boundAddr)
	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpapi: serve: %w", err)
	}
	return nil
}

// Addr returns the bound address once Start has begun listening.
func (s *Server) Addr() string { return s.boundAddr }

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}
