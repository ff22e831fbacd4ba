package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"quackrelay/internal/domain"
)

func registerAuditRoutes(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("GET /api/audit", handleQueryAudit(deps))
	mux.HandleFunc("GET /api/audit/stats", handleAuditStats(deps))
	mux.HandleFunc("GET /api/archive/{threadId}", handleGetArchivedThread(deps))
}

func handleQueryAudit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := domain.AuditFilter{
			Action:     domain.AuditAction(q.Get("action")),
			Actor:      q.Get("actor"),
			TargetType: q.Get("targetType"),
			TargetID:   q.Get("targetId"),
			Limit:      atoiOr(q.Get("limit"), 100),
			Offset:     atoiOr(q.Get("offset"), 0),
		}
		if since := q.Get("since"); since != "" {
			filter.Since, _ = time.Parse(time.RFC3339, since)
		}
		if until := q.Get("until"); until != "" {
			filter.Until, _ = time.Parse(time.RFC3339, until)
		}
		entries, err := deps.Audit.Query(r.Context(), filter)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	}
}

func handleAuditStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Audit.Stats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleGetArchivedThread(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		thread, err := deps.Audit.GetArchivedThread(r.Context(), r.PathValue("threadId"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, thread)
	}
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
