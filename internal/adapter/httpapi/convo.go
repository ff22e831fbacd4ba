package httpapi

import "net/http"

func registerConvoRoutes(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("GET /api/sessions", handleListSessions(deps))
	mux.HandleFunc("GET /api/sessions/lookup", handleGetSession(deps))
}

func handleListSessions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions, err := deps.Convo.List(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
	}
}

func handleGetSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := deps.Convo.Get(r.Context(), r.URL.Query().Get("key"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
	}
}
