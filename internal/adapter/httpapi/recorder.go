package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"quackrelay/internal/domain"
	"quackrelay/internal/usecase/recorder"
)

// Flight Recorder routes live under /api/v1/agent/{platform}/{name}/...
// matching the MCP-era "signin/journal/context/script" vocabulary that
// predates this relay's REST surface.
func registerRecorderRoutes(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("POST /api/v1/agent/{platform}/{name}/signin", handleRecorderSignin(deps))
	mux.HandleFunc("POST /api/v1/agent/{platform}/{name}/session/new", handleRecorderNewSession(deps))
	mux.HandleFunc("POST /api/v1/agent/{platform}/{name}/session/close", handleRecorderCloseSessions(deps))
	mux.HandleFunc("POST /api/v1/agent/{platform}/{name}/journal", handleRecorderJournal(domain.JournalMessage, deps))
	mux.HandleFunc("POST /api/v1/agent/{platform}/{name}/thought", handleRecorderJournal(domain.JournalThought, deps))
	mux.HandleFunc("POST /api/v1/agent/{platform}/{name}/error", handleRecorderJournal(domain.JournalError, deps))
	mux.HandleFunc("POST /api/v1/agent/{platform}/{name}/checkpoint", handleRecorderJournal(domain.JournalCheckpoint, deps))
	mux.HandleFunc("GET /api/v1/agent/{platform}/{name}/context", handleRecorderContext(deps))
	mux.HandleFunc("GET /api/v1/agent/{platform}/{name}/script", handleRecorderScript(deps))
}

func handleRecorderSignin(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("sessionId")
		sess, err := deps.Recorder.GetOrCreateSession(r.Context(), agentID(r), sessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

func handleRecorderNewSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := deps.Recorder.StartNewSession(r.Context(), agentID(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	}
}

func handleRecorderCloseSessions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("sessionId")
		if sessionID != "" {
			if err := deps.Recorder.CloseSession(r.Context(), sessionID); err != nil {
				writeError(w, err)
				return
			}
		} else if err := deps.Recorder.CloseAgentSessions(r.Context(), agentID(r)); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

type journalRequest struct {
	SessionID string                   `json:"sessionId"`
	Content   string                   `json:"content"`
	Context   *domain.ContextSnapshot `json:"context"`
	Target    string                   `json:"target"`
	Tags      []string                 `json:"tags"`
}

func handleRecorderJournal(entryType domain.JournalEntryType, deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req journalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, domain.NewDomainError("httpapi.SaveEntry", domain.ErrValidation, "malformed JSON body"))
			return
		}
		entry, err := deps.Recorder.SaveEntry(r.Context(), agentID(r), req.SessionID, domain.JournalEntry{
			Type:    entryType,
			Content: req.Content,
			Context: req.Context,
			Target:  req.Target,
			Tags:    req.Tags,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, entry)
	}
}

func handleRecorderContext(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = recorder.RecentEntryLimit
		}
		var (
			summary domain.ContextSummary
			err     error
		)
		if sessionID := r.URL.Query().Get("sessionId"); sessionID != "" {
			summary, err = deps.Recorder.GetContextForSession(r.Context(), sessionID, limit)
		} else {
			summary, err = deps.Recorder.GetContextForAgent(r.Context(), agentID(r), limit)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func handleRecorderScript(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// With include_context the response carries the script plus the
		// context summary it was built from; the summary is fetched once
		// and passed through so both reflect the same journal state.
		if r.URL.Query().Has("include_context") {
			summary, err := deps.Recorder.GetContextForAgent(r.Context(), agentID(r), recorder.RecentEntryLimit)
			if err != nil {
				writeError(w, err)
				return
			}
			script, err := deps.Recorder.GenerateUniversalScript(r.Context(), agentID(r), &summary)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"script": script, "context": summary})
			return
		}

		script, err := deps.Recorder.GenerateUniversalScript(r.Context(), agentID(r), nil)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(script))
	}
}
