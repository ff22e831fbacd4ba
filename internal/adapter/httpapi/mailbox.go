package httpapi

import (
	"encoding/json"
	"net/http"

	"quackrelay/internal/domain"
	"quackrelay/internal/usecase/mailbox"
)

func registerMailboxRoutes(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("POST /api/send", handleSend(deps))
	mux.HandleFunc("GET /api/inbox", handleCheckInbox(deps))
	mux.HandleFunc("GET /api/message/{id}", handleGetMessage(deps))
	mux.HandleFunc("POST /api/message/{id}/read", handleMarkRead(deps))
	mux.HandleFunc("POST /api/message/{id}/approve", handleApprove(deps))
	mux.HandleFunc("POST /api/message/{id}/complete", handleComplete(deps))
	mux.HandleFunc("POST /api/message/{id}/status", handleUpdateStatus(deps))
	mux.HandleFunc("DELETE /api/message/{id}", handleDeleteMessage(deps))
	mux.HandleFunc("GET /api/thread/{threadId}", handleGetThread(deps))
	mux.HandleFunc("GET /api/threads", handleListThreads(deps))
}

type sendRequest struct {
	To              string            `json:"to"`
	From            string            `json:"from"`
	Task            string            `json:"task"`
	Context         string            `json:"context"`
	Files           []domain.FileRef  `json:"files"`
	Project         string            `json:"project"`
	ProjectName     string            `json:"projectName"`
	Priority        domain.Priority   `json:"priority"`
	Tags            []string          `json:"tags"`
	Routing         domain.RoutingMode `json:"routing"`
	Destination     string            `json:"destination"`
	ReplyTo         string            `json:"replyTo"`
	RequireApproval bool              `json:"requireApproval"`
}

func handleSend(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, domain.NewDomainError("httpapi.Send", domain.ErrValidation, "malformed JSON body"))
			return
		}
		msg, err := deps.Mailbox.Send(r.Context(), mailbox.SendInput{
			To: req.To, From: req.From, Task: req.Task, Context: req.Context,
			Files: req.Files, Project: req.Project, ProjectName: req.ProjectName,
			Priority: req.Priority, Tags: req.Tags, Routing: req.Routing,
			Destination: req.Destination, ReplyTo: req.ReplyTo, RequireApproval: req.RequireApproval,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	}
}

func handleCheckInbox(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		includeRead := r.URL.Query().Get("includeRead") == "true"
		autoApprove := r.URL.Query().Get("autoApprove") == "true"
		inbox, err := deps.Mailbox.CheckInbox(r.Context(), path, includeRead, autoApprove)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, inbox)
	}
}

func handleGetMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := deps.Mailbox.GetMessage(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	}
}

func handleMarkRead(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := deps.Mailbox.MarkRead(r.Context(), r.PathValue("id"), ActorFromContext(r.Context()))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	}
}

func handleApprove(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := deps.Mailbox.Approve(r.Context(), r.PathValue("id"), ActorFromContext(r.Context()))
		if err != nil {
			writeError(w, err)
			return
		}
		if _, err := deps.Mailbox.AppendPing(r.Context(), msg); err != nil {
			deps.Logger.Warn("httpapi: wake-up ping not appended", "message_id", msg.ID, "error", err)
		}
		writeJSON(w, http.StatusOK, msg)
	}
}

func handleComplete(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := deps.Mailbox.Complete(r.Context(), r.PathValue("id"), ActorFromContext(r.Context()))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	}
}

func handleUpdateStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Status domain.MessageStatus `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, domain.NewDomainError("httpapi.UpdateStatus", domain.ErrValidation, "malformed JSON body"))
			return
		}
		msg, err := deps.Mailbox.UpdateStatus(r.Context(), r.PathValue("id"), ActorFromContext(r.Context()), body.Status)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	}
}

func handleDeleteMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Mailbox.Delete(r.Context(), r.PathValue("id"), ActorFromContext(r.Context())); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func handleGetThread(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs, err := deps.Mailbox.GetThread(r.Context(), r.PathValue("threadId"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
	}
}

func handleListThreads(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threads, err := deps.Mailbox.ListThreads(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
	}
}
