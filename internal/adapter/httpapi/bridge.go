package httpapi

import (
	"encoding/json"
	"net/http"

	"quackrelay/internal/domain"
	"quackrelay/internal/usecase/mailbox"
)

// bridgeSendHandler is the JSON-POST counterpart to the bridge's
// GET-only /bridge/relay fallback: same send-then-approve
// path, but reachable from a caller that can't shape a query string
// (e.g. a webhook relay forwarding a whole message envelope).
func bridgeSendHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, domain.NewDomainError("httpapi.BridgeSend", domain.ErrValidation, "malformed JSON body"))
			return
		}
		msg, err := deps.Mailbox.Send(r.Context(), mailbox.SendInput{
			To: req.To, From: req.From, Task: req.Task, Context: req.Context,
			Files: req.Files, Project: req.Project, ProjectName: req.ProjectName,
			Priority: req.Priority, Tags: req.Tags, Routing: req.Routing,
			Destination: req.Destination, ReplyTo: req.ReplyTo,
			ProjectImplied: true,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		approved := msg
		if msg.Status == domain.StatusPending {
			approved, err = deps.Mailbox.Approve(r.Context(), msg.ID, "quack-bridge")
			if err != nil {
				writeError(w, err)
				return
			}
		}
		_ = deps.Audit.Record(r.Context(), domain.AuditEntry{
			Action:     domain.ActionBridgeRelay,
			Actor:      "quack-bridge",
			TargetType: "message",
			TargetID:   approved.ID,
			Source:     "quack-bridge",
		})
		writeJSON(w, http.StatusOK, map[string]any{
			"success":    true,
			"message_id": approved.ID,
			"status":     approved.Status,
		})
	}
}
