// Package httpapi exposes the mailbox relay's REST surface:
// mailbox operations, file blobs, webhook subscriptions, agent registry
// and API keys, and the Flight Recorder's journal endpoints. The
// real-time bridge and the MCP tool server are mounted as their own
// http.Handlers rather than reimplemented here.
package httpapi

import (
	"encoding/json"
	"net/http"

	"quackrelay/internal/domain"
)

// writeJSON writes v as an indented-free JSON body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain error to its HTTP status and writes a JSON
// error body, mirroring the bridge's own writeRelayError mapping.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if de, ok := err.(*domain.DomainError); ok {
		switch de.Err {
		case domain.ErrValidation, domain.ErrPathOutsideSandbox, domain.ErrSSRFBlocked:
			status = http.StatusBadRequest
		case domain.ErrNotFound:
			status = http.StatusNotFound
		case domain.ErrForbidden:
			status = http.StatusForbidden
		case domain.ErrConflict:
			status = http.StatusConflict
		case domain.ErrTransient:
			status = http.StatusServiceUnavailable
		case domain.ErrStoreFailure, domain.ErrAuditWrite, domain.ErrBridgeProto:
			status = http.StatusInternalServerError
		}
	}
	writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}
