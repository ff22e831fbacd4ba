package llmproxy

import (
	"encoding/json"
	"net/http"

	"quackrelay/internal/domain"
)

// Handler exposes the completion provider over HTTP for callers that
// want a one-shot completion without going through the mailbox.
type Handler struct {
	provider domain.CompletionProvider
}

// NewHandler wraps a CompletionProvider as an http.Handler.
func NewHandler(provider domain.CompletionProvider) *Handler {
	return &Handler{provider: provider}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req domain.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed JSON body", http.StatusBadRequest)
		return
	}

	resp, err := h.provider.Complete(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
