package domain

import "context"

// CompletionRequest is the input to the optional LLM proxy worker: a
// single prompt plus the agent asking for it, used to synthesize a
// one-shot reply or resumption summary outside the core mailbox path.
type CompletionRequest struct {
	AgentID     string  `json:"agentId"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// CompletionResponse is the provider's answer plus token accounting,
// used to decide whether the caller needs to truncate further context.
type CompletionResponse struct {
	Text             string `json:"text"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
}

// CompletionProvider is the external-collaborator boundary for the
// optional proxy worker, specified only at its interface. Never called
// by the core mailbox subsystems.
type CompletionProvider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}
