package domain

import "time"

// RecorderSessionWindow is how recently a session must have logged
// something to still be picked up by a bare saveEntry call instead of
// starting a new one.
const RecorderSessionWindow = 24 * time.Hour

// RecorderSession groups a run of journal entries for one agent's flight
// recorder").
type RecorderSession struct {
	ID           string    `json:"sessionId"` // ULID
	AgentID      string    `json:"agentId"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	EntryCount   int       `json:"entryCount"`
	Active       bool      `json:"active"`
}

// JournalEntryType distinguishes the four kinds of flight recorder entry.
type JournalEntryType string

const (
	JournalThought    JournalEntryType = "THOUGHT"
	JournalError      JournalEntryType = "ERROR"
	JournalCheckpoint JournalEntryType = "CHECKPOINT"
	JournalMessage    JournalEntryType = "MESSAGE"
)

// ContextSnapshot is the optional structured state captured alongside a
// journal entry.
type ContextSnapshot struct {
	CurrentTask     string            `json:"current_task,omitempty"`
	LastFileEdited  string            `json:"last_file_edited,omitempty"`
	BlockingIssue   string            `json:"blocking_issue,omitempty"`
	RecentDecisions []string          `json:"recent_decisions,omitempty"`
	Custom          map[string]string `json:"custom,omitempty"`
}

// JournalEntry is a single line recorded for a RecorderSession.
type JournalEntry struct {
	ID        string           `json:"id"` // ULID
	SessionID string           `json:"sessionId"`
	AgentID   string           `json:"agentId"`
	Timestamp time.Time        `json:"timestamp"`
	Type      JournalEntryType `json:"type"`
	Content   string           `json:"content"`
	Context   *ContextSnapshot `json:"context,omitempty"`
	Target    string           `json:"target,omitempty"`
	Tags      []string         `json:"tags,omitempty"`
}

// ContextSummary is the synthesized digest of a session's recent entries.
type ContextSummary struct {
	SummaryText      string   `json:"summary_text"`
	ImmediateGoal    string   `json:"immediate_goal"`
	KeyDecisions     []string `json:"key_decisions"`
	UnresolvedIssues []string `json:"unresolved_issues"`
}
