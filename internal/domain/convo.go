package domain

import (
	"fmt"
	"strings"
	"time"
)

// ConvoStatus is the lifecycle state of a session-registry conversation.
type ConvoStatus string

const (
	ConvoActive         ConvoStatus = "active"
	ConvoAwaitingReply  ConvoStatus = "awaiting_reply"
	ConvoAwaitingHuman  ConvoStatus = "awaiting_human"
	ConvoCompleted      ConvoStatus = "completed"
	ConvoAbandoned      ConvoStatus = "abandoned"
)

// ConvoTTL is the inactivity window after which an active conversation
// session is reaped by the janitor.
const ConvoTTL = 24 * time.Hour

// ConvoRetention is how long a completed/abandoned session is kept before
// the janitor discards it entirely.
const ConvoRetention = 7 * 24 * time.Hour

// ConvoKey builds the structured key "agent:<from>:to:<to>:thread:<id>"
//, normalizing identifiers the same way
// the mailbox normalizes inbox paths: lower-cased, leading slashes
// stripped.
func ConvoKey(from, to, threadID string) string {
	return fmt.Sprintf("agent:%s:to:%s:thread:%s",
		normalizeIdent(from), normalizeIdent(to), threadID)
}

func normalizeIdent(s string) string {
	return strings.ToLower(strings.TrimLeft(strings.TrimSpace(s), "/"))
}

// ConvoSession tracks conversation-turn bookkeeping between two agents
// sharing a thread.
type ConvoSession struct {
	Key            string      `json:"key"`
	Participants   []string    `json:"participants"`
	ThreadID       string      `json:"threadId"`
	Status         ConvoStatus `json:"status"`
	CurrentTurn    string      `json:"currentTurn"`
	TurnCount      int         `json:"turnCount"`
	MessageCount   int         `json:"messageCount"`
	CreatedAt      time.Time   `json:"createdAt"`
	LastMessageAt  time.Time   `json:"lastMessageAt"`
	ExpiresAt      time.Time   `json:"expiresAt"`
	CompletedAt    time.Time   `json:"completedAt,omitempty"`
}

// IsOpen reports whether the session has not reached a terminal state.
func (s ConvoSession) IsOpen() bool {
	return s.Status != ConvoCompleted && s.Status != ConvoAbandoned
}

// HasParticipant reports whether agentID is already tracked on this
// session.
func (s ConvoSession) HasParticipant(agentID string) bool {
	for _, p := range s.Participants {
		if p == agentID {
			return true
		}
	}
	return false
}
