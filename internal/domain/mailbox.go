package domain

import (
	"strings"
	"time"
)

// MessageStatus is the status-machine state of a mailbox message.
type MessageStatus string

const (
	StatusPending    MessageStatus = "pending"
	StatusApproved   MessageStatus = "approved"
	StatusInProgress MessageStatus = "in_progress"
	StatusRead       MessageStatus = "read"
	StatusCompleted  MessageStatus = "completed"
	StatusFailed     MessageStatus = "failed"
	StatusExpired    MessageStatus = "expired"
)

// validTransitions enumerates the allowed status-machine edges. A caller
// attempting a transition not listed here gets ErrConflict.
var validTransitions = map[MessageStatus][]MessageStatus{
	StatusPending:    {StatusApproved, StatusFailed},
	StatusApproved:   {StatusInProgress, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusFailed},
	StatusRead:       {StatusInProgress},
	StatusCompleted:  {},
	StatusFailed:     {StatusPending},
	StatusExpired:    {},
}

// CanTransition reports whether moving from to is a legal status change.
func CanTransition(from, to MessageStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ActionableStatuses are the statuses CheckInbox returns by default.
var ActionableStatuses = map[MessageStatus]bool{
	StatusPending:    true,
	StatusApproved:   true,
	StatusInProgress: true,
}

// Priority is the caller-supplied urgency of a message.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// RoutingMode selects whether a message is addressed directly or carries
// a cowork destination override.
type RoutingMode string

const (
	RoutingDirect RoutingMode = "direct"
	RoutingCowork RoutingMode = "cowork"
)

// ControlType is a reserved task-text verb that changes conversation state
// instead of carrying work.
type ControlType string

const (
	ControlNone         ControlType = ""
	ControlReplySkip    ControlType = "REPLY_SKIP"
	ControlAnnounceSkip ControlType = "ANNOUNCE_SKIP"
	ControlConvoEnd     ControlType = "CONVERSATION_END"
)

// DetectControlType matches task text (case-insensitive, trimmed) against
// the reserved control vocabulary.
func DetectControlType(task string) ControlType {
	switch strings.ToUpper(strings.TrimSpace(task)) {
	case string(ControlReplySkip):
		return ControlReplySkip
	case string(ControlAnnounceSkip):
		return ControlAnnounceSkip
	case string(ControlConvoEnd):
		return ControlConvoEnd
	default:
		return ControlNone
	}
}

// FileRef is a message attachment, either inlined or referenced by blob id
// in the File Blob Store.
type FileRef struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Content  string `json:"content,omitempty"` // inlined payload
	BlobID   string `json:"blobId,omitempty"`  // reference into the blob store
	Size     int64  `json:"size,omitempty"`
}

// ThreadStatus is the completion state stamped on a thread as a whole,
// set when a CONVERSATION_END control message lands in it.
type ThreadStatus string

const (
	ThreadOpen      ThreadStatus = ""
	ThreadCompleted ThreadStatus = "completed"
)

// Message is the canonical mailbox entry. Field order groups
// identity/lifecycle, content, routing metadata, then threading.
type Message struct {
	ID     string        `json:"id"` // ULID, monotonic at creation time
	To     string        `json:"to"`
	From   string        `json:"from"`
	Status MessageStatus `json:"status"`
	ReadAt time.Time     `json:"readAt,omitempty"`

	Task    string    `json:"task"`
	Context string    `json:"context,omitempty"`
	Files   []FileRef `json:"files"`

	Project     string      `json:"project,omitempty"`
	ProjectName string      `json:"projectName,omitempty"`
	Priority    Priority    `json:"priority,omitempty"`
	Tags        []string    `json:"tags,omitempty"`
	Routing     RoutingMode `json:"routing"`
	Destination string      `json:"destination,omitempty"` // cowork override target

	ReplyTo          string       `json:"replyTo,omitempty"`
	ThreadID         string       `json:"threadId"`
	ReplyCount       int          `json:"replyCount,omitempty"`
	IsControlMessage bool         `json:"isControlMessage,omitempty"`
	ControlType      ControlType  `json:"controlType,omitempty"`
	ThreadStatus     ThreadStatus `json:"threadStatus,omitempty"`

	CreatedAt time.Time `json:"timestamp"`
	ExpiresAt time.Time `json:"expiresAt"`
	RoutedAt  time.Time `json:"routedAt,omitempty"`
}

// MessageTTL is the fixed time-to-live applied to every message at send
// time.
const MessageTTL = 48 * time.Hour

// HasProjectMetadata reports whether m carries enough project context to
// justify a single-segment inbox path.
func (m Message) HasProjectMetadata() bool {
	return m.Project != "" || m.ProjectName != ""
}

// Inbox is the per-path ordered view over Message records addressed to it.
// The mailbox store itself is the source of truth; Inbox is a query
// projection kept for API responses.
type Inbox struct {
	Path     string    `json:"inbox"`
	Messages []Message `json:"messages"`
	Count    int       `json:"count"`
}
