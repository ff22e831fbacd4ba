package domain

import (
	"context"
	"time"
)

// AuditAction names the mailbox-level action an audit entry records.
// Naming mirrors the status-machine and dispatcher verbs so a reader can
// match an audit trail entry back to the operation that produced it.
type AuditAction string

const (
	ActionMessageSend     AuditAction = "message.send"
	ActionMessageCheck    AuditAction = "message.check"
	ActionMessageApprove  AuditAction = "message.approve"
	ActionMessageRead     AuditAction = "message.read"
	ActionMessageComplete AuditAction = "message.complete"
	ActionMessageStatus   AuditAction = "message.status"
	ActionMessageDelete   AuditAction = "message.delete"
	ActionAgentRegister   AuditAction = "agent.register"
	ActionAgentUpdate     AuditAction = "agent.update"
	ActionAgentDelete     AuditAction = "agent.delete"
	ActionAgentPing       AuditAction = "agent.ping"
	ActionKeyCreate       AuditAction = "key.create"
	ActionKeyRevoke       AuditAction = "key.revoke"
	ActionWebhookCreate   AuditAction = "webhook.create"
	ActionWebhookDelete   AuditAction = "webhook.delete"
	ActionWebhookFanout   AuditAction = "webhook.fanout"
	ActionBridgeRelay     AuditAction = "bridge-relay"
)

// AuditEntry is one row of the append-only audit log. Audit is the source of truth for history;
// JSON snapshots elsewhere are caches that can be rebuilt from it.
type AuditEntry struct {
	ID         string      `json:"id"` // monotonic ULID
	Timestamp  time.Time   `json:"timestamp"`
	Action     AuditAction `json:"action"`
	Actor      string      `json:"actor"` // agent ID, or "system"
	TargetType string      `json:"targetType,omitempty"`
	TargetID   string      `json:"targetId,omitempty"`
	Detail     string      `json:"detail,omitempty"`
	Source     string      `json:"source,omitempty"`
}

// AuditFilter narrows an audit query. Zero values mean "no
// filter" on that field.
type AuditFilter struct {
	Action     AuditAction
	Actor      string
	TargetType string
	TargetID   string
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

// AuditStats is the aggregate view over the audit log.
type AuditStats struct {
	Total      int            `json:"total"`
	Last24h    int            `json:"last24h"`
	TopActions map[string]int `json:"topActions"`
	TopActors  map[string]int `json:"topActors"`
}

// ArchivedThread is a closed conversation thread moved out of the active
// mailbox store into cold storage, keyed by ThreadID.
type ArchivedThread struct {
	ID           string            `json:"id"` // ULID
	ThreadID     string            `json:"threadId"`
	Participants []string          `json:"participants"`
	FirstAt      time.Time         `json:"firstMessageAt"`
	LastAt       time.Time         `json:"lastMessageAt"`
	Messages     []Message         `json:"messages"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	ArchivedAt   time.Time         `json:"archivedAt"`
}

// SecurityEventType classifies an entry in the ambient, OWASP-style
// compliance audit log — distinct from AuditEntry above, which records
// mailbox actions. This log exists for the HTTP surface's own access and
// security bookkeeping (auth failures, rate-limit hits).
type SecurityEventType string

const (
	SecurityAccessLog    SecurityEventType = "access"
	SecurityAccessDenied SecurityEventType = "access_denied"
	SecurityAuthFailed   SecurityEventType = "auth_failed"
	SecurityRateLimited  SecurityEventType = "rate_limited"
	SecuritySSRFBlocked  SecurityEventType = "ssrf_blocked"
	SecurityDataEvent    SecurityEventType = "data_event"
)

// SecurityEvent is a single compliance audit log entry.
type SecurityEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      SecurityEventType `json:"type"`
	Actor     string            `json:"actor,omitempty"`
	Resource  string            `json:"resource,omitempty"`
	Action    string            `json:"action,omitempty"`
	Outcome   string            `json:"outcome,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// SecurityAuditLogger writes SecurityEvents to a persistent log.
type SecurityAuditLogger interface {
	Log(ctx context.Context, event SecurityEvent) error
	Close() error
}
