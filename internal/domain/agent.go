package domain

import "time"

// NotificationMode controls how an agent is told about new mail.
type NotificationMode string

const (
	NotifyPolling   NotificationMode = "polling"
	NotifyWebhook   NotificationMode = "webhook"
	NotifyWebsocket NotificationMode = "websocket"
)

// AgentCategory drives the auto-approval policy.
type AgentCategory string

const (
	CategoryConversational AgentCategory = "conversational"
	CategoryAutonomous     AgentCategory = "autonomous"
	CategorySupervised     AgentCategory = "supervised"
)

// Agent is a registered mailbox participant, identified as "platform/name".
type Agent struct {
	ID                 string           `json:"id"` // "platform/name"
	Name               string           `json:"name"`
	Capabilities       []string         `json:"capabilities,omitempty"`
	Category           AgentCategory    `json:"category"`
	RequiresApproval   bool             `json:"requiresApproval"`
	AutoApproveOnCheck bool             `json:"autoApproveOnCheck"`
	NotificationMode   NotificationMode `json:"notificationMode"`
	WebhookURL         string           `json:"webhookUrl,omitempty"`
	WebhookSecret      string           `json:"webhookSecret,omitempty"`
	PlatformURL        string           `json:"platformUrl,omitempty"`
	NotifyPrompt       string           `json:"notifyPrompt,omitempty"`
	Public             bool             `json:"public"`
	OwnerID            string           `json:"ownerId,omitempty"`
	CreatedAt          time.Time        `json:"createdAt"`
	LastSeenAt         time.Time        `json:"lastSeenAt,omitempty"`
}

// OnlineWindow is how recently an agent must have been seen to count as
// online for routing-policy purposes.
const OnlineWindow = 5 * time.Minute

// IsOnline reports whether the agent was seen recently enough to be
// considered reachable without a push notification.
func (a Agent) IsOnline(now time.Time) bool {
	return !a.LastSeenAt.IsZero() && now.Sub(a.LastSeenAt) < OnlineWindow
}

// APIKeyPrefix is the fixed literal prefix of every minted API key.
const APIKeyPrefix = "quack_"

// APIKey is a caller credential minted for an agent.
// Only the SHA-256 hash of the key is ever persisted; the plaintext
// "quack_<24 base64url chars>" value is returned once, at mint time.
type APIKey struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	HashedKey   string    `json:"hashedKey"` // hex SHA-256
	Permissions []string  `json:"permissions"`
	Revoked     bool      `json:"revoked"`
	CreatedAt   time.Time `json:"createdAt"`
	LastUsedAt  time.Time `json:"lastUsedAt,omitempty"`
}
