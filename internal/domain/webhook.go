package domain

import "time"

// WebhookEventType names the event fired to webhook fan-out subscribers.
type WebhookEventType string

const (
	WebhookMessageReceived WebhookEventType = "message.received"
	WebhookMessageApproved WebhookEventType = "message.approved"
)

// WebhookSubscriber is a per-inbox fan-out target for new-mail
// notifications, distinct from an Agent's own registered
// NotificationMode.webhook URL used for Auto-Wake — a single inbox can
// have several external subscribers.
type WebhookSubscriber struct {
	ID           string    `json:"id"`
	Inbox        string    `json:"inbox"` // normalized inbox path this subscriber watches
	URL          string    `json:"url"`
	Secret       string    `json:"secret,omitempty"` // HMAC signing secret for X-Quack-Signature
	CreatedAt    time.Time `json:"createdAt"`
	FailureCount int       `json:"failureCount"`
	LastFailure  time.Time `json:"lastFailure,omitempty"`
}
