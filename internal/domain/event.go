package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event published on the bus.
type EventType string

const (
	EventMessageSent      EventType = "message.sent"
	EventMessageRead      EventType = "message.read"
	EventMessageApproved  EventType = "message.approved"
	EventMessageStatus    EventType = "message.status"
	EventMessageCompleted EventType = "message.completed"
	EventMessageExpired   EventType = "message.expired"

	EventAgentRegistered   EventType = "agent.registered"
	EventAgentUnregistered EventType = "agent.unregistered"
	EventAgentSeen         EventType = "agent.seen"

	EventWebhookDelivered EventType = "webhook.delivered"
	EventWebhookFailed    EventType = "webhook.failed"
	EventAutoWakeSent     EventType = "autowake.sent"

	EventBridgeConnected    EventType = "bridge.connected"
	EventBridgeDisconnected EventType = "bridge.disconnected"
	EventBridgeAuthFailed   EventType = "bridge.auth_failed"

	EventSessionStarted EventType = "convo.session.started"
	EventSessionClosed  EventType = "convo.session.closed"

	EventRecorderSessionOpened EventType = "recorder.session.opened"
	EventRecorderSessionClosed EventType = "recorder.session.closed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	AgentID   string          `json:"agent_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(eventType EventType, handler EventHandler) func()
	SubscribeAll(handler EventHandler) func()
	Close()
}
