// Package webhook implements per-inbox subscriber fan-out and Auto-Wake:
// on send and on approval, POST the event to every subscriber of the
// destination inbox, HMAC-signing the body when the subscriber carries a
// secret; independently, fire a concise Auto-Wake POST to the destination
// agent's own registered webhook URL.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	mathrand "math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"quackrelay/internal/domain"
	"quackrelay/internal/security"
)

// OutboundTimeout is the fixed deadline for Auto-Wake and subscriber POSTs.
const OutboundTimeout = 10 * time.Second

// SignatureHeader is the HTTP header carrying the HMAC signature.
const SignatureHeader = "X-Quack-Signature"

// Store is the persistence port for subscribers.
type Store interface {
	PutSubscriber(ctx context.Context, sub domain.WebhookSubscriber) error
	ListSubscribers(ctx context.Context, inbox string) ([]domain.WebhookSubscriber, error)
	ListAllSubscribers(ctx context.Context) ([]domain.WebhookSubscriber, error)
	DeleteSubscriber(ctx context.Context, id string) error
}

// AgentLookup resolves the destination agent's own registered webhook
// (Auto-Wake target), distinct from the per-inbox subscriber list above.
// Inbox paths may carry sub-segments beyond the registered agent's
// "platform/name", so lookup matches on root platform rather than exact
// id.
type AgentLookup interface {
	Resolve(ctx context.Context, id string) (domain.Agent, error)
}

// HTTPDoer is the outbound transport, narrowed to *http.Client's method
// set so tests can substitute a fake.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// AuditLogger records webhook mutations.
type AuditLogger interface {
	Record(ctx context.Context, entry domain.AuditEntry) error
}

// Service implements per-inbox fan-out and Auto-Wake.
type Service struct {
	store   Store
	agents  AgentLookup
	http    HTTPDoer
	audit   AuditLogger
	logger  *slog.Logger
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*http.Response]
	mu      sync.Mutex
	entropy *mathrand.Rand

	// ValidateURL screens subscriber URLs at registration time. Defaults
	// to the SSRF guard; tests that subscribe loopback receivers override
	// it.
	ValidateURL func(url string) error
}

// New creates a webhook fan-out Service. One rate limiter caps outbound
// POSTs across every destination (there is no per-host limit); the
// circuit breaker trips after repeated
// failures so a dead receiver degrades to fast-fail instead of a retry
// storm.
func New(store Store, agents AgentLookup, httpClient HTTPDoer, audit AuditLogger, logger *slog.Logger) *Service {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: OutboundTimeout}
	}
	cbSettings := gobreaker.Settings{
		Name:        "webhook-fanout",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}
	return &Service{
		store:   store,
		agents:  agents,
		http:    httpClient,
		audit:   audit,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(20), 40),
		breaker: gobreaker.NewCircuitBreaker[*http.Response](cbSettings),
		entropy: mathrand.New(mathrand.NewSource(time.Now().UnixNano())),

		ValidateURL: security.ValidateURL,
	}
}

// Subscribe registers a new fan-out subscriber for inbox.
func (s *Service) Subscribe(ctx context.Context, inbox, url, secret string) (domain.WebhookSubscriber, error) {
	if inbox == "" || url == "" {
		return domain.WebhookSubscriber{}, domain.NewDomainError("Webhook.Subscribe", domain.ErrValidation, "inbox and url are required")
	}
	if err := s.ValidateURL(url); err != nil {
		return domain.WebhookSubscriber{}, err
	}
	sub := domain.WebhookSubscriber{
		ID:        s.newID(),
		Inbox:     inbox,
		URL:       url,
		Secret:    secret,
		CreatedAt: time.Now(),
	}
	if err := s.store.PutSubscriber(ctx, sub); err != nil {
		return domain.WebhookSubscriber{}, domain.NewDomainError("Webhook.Subscribe", domain.ErrStoreFailure, err.Error())
	}
	s.auditRecord(ctx, domain.ActionWebhookCreate, sub.ID, inbox)
	return sub, nil
}

// List returns every registered subscriber.
func (s *Service) List(ctx context.Context) ([]domain.WebhookSubscriber, error) {
	subs, err := s.store.ListAllSubscribers(ctx)
	if err != nil {
		return nil, domain.NewDomainError("Webhook.List", domain.ErrStoreFailure, err.Error())
	}
	return subs, nil
}

// Unsubscribe removes a subscriber.
func (s *Service) Unsubscribe(ctx context.Context, id string) error {
	if err := s.store.DeleteSubscriber(ctx, id); err != nil {
		return domain.NewDomainError("Webhook.Unsubscribe", domain.ErrNotFound, id)
	}
	s.auditRecord(ctx, domain.ActionWebhookDelete, id, "")
	return nil
}

// NotifyReceived fans out a message.received event to every subscriber of
// msg.To.
func (s *Service) NotifyReceived(ctx context.Context, msg domain.Message) {
	s.fanout(ctx, domain.WebhookMessageReceived, msg)
}

// NotifyApproved fans out a message.approved event and independently fires Auto-Wake if the destination agent
// has a registered webhook.
func (s *Service) NotifyApproved(ctx context.Context, msg domain.Message) {
	s.fanout(ctx, domain.WebhookMessageApproved, msg)
	s.autoWake(ctx, msg)
}

func (s *Service) fanout(ctx context.Context, event domain.WebhookEventType, msg domain.Message) {
	subs, err := s.store.ListSubscribers(ctx, msg.To)
	if err != nil || len(subs) == 0 {
		return
	}
	body, _ := json.Marshal(map[string]any{
		"event":   event,
		"inbox":   msg.To,
		"message": msg,
	})
	for _, sub := range subs {
		sub := sub
		go func() {
			if err := s.post(ctx, sub.URL, body, sub.Secret); err != nil {
				sub.FailureCount++
				sub.LastFailure = time.Now()
				_ = s.store.PutSubscriber(ctx, sub)
				s.logger.Warn("webhook: fanout delivery failed", "subscriber", sub.ID, "url", sub.URL, "error", err)
			}
		}()
	}
}

// autoWake fires a concise new_message POST to the destination agent's
// registered webhook, independent of the subscriber list above. Failures
// are logged only.
func (s *Service) autoWake(ctx context.Context, msg domain.Message) {
	if s.agents == nil {
		return
	}
	agent, err := s.agents.Resolve(ctx, msg.To)
	if err != nil || agent.WebhookURL == "" {
		return
	}
	task := msg.Task
	if len(task) > 200 {
		task = task[:200]
	}
	body, _ := json.Marshal(map[string]any{
		"event":     "new_message",
		"inbox":     msg.To,
		"from":      msg.From,
		"messageId": msg.ID,
		"task":      task,
		"timestamp": time.Now(),
	})
	go func() {
		if err := s.post(ctx, agent.WebhookURL, body, agent.WebhookSecret); err != nil {
			s.logger.Warn("webhook: auto-wake failed", "agent", agent.ID, "error", err)
		}
	}()
}

func (s *Service) post(ctx context.Context, url string, body []byte, secret string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, OutboundTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(SignatureHeader, Sign(secret, body))
	}

	resp, err := s.breaker.Execute(func() (*http.Response, error) {
		return s.http.Do(req)
	})
	if err != nil {
		return domain.NewDomainError("Webhook.post", domain.ErrTransient, err.Error())
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return domain.NewDomainError("Webhook.post", domain.ErrTransient, fmt.Sprintf("status %d", resp.StatusCode))
	}
	return nil
}

// Sign computes the HMAC-SHA256 hex signature of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Service) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *Service) auditRecord(ctx context.Context, action domain.AuditAction, targetID, detail string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, domain.AuditEntry{
		ID:         s.newID(),
		Timestamp:  time.Now(),
		Action:     action,
		TargetType: "webhook",
		TargetID:   targetID,
		Detail:     detail,
	}); err != nil && s.logger != nil {
		s.logger.Warn("webhook: audit record failed", "error", err)
	}
}
