// Package dispatcher implements the poll-and-push worker:
// every pollInterval, scan inboxes for approved messages addressed to a
// webhook agent, mark them in-progress, and POST the task payload to the
// agent's base URL.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"quackrelay/internal/domain"
	"quackrelay/internal/infra/tracer"
)

// DefaultPollInterval is the dispatcher loop's default period.
const DefaultPollInterval = 5 * time.Second

// OutboundTimeout is the fixed deadline for each dispatch POST.
const OutboundTimeout = 10 * time.Second

// MailboxReader lists messages across all inboxes and fetches one by id.
type MailboxReader interface {
	ListApproved(ctx context.Context) ([]domain.Message, error)
	Get(ctx context.Context, id string) (domain.Message, error)
}

// MailboxTransitioner advances a message's status machine state.
type MailboxTransitioner interface {
	UpdateStatus(ctx context.Context, id, actor string, target domain.MessageStatus) (domain.Message, error)
}

// AgentLookup resolves the webhook base URL for a destination root
// platform. Inbox paths may carry sub-segments beyond the registered
// agent's "platform/name", so lookup matches on root platform rather
// than exact id.
type AgentLookup interface {
	Resolve(ctx context.Context, id string) (domain.Agent, error)
}

// HTTPDoer is the outbound transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TaskPayload is the body POSTed to a webhook agent's /api/task endpoint.
type TaskPayload struct {
	MessageID string          `json:"messageId"`
	Task      string          `json:"task"`
	Context   string          `json:"context,omitempty"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Files     []domain.FileRef `json:"files"`
	Timestamp time.Time       `json:"timestamp"`
}

// Service implements the dispatcher poll loop.
type Service struct {
	mailbox MailboxReader
	status  MailboxTransitioner
	agents  AgentLookup
	http    HTTPDoer
	logger  *slog.Logger
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*http.Response]

	mu         sync.Mutex
	processing map[string]bool
}

// New creates a dispatcher Service.
func New(mailbox MailboxReader, status MailboxTransitioner, agents AgentLookup, httpClient HTTPDoer, logger *slog.Logger) *Service {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: OutboundTimeout}
	}
	return &Service{
		mailbox:    mailbox,
		status:     status,
		agents:     agents,
		http:       httpClient,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
		processing: map[string]bool{},
		breaker: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        "dispatcher",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures > 5 },
		}),
	}
}

// claim adds id to the in-flight set, returning false if it was already
// there.
func (s *Service) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing[id] {
		return false
	}
	s.processing[id] = true
	return true
}

func (s *Service) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processing, id)
}

// Poll runs one scan of all inboxes for webhook-bound approved
// messages. Invoked by the scheduler at DefaultPollInterval.
func (s *Service) Poll(ctx context.Context) error {
	msgs, err := s.mailbox.ListApproved(ctx)
	if err != nil {
		return domain.NewDomainError("Dispatcher.Poll", domain.ErrStoreFailure, err.Error())
	}
	for _, msg := range msgs {
		agent, ok := s.webhookAgentFor(ctx, msg.To)
		if !ok {
			continue
		}
		if !s.claim(msg.ID) {
			continue // already being handled by an overlapping poll
		}
		go func(msg domain.Message, baseURL string) {
			defer s.release(msg.ID)
			s.dispatchOne(ctx, msg, baseURL)
		}(msg, agent.PlatformURL)
	}
	return nil
}

// DispatchNow performs the dispatch steps once for an explicit id, if it
// is currently approved.
func (s *Service) DispatchNow(ctx context.Context, id string) error {
	msg, err := s.mailbox.Get(ctx, id)
	if err != nil {
		return domain.NewDomainError("Dispatcher.DispatchNow", domain.ErrNotFound, id)
	}
	if msg.Status != domain.StatusApproved {
		return domain.NewDomainError("Dispatcher.DispatchNow", domain.ErrConflict, "message is not approved")
	}
	agent, ok := s.webhookAgentFor(ctx, msg.To)
	if !ok {
		return domain.NewDomainError("Dispatcher.DispatchNow", domain.ErrValidation, "destination is not a webhook agent")
	}
	if !s.claim(msg.ID) {
		return nil // already in flight
	}
	defer s.release(msg.ID)
	s.dispatchOne(ctx, msg, agent.PlatformURL)
	return nil
}

func (s *Service) webhookAgentFor(ctx context.Context, inbox string) (domain.Agent, bool) {
	agent, err := s.agents.Resolve(ctx, inbox)
	if err != nil {
		return domain.Agent{}, false
	}
	if agent.NotificationMode != domain.NotifyWebhook || agent.PlatformURL == "" {
		return domain.Agent{}, false
	}
	return agent, true
}

func (s *Service) dispatchOne(ctx context.Context, msg domain.Message, baseURL string) {
	ctx, span := tracer.StartSpan(ctx, "dispatcher.dispatch",
		trace.WithAttributes(tracer.StringAttr("message.id", msg.ID), tracer.StringAttr("inbox.path", msg.To)))
	defer span.End()

	if _, err := s.status.UpdateStatus(ctx, msg.ID, "dispatcher", domain.StatusInProgress); err != nil {
		tracer.RecordError(span, err)
		s.logger.Warn("dispatcher: failed to transition to in_progress", "message_id", msg.ID, "error", err)
		return
	}

	payload, _ := json.Marshal(TaskPayload{
		MessageID: msg.ID,
		Task:      msg.Task,
		Context:   msg.Context,
		From:      msg.From,
		To:        msg.To,
		Files:     msg.Files,
		Timestamp: time.Now(),
	})

	if err := s.post(ctx, fmt.Sprintf("%s/api/task", baseURL), payload); err != nil {
		// Do not revert status on failure; the receiver is expected to
		// eventually report completion via updateStatus.
		s.logger.Warn("dispatcher: POST failed", "message_id", msg.ID, "base_url", baseURL, "error", err)
		tracer.RecordError(span, err)
		return
	}
	tracer.SetOK(span)
}

func (s *Service) post(ctx context.Context, url string, body []byte) error {
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

	resp, err := s.breaker.Execute(func() (*http.Response, error) {
		return s.http.Do(req)
	})
	if err != nil {
		return domain.NewDomainError("Dispatcher.post", domain.ErrTransient, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return domain.NewDomainError("Dispatcher.post", domain.ErrTransient, fmt.Sprintf("status %d", resp.StatusCode))
	}
	return nil
}
