package dispatcher

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quackrelay/internal/domain"
)

type memMailbox struct {
	mu   sync.Mutex
	msgs map[string]domain.Message
}

func newMemMailbox(msgs ...domain.Message) *memMailbox {
	m := &memMailbox{msgs: map[string]domain.Message{}}
	for _, msg := range msgs {
		m.msgs[msg.ID] = msg
	}
	return m
}

func (m *memMailbox) ListApproved(context.Context) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Message
	for _, msg := range m.msgs {
		if msg.Status == domain.StatusApproved {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memMailbox) Get(_ context.Context, id string) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.msgs[id]
	if !ok {
		return domain.Message{}, domain.ErrNotFound
	}
	return msg, nil
}

func (m *memMailbox) UpdateStatus(_ context.Context, id, _ string, target domain.MessageStatus) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.msgs[id]
	if !ok {
		return domain.Message{}, domain.ErrNotFound
	}
	msg.Status = target
	m.msgs[id] = msg
	return msg, nil
}

type fakeAgents struct {
	agents map[string]domain.Agent
}

func (f fakeAgents) Resolve(_ context.Context, id string) (domain.Agent, error) {
	platform := id
	if idx := strings.IndexByte(id, '/'); idx >= 0 {
		platform = id[:idx]
	}
	agent, ok := f.agents[platform]
	if !ok {
		return domain.Agent{}, domain.ErrNotFound
	}
	return agent, nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestPollDispatchesApprovedWebhookMessage(t *testing.T) {
	var gotPath string
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		gotPath = r.URL.Path
		_, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	mailbox := newMemMailbox(domain.Message{ID: "m1", To: "replit/main", From: "claude/dev", Task: "hi", Status: domain.StatusApproved})
	agents := fakeAgents{agents: map[string]domain.Agent{
		"replit": {ID: "replit/agent", NotificationMode: domain.NotifyWebhook, PlatformURL: server.URL},
	}}
	svc := New(mailbox, mailbox, agents, server.Client(), testLogger())

	require.NoError(t, svc.Poll(context.Background()))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, "/api/task", gotPath)

	msg, err := mailbox.Get(context.Background(), "m1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, msg.Status)
}

func TestPollSkipsNonWebhookDestinations(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	mailbox := newMemMailbox(domain.Message{ID: "m1", To: "claude/dev", From: "replit/main", Task: "hi", Status: domain.StatusApproved})
	agents := fakeAgents{agents: map[string]domain.Agent{
		"claude": {ID: "claude/dev", NotificationMode: domain.NotifyPolling},
	}}
	svc := New(mailbox, mailbox, agents, server.Client(), testLogger())

	require.NoError(t, svc.Poll(context.Background()))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(0), calls.Load())

	msg, err := mailbox.Get(context.Background(), "m1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, msg.Status)
}

func TestDispatchNowRejectsNonApproved(t *testing.T) {
	mailbox := newMemMailbox(domain.Message{ID: "m1", To: "replit/main", Status: domain.StatusPending})
	agents := fakeAgents{agents: map[string]domain.Agent{}}
	svc := New(mailbox, mailbox, agents, http.DefaultClient, testLogger())

	err := svc.DispatchNow(context.Background(), "m1")
	require.Error(t, err)
}

func TestClaimDedupesOverlappingPolls(t *testing.T) {
	svc := New(newMemMailbox(), newMemMailbox(), fakeAgents{agents: map[string]domain.Agent{}}, http.DefaultClient, testLogger())
	require.True(t, svc.claim("m1"))
	require.False(t, svc.claim("m1"))
	svc.release("m1")
	require.True(t, svc.claim("m1"))
}
