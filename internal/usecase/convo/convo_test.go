package convo

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quackrelay/internal/domain"
)

type memStore struct {
	mu       sync.Mutex
	sessions map[string]domain.ConvoSession
}

func newMemStore() *memStore { return &memStore{sessions: map[string]domain.ConvoSession{}} }

func (m *memStore) PutSession(_ context.Context, sess domain.ConvoSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.Key] = sess
	return nil
}

func (m *memStore) GetSession(_ context.Context, key string) (domain.ConvoSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[key]
	if !ok {
		return domain.ConvoSession{}, domain.ErrNotFound
	}
	return sess, nil
}

func (m *memStore) ListSessions(_ context.Context) ([]domain.ConvoSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ConvoSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out, nil
}

func (m *memStore) DeleteSession(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
	return nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestOnSendCreatesSessionPerDirection(t *testing.T) {
	store := newMemStore()
	svc := New(store, testLogger())

	svc.OnSend(context.Background(), domain.Message{ID: "m1", ThreadID: "m1", From: "claude/dev", To: "replit/main", Task: "hi"})
	key := domain.ConvoKey("claude/dev", "replit/main", "m1")
	sess, err := svc.Get(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, domain.ConvoActive, sess.Status)
	require.Equal(t, "replit/main", sess.CurrentTurn)
	require.Equal(t, 1, sess.MessageCount)
	require.True(t, sess.HasParticipant("claude/dev"))
	require.True(t, sess.HasParticipant("replit/main"))

	svc.OnSend(context.Background(), domain.Message{ID: "m2", ThreadID: "m1", From: "replit/main", To: "claude/dev", Task: "reply"})
	sess, err = svc.Get(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, 1, sess.MessageCount)
	require.Equal(t, "replit/main", sess.CurrentTurn)
	require.Equal(t, 0, sess.TurnCount)

	// The key is directional, so the reply opens its own session.
	reverse, err := svc.Get(context.Background(), domain.ConvoKey("replit/main", "claude/dev", "m1"))
	require.NoError(t, err)
	require.Equal(t, 1, reverse.MessageCount)
	require.Equal(t, "claude/dev", reverse.CurrentTurn)
	require.Equal(t, 0, reverse.TurnCount)
}

func TestConversationEndCompletesSession(t *testing.T) {
	store := newMemStore()
	svc := New(store, testLogger())
	msg := domain.Message{ID: "m1", ThreadID: "m1", From: "claude/dev", To: "replit/main", Task: "CONVERSATION_END"}
	msg.ControlType = domain.DetectControlType(msg.Task)
	svc.OnSend(context.Background(), msg)

	sess, err := svc.Get(context.Background(), domain.ConvoKey("claude/dev", "replit/main", "m1"))
	require.NoError(t, err)
	require.Equal(t, domain.ConvoCompleted, sess.Status)
	require.False(t, sess.CompletedAt.IsZero())
}

func TestReplySkipSetsAwaitingReply(t *testing.T) {
	store := newMemStore()
	svc := New(store, testLogger())
	msg := domain.Message{ID: "m1", ThreadID: "m1", From: "claude/dev", To: "replit/main", Task: "REPLY_SKIP"}
	msg.ControlType = domain.DetectControlType(msg.Task)
	svc.OnSend(context.Background(), msg)

	sess, err := svc.Get(context.Background(), domain.ConvoKey("claude/dev", "replit/main", "m1"))
	require.NoError(t, err)
	require.Equal(t, domain.ConvoAwaitingReply, sess.Status)
}

func TestSweepAbandonsExpiredActiveSessions(t *testing.T) {
	store := newMemStore()
	svc := New(store, testLogger())
	key := domain.ConvoKey("claude/dev", "replit/main", "m1")
	require.NoError(t, store.PutSession(context.Background(), domain.ConvoSession{
		Key:           key,
		Participants:  []string{"claude/dev", "replit/main"},
		ThreadID:      "m1",
		Status:        domain.ConvoActive,
		LastMessageAt: time.Now().Add(-48 * time.Hour),
		ExpiresAt:     time.Now().Add(-24 * time.Hour),
	}))

	require.NoError(t, svc.Sweep(context.Background()))
	sess, err := svc.Get(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, domain.ConvoAbandoned, sess.Status)
}

func TestSweepDiscardsStaleCompletedSessions(t *testing.T) {
	store := newMemStore()
	svc := New(store, testLogger())
	key := domain.ConvoKey("claude/dev", "replit/main", "m1")
	require.NoError(t, store.PutSession(context.Background(), domain.ConvoSession{
		Key:         key,
		Status:      domain.ConvoCompleted,
		CompletedAt: time.Now().Add(-8 * 24 * time.Hour),
	}))

	require.NoError(t, svc.Sweep(context.Background()))
	_, err := svc.Get(context.Background(), key)
	require.Error(t, err)
}
