package registry

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quackrelay/internal/domain"
)

type memStore struct {
	agents map[string]domain.Agent
	keys   map[string]domain.APIKey
}

func newMemStore() *memStore {
	return &memStore{agents: map[string]domain.Agent{}, keys: map[string]domain.APIKey{}}
}

func (m *memStore) PutAgent(_ context.Context, a domain.Agent) error { m.agents[a.ID] = a; return nil }
func (m *memStore) GetAgent(_ context.Context, id string) (domain.Agent, error) {
	a, ok := m.agents[id]
	if !ok {
		return domain.Agent{}, domain.ErrNotFound
	}
	return a, nil
}
func (m *memStore) ListAgents(_ context.Context) ([]domain.Agent, error) {
	out := make([]domain.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	return out, nil
}
func (m *memStore) DeleteAgent(_ context.Context, id string) error {
	if _, ok := m.agents[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.agents, id)
	return nil
}
func (m *memStore) PutAPIKey(_ context.Context, k domain.APIKey) error {
	m.keys[k.HashedKey] = k
	return nil
}
func (m *memStore) GetAPIKeyByHash(_ context.Context, hash string) (domain.APIKey, error) {
	k, ok := m.keys[hash]
	if !ok {
		return domain.APIKey{}, domain.ErrNotFound
	}
	return k, nil
}
func (m *memStore) ListAPIKeys(_ context.Context) ([]domain.APIKey, error) {
	out := make([]domain.APIKey, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k)
	}
	return out, nil
}

func TestSeedIsIdempotent(t *testing.T) {
	store := newMemStore()
	svc := New(store, nil, slog.Default())
	require.NoError(t, svc.Seed(context.Background()))
	require.NoError(t, svc.Seed(context.Background()))
	agents, err := svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, len(DefaultAgents))
}

func TestShouldAutoApproveNeitherRegistered(t *testing.T) {
	store := newMemStore()
	svc := New(store, nil, slog.Default())
	auto, err := svc.ShouldAutoApprove(context.Background(), "cursor/dev", "replit/main")
	require.NoError(t, err)
	require.True(t, auto)
}

func TestShouldAutoApproveHeldForConversationalDestination(t *testing.T) {
	store := newMemStore()
	svc := New(store, nil, slog.Default())
	require.NoError(t, svc.Seed(context.Background()))
	auto, err := svc.ShouldAutoApprove(context.Background(), "replit/dev", "claude/web")
	require.NoError(t, err)
	require.False(t, auto, "conversational destination requires approval")
}

func TestShouldAutoApproveHeldForConversationalSender(t *testing.T) {
	store := newMemStore()
	svc := New(store, nil, slog.Default())
	require.NoError(t, svc.Seed(context.Background()))
	auto, err := svc.ShouldAutoApprove(context.Background(), "claude/web", "unregistered/x")
	require.NoError(t, err)
	require.False(t, auto, "conversational sender always held")
}

func TestShouldAutoApproveAutonomousPair(t *testing.T) {
	store := newMemStore()
	svc := New(store, nil, slog.Default())
	require.NoError(t, svc.Seed(context.Background()))
	auto, err := svc.ShouldAutoApprove(context.Background(), "cursor/agent", "replit/agent")
	require.NoError(t, err)
	require.True(t, auto)
}

func TestMintAndValidateAPIKey(t *testing.T) {
	store := newMemStore()
	svc := New(store, nil, slog.Default())
	plaintext, key, err := svc.MintAPIKey(context.Background(), "operator", []string{"send", "check"})
	require.NoError(t, err)
	require.NotEmpty(t, key.HashedKey)

	validated, err := svc.ValidateAPIKey(context.Background(), plaintext)
	require.NoError(t, err)
	require.Equal(t, "operator", validated.OwnerID)

	_, err = svc.ValidateAPIKey(context.Background(), "quack_wrongkeyvaluegoeshere")
	require.Error(t, err)
}

func TestRevokeAPIKey(t *testing.T) {
	store := newMemStore()
	svc := New(store, nil, slog.Default())
	plaintext, key, err := svc.MintAPIKey(context.Background(), "operator", []string{"send"})
	require.NoError(t, err)
	require.NoError(t, svc.RevokeAPIKey(context.Background(), key.ID))
	_, err = svc.ValidateAPIKey(context.Background(), plaintext)
	require.Error(t, err)
}

func TestAgentIsOnlineWindow(t *testing.T) {
	agent := domain.Agent{LastSeenAt: time.Now().Add(-time.Minute)}
	require.True(t, agent.IsOnline(time.Now()))
	agent.LastSeenAt = time.Now().Add(-10 * time.Minute)
	require.False(t, agent.IsOnline(time.Now()))
}
