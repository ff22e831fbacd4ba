package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quackrelay/internal/domain"
)

type memStore struct {
	entries  []domain.AuditEntry
	archived map[string][]domain.ArchivedThread
}

func newMemStore() *memStore {
	return &memStore{archived: map[string][]domain.ArchivedThread{}}
}

func (m *memStore) AppendEntry(_ context.Context, e domain.AuditEntry) error {
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStore) QueryEntries(_ context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	for _, e := range m.entries {
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.Actor != "" && e.Actor != filter.Actor {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memStore) CountSince(_ context.Context, since time.Time) (int, error) {
	n := 0
	for _, e := range m.entries {
		if e.Timestamp.After(since) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) CountTotal(_ context.Context) (int, error) { return len(m.entries), nil }

func (m *memStore) TopActions(_ context.Context, _ int) (map[string]int, error) {
	out := map[string]int{}
	for _, e := range m.entries {
		out[string(e.Action)]++
	}
	return out, nil
}

func (m *memStore) TopActors(_ context.Context, _ int) (map[string]int, error) {
	out := map[string]int{}
	for _, e := range m.entries {
		out[e.Actor]++
	}
	return out, nil
}

func (m *memStore) PutArchivedThread(_ context.Context, t domain.ArchivedThread) error {
	m.archived[t.ThreadID] = append(m.archived[t.ThreadID], t)
	return nil
}

func (m *memStore) LatestArchivedThread(_ context.Context, threadID string) (domain.ArchivedThread, error) {
	list := m.archived[threadID]
	if len(list) == 0 {
		return domain.ArchivedThread{}, domain.ErrNotFound
	}
	return list[len(list)-1], nil
}

func TestRecordAndQuery(t *testing.T) {
	svc := New(newMemStore())
	require.NoError(t, svc.Record(context.Background(), domain.AuditEntry{Action: domain.ActionMessageSend, Actor: "a/dev"}))
	entries, err := svc.Query(context.Background(), domain.AuditFilter{Actor: "a/dev"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotEmpty(t, entries[0].ID)
}

func TestStats(t *testing.T) {
	svc := New(newMemStore())
	require.NoError(t, svc.Record(context.Background(), domain.AuditEntry{Action: domain.ActionMessageSend, Actor: "a"}))
	require.NoError(t, svc.Record(context.Background(), domain.AuditEntry{Action: domain.ActionMessageApprove, Actor: "b"}))
	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 2, stats.Last24h)
}

func TestArchiveThreadAndLookup(t *testing.T) {
	svc := New(newMemStore())
	now := time.Now()
	msgs := []domain.Message{
		{ID: "1", ThreadID: "t1", From: "a", To: "b", CreatedAt: now},
		{ID: "2", ThreadID: "t1", From: "b", To: "a", CreatedAt: now.Add(time.Minute)},
	}
	require.NoError(t, svc.ArchiveThread(context.Background(), "t1", msgs, nil))
	thread, err := svc.GetArchivedThread(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, thread.Messages, 2)
	require.ElementsMatch(t, []string{"a", "b"}, thread.Participants)
}

func TestArchiveThreadRejectsEmpty(t *testing.T) {
	svc := New(newMemStore())
	require.Error(t, svc.ArchiveThread(context.Background(), "t1", nil, nil))
}
