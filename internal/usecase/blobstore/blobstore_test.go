package blobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quackrelay/internal/domain"
)

type memStore struct {
	meta    map[string]domain.Blob
	payload map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{meta: map[string]domain.Blob{}, payload: map[string][]byte{}}
}

func (m *memStore) PutMeta(_ context.Context, meta domain.Blob) error { m.meta[meta.ID] = meta; return nil }
func (m *memStore) GetMeta(_ context.Context, id string) (domain.Blob, error) {
	b, ok := m.meta[id]
	if !ok {
		return domain.Blob{}, domain.ErrNotFound
	}
	return b, nil
}
func (m *memStore) ListExpirableMeta(_ context.Context, before time.Time) ([]domain.Blob, error) {
	var out []domain.Blob
	for _, b := range m.meta {
		if b.ExpiresAt.Before(before) {
			out = append(out, b)
		}
	}
	return out, nil
}
func (m *memStore) DeleteMeta(_ context.Context, id string) error { delete(m.meta, id); return nil }
func (m *memStore) PutPayload(_ context.Context, id string, payload []byte) error {
	m.payload[id] = payload
	return nil
}
func (m *memStore) GetPayload(_ context.Context, id string) ([]byte, error) {
	p, ok := m.payload[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p, nil
}
func (m *memStore) DeletePayload(_ context.Context, id string) error { delete(m.payload, id); return nil }

func TestUploadAndGet(t *testing.T) {
	svc := New(newMemStore())
	blob, err := svc.Upload(context.Background(), "notes.txt", []byte("hello"), domain.BlobDoc, "text/plain")
	require.NoError(t, err)
	require.Equal(t, domain.BlobTTL, blob.ExpiresAt.Sub(blob.CreatedAt))

	meta, payload, err := svc.Get(context.Background(), blob.ID)
	require.NoError(t, err)
	require.Equal(t, "hello", string(payload))
	require.Equal(t, blob.SHA256, meta.SHA256)
}

func TestSweepExpiredRemovesPastTTL(t *testing.T) {
	store := newMemStore()
	svc := New(store)
	blob, err := svc.Upload(context.Background(), "old.txt", []byte("x"), domain.BlobData, "")
	require.NoError(t, err)
	expired := store.meta[blob.ID]
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	store.meta[blob.ID] = expired

	require.NoError(t, svc.SweepExpired(context.Background()))
	_, err = svc.GetMeta(context.Background(), blob.ID)
	require.Error(t, err)
}
