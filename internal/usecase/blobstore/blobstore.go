// Package blobstore implements the File Blob Store: attachments
// addressed by server-minted ULIDs (the payload's SHA-256 is recorded,
// not used as the ID), with an independent 24h TTL, metadata and
// payload kept separate so listing stays cheap.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"quackrelay/internal/domain"
)

// Store is the persistence port for blob metadata and payloads, kept
// separate per so metadata listing never touches payload bytes.
type Store interface {
	PutMeta(ctx context.Context, meta domain.Blob) error
	GetMeta(ctx context.Context, id string) (domain.Blob, error)
	ListExpirableMeta(ctx context.Context, before time.Time) ([]domain.Blob, error)
	DeleteMeta(ctx context.Context, id string) error

	PutPayload(ctx context.Context, id string, payload []byte) error
	GetPayload(ctx context.Context, id string) ([]byte, error)
	DeletePayload(ctx context.Context, id string) error
}

// Service implements File Blob Store operations.
type Service struct {
	store   Store
	mu      sync.Mutex
	entropy *mathrand.Rand
}

// New creates a blobstore Service.
func New(store Store) *Service {
	return &Service{store: store, entropy: mathrand.New(mathrand.NewSource(time.Now().UnixNano()))}
}

func (s *Service) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// Upload stores a new blob, stamping a 24h TTL.
func (s *Service) Upload(ctx context.Context, name string, payload []byte, blobType domain.BlobType, mimeType string) (domain.Blob, error) {
	if name == "" {
		return domain.Blob{}, domain.NewDomainError("Blobstore.Upload", domain.ErrValidation, "name is required")
	}
	sum := sha256.Sum256(payload)
	now := time.Now()
	blob := domain.Blob{
		ID:        s.newID(),
		Name:      name,
		Type:      blobType,
		MimeType:  mimeType,
		Size:      int64(len(payload)),
		SHA256:    hex.EncodeToString(sum[:]),
		CreatedAt: now,
		ExpiresAt: now.Add(domain.BlobTTL),
	}
	if err := s.store.PutPayload(ctx, blob.ID, payload); err != nil {
		return domain.Blob{}, domain.NewDomainError("Blobstore.Upload", domain.ErrStoreFailure, err.Error())
	}
	if err := s.store.PutMeta(ctx, blob); err != nil {
		return domain.Blob{}, domain.NewDomainError("Blobstore.Upload", domain.ErrStoreFailure, err.Error())
	}
	return blob, nil
}

// Get returns a blob's metadata and payload together.
func (s *Service) Get(ctx context.Context, id string) (domain.Blob, []byte, error) {
	meta, err := s.store.GetMeta(ctx, id)
	if err != nil {
		return domain.Blob{}, nil, domain.NewDomainError("Blobstore.Get", domain.ErrNotFound, id)
	}
	payload, err := s.store.GetPayload(ctx, id)
	if err != nil {
		return domain.Blob{}, nil, domain.NewDomainError("Blobstore.Get", domain.ErrStoreFailure, err.Error())
	}
	return meta, payload, nil
}

// GetMeta returns only a blob's metadata — the cheap
// read path used by listings that never need payload bytes.
func (s *Service) GetMeta(ctx context.Context, id string) (domain.Blob, error) {
	meta, err := s.store.GetMeta(ctx, id)
	if err != nil {
		return domain.Blob{}, domain.NewDomainError("Blobstore.GetMeta", domain.ErrNotFound, id)
	}
	return meta, nil
}

// Delete removes both metadata and payload for a blob.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.store.GetMeta(ctx, id); err != nil {
		return domain.NewDomainError("Blobstore.Delete", domain.ErrNotFound, id)
	}
	if err := s.store.DeletePayload(ctx, id); err != nil {
		return domain.NewDomainError("Blobstore.Delete", domain.ErrStoreFailure, err.Error())
	}
	if err := s.store.DeleteMeta(ctx, id); err != nil {
		return domain.NewDomainError("Blobstore.Delete", domain.ErrStoreFailure, err.Error())
	}
	return nil
}

// SweepExpired runs the hourly TTL sweep.
func (s *Service) SweepExpired(ctx context.Context) error {
	expired, err := s.store.ListExpirableMeta(ctx, time.Now())
	if err != nil {
		return domain.NewDomainError("Blobstore.SweepExpired", domain.ErrStoreFailure, err.Error())
	}
	for _, b := range expired {
		_ = s.store.DeletePayload(ctx, b.ID)
		_ = s.store.DeleteMeta(ctx, b.ID)
	}
	return nil
}
