// Package audit implements the audit trail and thread archive. Audit
// writes are best-effort: a failure here is logged and
// never propagated back to the mutating operation that triggered it.
package audit

import (
	"context"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"quackrelay/internal/domain"
)

// Store is the persistence port for audit entries and archived threads.
type Store interface {
	AppendEntry(ctx context.Context, entry domain.AuditEntry) error
	QueryEntries(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error)
	CountSince(ctx context.Context, since time.Time) (int, error)
	CountTotal(ctx context.Context) (int, error)
	TopActions(ctx context.Context, limit int) (map[string]int, error)
	TopActors(ctx context.Context, limit int) (map[string]int, error)

	PutArchivedThread(ctx context.Context, thread domain.ArchivedThread) error
	LatestArchivedThread(ctx context.Context, threadID string) (domain.ArchivedThread, error)
}

// Service implements Audit & Archive operations.
type Service struct {
	store   Store
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New creates an audit Service.
func New(store Store) *Service {
	return &Service{store: store, entropy: ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)}
}

func (s *Service) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// Record appends one audit entry. It is best-effort: callers should log a
// returned error but must never let it fail the operation that produced
// the entry.
func (s *Service) Record(ctx context.Context, entry domain.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = s.newID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	return s.store.AppendEntry(ctx, entry)
}

// Query runs a filtered audit read.
func (s *Service) Query(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	entries, err := s.store.QueryEntries(ctx, filter)
	if err != nil {
		return nil, domain.NewDomainError("Audit.Query", domain.ErrStoreFailure, err.Error())
	}
	return entries, nil
}

// Stats returns the aggregate view.
func (s *Service) Stats(ctx context.Context) (domain.AuditStats, error) {
	total, err := s.store.CountTotal(ctx)
	if err != nil {
		return domain.AuditStats{}, domain.NewDomainError("Audit.Stats", domain.ErrStoreFailure, err.Error())
	}
	last24h, err := s.store.CountSince(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		return domain.AuditStats{}, domain.NewDomainError("Audit.Stats", domain.ErrStoreFailure, err.Error())
	}
	topActions, err := s.store.TopActions(ctx, 10)
	if err != nil {
		return domain.AuditStats{}, domain.NewDomainError("Audit.Stats", domain.ErrStoreFailure, err.Error())
	}
	topActors, err := s.store.TopActors(ctx, 10)
	if err != nil {
		return domain.AuditStats{}, domain.NewDomainError("Audit.Stats", domain.ErrStoreFailure, err.Error())
	}
	return domain.AuditStats{Total: total, Last24h: last24h, TopActions: topActions, TopActors: topActors}, nil
}

// ArchiveThread freezes participants, counts, and the full message list
// into a single row. Called by the mailbox TTL
// sweep before a completed thread disappears, and on explicit API
// request.
func (s *Service) ArchiveThread(ctx context.Context, threadID string, messages []domain.Message, metadata map[string]string) error {
	if len(messages) == 0 {
		return domain.NewDomainError("Audit.ArchiveThread", domain.ErrValidation, "no messages to archive")
	}
	participants := map[string]bool{}
	first, last := messages[0].CreatedAt, messages[0].CreatedAt
	for _, m := range messages {
		participants[m.From] = true
		participants[m.To] = true
		if m.CreatedAt.Before(first) {
			first = m.CreatedAt
		}
		if m.CreatedAt.After(last) {
			last = m.CreatedAt
		}
	}
	names := make([]string, 0, len(participants))
	for p := range participants {
		names = append(names, p)
	}

	thread := domain.ArchivedThread{
		ID:           s.newID(),
		ThreadID:     threadID,
		Participants: names,
		FirstAt:      first,
		LastAt:       last,
		Messages:     messages,
		Metadata:     metadata,
		ArchivedAt:   time.Now(),
	}
	if err := s.store.PutArchivedThread(ctx, thread); err != nil {
		return domain.NewDomainError("Audit.ArchiveThread", domain.ErrStoreFailure, err.Error())
	}
	return nil
}

// GetArchivedThread returns the latest archived copy of threadID.
func (s *Service) GetArchivedThread(ctx context.Context, threadID string) (domain.ArchivedThread, error) {
	thread, err := s.store.LatestArchivedThread(ctx, threadID)
	if err != nil {
		return domain.ArchivedThread{}, domain.NewDomainError("Audit.GetArchivedThread", domain.ErrNotFound, threadID)
	}
	return thread, nil
}
