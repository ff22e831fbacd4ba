// Package convo implements the Session Registry: per
// (from, to, threadId) conversation-turn bookkeeping, updated on every
// send and reaped by a periodic janitor.
package convo

import (
	"context"
	"log/slog"
	"time"

	"quackrelay/internal/domain"
)

// JanitorInterval is how often the abandon/discard sweep runs.
const JanitorInterval = 15 * time.Minute

// Store is the persistence port for conversation sessions.
type Store interface {
	PutSession(ctx context.Context, sess domain.ConvoSession) error
	GetSession(ctx context.Context, key string) (domain.ConvoSession, error)
	ListSessions(ctx context.Context) ([]domain.ConvoSession, error)
	DeleteSession(ctx context.Context, key string) error
}

// Service tracks conversation sessions.
type Service struct {
	store  Store
	logger *slog.Logger
}

// New creates a Session Registry Service.
func New(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// OnSend creates or updates the session for msg. Failures are logged only: the Session Registry is bookkeeping,
// not a gate on message delivery.
func (s *Service) OnSend(ctx context.Context, msg domain.Message) {
	threadID := msg.ThreadID
	if threadID == "" {
		threadID = msg.ID
	}
	key := domain.ConvoKey(msg.From, msg.To, threadID)

	sess, err := s.store.GetSession(ctx, key)
	now := time.Now()
	if err != nil {
		sess = domain.ConvoSession{
			Key:          key,
			Participants: []string{msg.From, msg.To},
			ThreadID:     threadID,
			Status:       domain.ConvoActive,
			CurrentTurn:  msg.To,
			CreatedAt:    now,
		}
	}

	if !sess.HasParticipant(msg.From) {
		sess.Participants = append(sess.Participants, msg.From)
	}
	if !sess.HasParticipant(msg.To) {
		sess.Participants = append(sess.Participants, msg.To)
	}

	sess.MessageCount++
	sess.LastMessageAt = now
	sess.ExpiresAt = now.Add(domain.ConvoTTL)

	if sess.CurrentTurn == msg.From {
		sess.CurrentTurn = msg.To
		sess.TurnCount++
	}

	switch msg.ControlType {
	case domain.ControlConvoEnd:
		sess.Status = domain.ConvoCompleted
		sess.CompletedAt = now
	case domain.ControlReplySkip:
		sess.Status = domain.ConvoAwaitingReply
	case domain.ControlAnnounceSkip:
		// state unchanged
	default:
		if sess.Status != domain.ConvoCompleted && sess.Status != domain.ConvoAbandoned {
			sess.Status = domain.ConvoActive
		}
	}

	if err := s.store.PutSession(ctx, sess); err != nil && s.logger != nil {
		s.logger.Warn("convo: failed to persist session", "key", key, "error", err)
	}
}

// Get returns the session for key.
func (s *Service) Get(ctx context.Context, key string) (domain.ConvoSession, error) {
	sess, err := s.store.GetSession(ctx, key)
	if err != nil {
		return domain.ConvoSession{}, domain.NewDomainError("Convo.Get", domain.ErrNotFound, key)
	}
	return sess, nil
}

// List returns every tracked session.
func (s *Service) List(ctx context.Context) ([]domain.ConvoSession, error) {
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return nil, domain.NewDomainError("Convo.List", domain.ErrStoreFailure, err.Error())
	}
	return sessions, nil
}

// Sweep runs one janitor pass: active sessions past their
// expiry become abandoned; completed/abandoned sessions older than the
// retention window are discarded outright.
func (s *Service) Sweep(ctx context.Context) error {
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return domain.NewDomainError("Convo.Sweep", domain.ErrStoreFailure, err.Error())
	}
	now := time.Now()
	for _, sess := range sessions {
		switch sess.Status {
		case domain.ConvoCompleted, domain.ConvoAbandoned:
			reapAt := sess.LastMessageAt
			if !sess.CompletedAt.IsZero() {
				reapAt = sess.CompletedAt
			}
			if now.Sub(reapAt) > domain.ConvoRetention {
				if err := s.store.DeleteSession(ctx, sess.Key); err != nil && s.logger != nil {
					s.logger.Warn("convo: failed to discard session", "key", sess.Key, "error", err)
				}
			}
		default:
			if sess.IsOpen() && now.After(sess.ExpiresAt) {
				sess.Status = domain.ConvoAbandoned
				if err := s.store.PutSession(ctx, sess); err != nil && s.logger != nil {
					s.logger.Warn("convo: failed to abandon session", "key", sess.Key, "error", err)
				}
			}
		}
	}
	return nil
}
