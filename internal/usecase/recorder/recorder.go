// Package recorder implements the Flight Recorder: a durable
// journal of per-agent thoughts, checkpoints, and errors, grouped into
// sessions, with resumption-prompt synthesis after agent restart.
package recorder

import (
	"context"
	"fmt"
	mathrand "math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"quackrelay/internal/domain"
)

// RecentEntryLimit is how many trailing entries the resumption prompt's
// "RECENT LOGS" block shows.
const RecentEntryLimit = 10

// Store is the persistence port for journal entries and sessions.
type Store interface {
	PutSession(ctx context.Context, sess domain.RecorderSession) error
	GetSession(ctx context.Context, id string) (domain.RecorderSession, error)
	FindActiveSession(ctx context.Context, agentID string, since time.Time) (domain.RecorderSession, bool, error)
	ListActiveSessionsForAgent(ctx context.Context, agentID string) ([]domain.RecorderSession, error)

	AppendEntry(ctx context.Context, entry domain.JournalEntry) error
	ListEntries(ctx context.Context, sessionID string, limit int) ([]domain.JournalEntry, error)
	ListEntriesForAgent(ctx context.Context, agentID string, limit int) ([]domain.JournalEntry, error)

	ListAllActive(ctx context.Context) ([]domain.RecorderSession, error)
}

// Service implements Flight Recorder operations.
type Service struct {
	store   Store
	mu      sync.Mutex
	entropy *mathrand.Rand
}

// New creates a Flight Recorder Service.
func New(store Store) *Service {
	return &Service{store: store, entropy: mathrand.New(mathrand.NewSource(time.Now().UnixNano()))}
}

func (s *Service) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// getOrCreateSession resolves the session a log entry belongs to: an
// explicit sessionID is inserted-or-reused as-is; otherwise the most
// recent active session within RecorderSessionWindow is reused, else a
// new one is created.
func (s *Service) getOrCreateSession(ctx context.Context, agentID, sessionID string) (domain.RecorderSession, error) {
	if sessionID != "" {
		sess, err := s.store.GetSession(ctx, sessionID)
		if err == nil {
			return sess, nil
		}
		sess = domain.RecorderSession{ID: sessionID, AgentID: agentID, CreatedAt: time.Now(), Active: true}
		if err := s.store.PutSession(ctx, sess); err != nil {
			return domain.RecorderSession{}, err
		}
		return sess, nil
	}

	since := time.Now().Add(-domain.RecorderSessionWindow)
	if sess, found, err := s.store.FindActiveSession(ctx, agentID, since); err == nil && found {
		return sess, nil
	}
	return s.startNewSessionLocked(ctx, agentID)
}

func (s *Service) startNewSessionLocked(ctx context.Context, agentID string) (domain.RecorderSession, error) {
	sess := domain.RecorderSession{
		ID:           s.newID(),
		AgentID:      agentID,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
		Active:       true,
	}
	if err := s.store.PutSession(ctx, sess); err != nil {
		return domain.RecorderSession{}, err
	}
	return sess, nil
}

// GetOrCreateSession is the exported form of getOrCreateSession.
func (s *Service) GetOrCreateSession(ctx context.Context, agentID, sessionID string) (domain.RecorderSession, error) {
	sess, err := s.getOrCreateSession(ctx, agentID, sessionID)
	if err != nil {
		return domain.RecorderSession{}, domain.NewDomainError("Recorder.GetOrCreateSession", domain.ErrStoreFailure, err.Error())
	}
	return sess, nil
}

// StartNewSession closes any existing active session for agentID and
// starts a fresh one.
func (s *Service) StartNewSession(ctx context.Context, agentID string) (domain.RecorderSession, error) {
	if err := s.CloseAgentSessions(ctx, agentID); err != nil {
		return domain.RecorderSession{}, err
	}
	sess, err := s.startNewSessionLocked(ctx, agentID)
	if err != nil {
		return domain.RecorderSession{}, domain.NewDomainError("Recorder.StartNewSession", domain.ErrStoreFailure, err.Error())
	}
	return sess, nil
}

// CloseSession marks a single session inactive.
func (s *Service) CloseSession(ctx context.Context, id string) error {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return domain.NewDomainError("Recorder.CloseSession", domain.ErrNotFound, id)
	}
	sess.Active = false
	if err := s.store.PutSession(ctx, sess); err != nil {
		return domain.NewDomainError("Recorder.CloseSession", domain.ErrStoreFailure, err.Error())
	}
	return nil
}

// CloseAgentSessions closes every currently-active session belonging to
// agentID.
func (s *Service) CloseAgentSessions(ctx context.Context, agentID string) error {
	sessions, err := s.store.ListActiveSessionsForAgent(ctx, agentID)
	if err != nil {
		return domain.NewDomainError("Recorder.CloseAgentSessions", domain.ErrStoreFailure, err.Error())
	}
	for _, sess := range sessions {
		sess.Active = false
		if err := s.store.PutSession(ctx, sess); err != nil {
			return domain.NewDomainError("Recorder.CloseAgentSessions", domain.ErrStoreFailure, err.Error())
		}
	}
	return nil
}

// SaveEntry appends a journal entry, resolving or creating its session
// per , and bumps the session's entry_count/last_activity.
func (s *Service) SaveEntry(ctx context.Context, agentID, sessionID string, entry domain.JournalEntry) (domain.JournalEntry, error) {
	sess, err := s.getOrCreateSession(ctx, agentID, sessionID)
	if err != nil {
		return domain.JournalEntry{}, domain.NewDomainError("Recorder.SaveEntry", domain.ErrStoreFailure, err.Error())
	}

	entry.ID = s.newID()
	entry.SessionID = sess.ID
	entry.AgentID = agentID
	entry.Timestamp = time.Now()

	if err := s.store.AppendEntry(ctx, entry); err != nil {
		return domain.JournalEntry{}, domain.NewDomainError("Recorder.SaveEntry", domain.ErrStoreFailure, err.Error())
	}

	sess.EntryCount++
	sess.LastActivity = entry.Timestamp
	sess.Active = true
	if err := s.store.PutSession(ctx, sess); err != nil {
		return domain.JournalEntry{}, domain.NewDomainError("Recorder.SaveEntry", domain.ErrStoreFailure, err.Error())
	}
	return entry, nil
}

// GetContextForSession synthesizes a ContextSummary from the most recent
// limit entries of one session.
func (s *Service) GetContextForSession(ctx context.Context, sessionID string, limit int) (domain.ContextSummary, error) {
	entries, err := s.store.ListEntries(ctx, sessionID, limit)
	if err != nil {
		return domain.ContextSummary{}, domain.NewDomainError("Recorder.GetContextForSession", domain.ErrStoreFailure, err.Error())
	}
	return synthesize(entries), nil
}

// GetContextForAgent synthesizes a ContextSummary from the most recent
// limit entries across all of an agent's sessions.
func (s *Service) GetContextForAgent(ctx context.Context, agentID string, limit int) (domain.ContextSummary, error) {
	entries, err := s.store.ListEntriesForAgent(ctx, agentID, limit)
	if err != nil {
		return domain.ContextSummary{}, domain.NewDomainError("Recorder.GetContextForAgent", domain.ErrStoreFailure, err.Error())
	}
	return synthesize(entries), nil
}

// synthesize builds a ContextSummary from a session's journal: entries
// are walked newest-to-oldest; the first context snapshot encountered is
// "latest"; errors are counted; the last two error contents (truncated to
// 60 chars) become the unresolved-issues list.
func synthesize(entries []domain.JournalEntry) domain.ContextSummary {
	newestFirst := make([]domain.JournalEntry, len(entries))
	copy(newestFirst, entries)
	sort.Slice(newestFirst, func(i, j int) bool { return newestFirst[i].Timestamp.After(newestFirst[j].Timestamp) })

	var latest *domain.ContextSnapshot
	var errs []domain.JournalEntry
	for _, e := range newestFirst {
		if latest == nil && e.Context != nil {
			latest = e.Context
		}
		if e.Type == domain.JournalError {
			errs = append(errs, e)
		}
	}

	summary := domain.ContextSummary{SummaryText: "No context available", ImmediateGoal: "Continue work"}
	if latest != nil {
		if latest.CurrentTask != "" {
			summary.SummaryText = fmt.Sprintf("Working on: %s", latest.CurrentTask)
		}
		if latest.BlockingIssue != "" {
			summary.ImmediateGoal = latest.BlockingIssue
		}
		summary.KeyDecisions = latest.RecentDecisions
	}
	if len(errs) > 0 {
		summary.ImmediateGoal = fmt.Sprintf("Fix error: %s", truncate(errs[0].Content, 80))
	}
	for i := 0; i < len(errs) && i < 2; i++ {
		summary.UnresolvedIssues = append(summary.UnresolvedIssues, truncate(errs[i].Content, 60))
	}
	return summary
}

// GenerateUniversalScript synthesizes the deterministic resumption
// prompt, the primary recorder output pasted into a restarting agent's
// context. A non-nil summary is used as-is instead of re-deriving one
// from the journal, so a caller that already fetched the agent's
// context does not pay for (or race) a second synthesis.
func (s *Service) GenerateUniversalScript(ctx context.Context, agentID string, summary *domain.ContextSummary) (string, error) {
	entries, err := s.store.ListEntriesForAgent(ctx, agentID, RecentEntryLimit)
	if err != nil {
		return "", domain.NewDomainError("Recorder.GenerateUniversalScript", domain.ErrStoreFailure, err.Error())
	}
	if summary == nil {
		derived := synthesize(entries)
		summary = &derived
	}

	var b strings.Builder
	b.WriteString("You are resuming a prior session. Read this context, acknowledge it, and state your next step before taking any action.\n\n")
	b.WriteString(summary.SummaryText)
	b.WriteString("\n")
	fmt.Fprintf(&b, "Immediate goal: %s\n", summary.ImmediateGoal)
	if len(summary.KeyDecisions) > 0 {
		b.WriteString("Key decisions:\n")
		for _, d := range summary.KeyDecisions {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}
	if len(summary.UnresolvedIssues) > 0 {
		b.WriteString("\nUNRESOLVED ISSUES\n")
		for _, issue := range summary.UnresolvedIssues {
			fmt.Fprintf(&b, "- %s\n", issue)
		}
	}

	b.WriteString("\nRECENT LOGS\n")
	chronological := make([]domain.JournalEntry, len(entries))
	copy(chronological, entries)
	sort.Slice(chronological, func(i, j int) bool { return chronological[i].Timestamp.Before(chronological[j].Timestamp) })
	for _, e := range chronological {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", e.Timestamp.Format("15:04"), e.Type, truncate(e.Content, 100))
	}

	b.WriteString("\nAcknowledge the above and state your next step.\n")
	return b.String(), nil
}

// SweepStale closes every active session across every agent whose last
// activity fell outside RecorderSessionWindow, the periodic reap the
// scheduler's recorder_reap action runs.
func (s *Service) SweepStale(ctx context.Context) error {
	sessions, err := s.store.ListAllActive(ctx)
	if err != nil {
		return domain.NewDomainError("Recorder.SweepStale", domain.ErrStoreFailure, err.Error())
	}
	cutoff := time.Now().Add(-domain.RecorderSessionWindow)
	for _, sess := range sessions {
		if sess.LastActivity.After(cutoff) {
			continue
		}
		sess.Active = false
		if err := s.store.PutSession(ctx, sess); err != nil {
			return domain.NewDomainError("Recorder.SweepStale", domain.ErrStoreFailure, err.Error())
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
