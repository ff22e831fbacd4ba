// Package mailbox implements the mailbox store: send, check,
// get, markRead, approve, complete, updateStatus, delete, thread
// reconstruction, and the TTL sweep.
package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	mathrand "math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"quackrelay/internal/domain"
	"quackrelay/internal/infra/tracer"
)

// Store is the persistence port for messages. Adapters (JSON snapshot or
// SQL) implement this; the service never reaches into storage directly.
// Per-inbox append order must be preserved.
type Store interface {
	Put(ctx context.Context, msg domain.Message) error
	Get(ctx context.Context, id string) (domain.Message, error)
	ListInbox(ctx context.Context, path string) ([]domain.Message, error)
	ListAll(ctx context.Context) ([]domain.Message, error)
	Delete(ctx context.Context, id string) error
}

// ApprovalPolicy decides whether a message should skip the pending state
// and go straight to approved, implemented by the agent
// registry package and referenced here as an interface to avoid an
// import cycle.
type ApprovalPolicy interface {
	ShouldAutoApprove(ctx context.Context, from, to string) (bool, error)
	Touch(ctx context.Context, agentID string) error
}

// AuditLogger records mailbox actions for the audit trail.
type AuditLogger interface {
	Record(ctx context.Context, entry domain.AuditEntry) error
}

// Archiver freezes a completed thread before it is purged by the sweep.
type Archiver interface {
	ArchiveThread(ctx context.Context, threadID string, messages []domain.Message, metadata map[string]string) error
}

// ConvoNotifier tells the Session Registry about a send so it can update
// turn/participant bookkeeping.
type ConvoNotifier interface {
	OnSend(ctx context.Context, msg domain.Message)
}

// WebhookNotifier fans out message.received / message.approved to the
// destination inbox's subscribers and fires Auto-Wake. Declared here so
// every entry point that creates or approves a message — HTTP, bridge
// fallback, relay, tool server — notifies through the one lifecycle
// path instead of each adapter remembering to.
type WebhookNotifier interface {
	NotifyReceived(ctx context.Context, msg domain.Message)
	NotifyApproved(ctx context.Context, msg domain.Message)
}

// Service implements the mailbox store's operations.
type Service struct {
	store     Store
	policy    ApprovalPolicy
	audit     AuditLogger
	archiver  Archiver
	convo     ConvoNotifier
	webhooks  WebhookNotifier
	bus       domain.EventBus
	logger    *slog.Logger
	idMu      sync.Mutex
	idEntropy *ulid.MonotonicEntropy
}

// New creates a mailbox Service.
func New(store Store, policy ApprovalPolicy, audit AuditLogger, archiver Archiver, convo ConvoNotifier, webhooks WebhookNotifier, bus domain.EventBus, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		policy:    policy,
		audit:     audit,
		archiver:  archiver,
		convo:     convo,
		webhooks:  webhooks,
		bus:       bus,
		logger:    logger,
		idEntropy: ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0),
	}
}

func (s *Service) newID(now time.Time) string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), s.idEntropy).String()
}

// NormalizePath strips leading slashes and lowercases an inbox path.
func NormalizePath(path string) string {
	return strings.ToLower(strings.TrimLeft(strings.TrimSpace(path), "/"))
}

// ValidatePath enforces the inbox path rule: 1-3 non-empty '/'-separated segments; a single segment is
// only legal when the carrying message has project metadata.
func ValidatePath(path string, hasProjectMetadata bool) error {
	path = NormalizePath(path)
	if path == "" {
		return domain.NewDomainError("Mailbox.ValidatePath", domain.ErrValidation, "inbox path is empty")
	}
	segs := strings.Split(path, "/")
	for _, seg := range segs {
		if seg == "" {
			return domain.NewDomainError("Mailbox.ValidatePath", domain.ErrValidation, "inbox path has an empty segment")
		}
	}
	min := 2
	if hasProjectMetadata {
		min = 1
	}
	if len(segs) < min || len(segs) > 3 {
		return domain.NewDomainError("Mailbox.ValidatePath", domain.ErrValidation,
			fmt.Sprintf("inbox path must have %d-3 segments (has %d)", min, len(segs)))
	}
	return nil
}

// SendInput carries the caller-supplied fields for Send.
type SendInput struct {
	To              string
	From            string
	Task            string
	Context         string
	Files           []domain.FileRef
	Project         string
	ProjectName     string
	Priority        domain.Priority
	Tags            []string
	Routing         domain.RoutingMode
	Destination     string
	ReplyTo         string
	RequireApproval bool // caller override: force pending regardless of policy
	ProjectImplied  bool // bridge fallback/relay: single-segment paths allowed without project fields
}

// Send normalizes and validates the destination, resolves reply/thread
// linkage (auto-completing an actionable parent), detects control
// messages, decides the initial status, then stamps and persists.
func (s *Service) Send(ctx context.Context, in SendInput) (msg domain.Message, err error) {
	ctx, span := tracer.StartSpan(ctx, "mailbox.send",
		trace.WithAttributes(tracer.StringAttr("mailbox.from", in.From), tracer.StringAttr("mailbox.to", in.To)))
	defer func() {
		if err != nil {
			tracer.RecordError(span, err)
		} else {
			tracer.SetOK(span)
		}
		span.End()
	}()

	if in.From == "" || in.To == "" {
		return domain.Message{}, domain.NewDomainError("Mailbox.Send", domain.ErrValidation, "from and to are required")
	}
	if in.Task == "" {
		return domain.Message{}, domain.NewDomainError("Mailbox.Send", domain.ErrValidation, "task is required")
	}

	to := NormalizePath(in.To)
	hasProjectMeta := in.Project != "" || in.ProjectName != "" || in.ProjectImplied
	if err := ValidatePath(to, hasProjectMeta); err != nil {
		return domain.Message{}, err
	}

	now := time.Now()
	threadID := ""
	var parent *domain.Message
	if in.ReplyTo != "" {
		p, err := s.store.Get(ctx, in.ReplyTo)
		if err != nil {
			return domain.Message{}, domain.NewDomainError("Mailbox.Send", domain.ErrNotFound, "reply_to message does not exist")
		}
		parent = &p
		threadID = p.ThreadID
		if threadID == "" {
			threadID = p.ID
		}
	}

	control := domain.DetectControlType(in.Task)

	priority := in.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	routing := in.Routing
	if routing == "" {
		routing = domain.RoutingDirect
	}

	status := domain.StatusPending
	if in.RequireApproval {
		status = domain.StatusPending
	} else if s.policy != nil {
		auto, err := s.policy.ShouldAutoApprove(ctx, in.From, to)
		if err != nil {
			return domain.Message{}, domain.WrapOp("Mailbox.Send", err)
		}
		if auto {
			status = domain.StatusApproved
		}
	}

	msg = domain.Message{
		ID:          s.newID(now),
		To:          to,
		From:        in.From,
		Status:      status,
		Task:        in.Task,
		Context:     in.Context,
		Files:       in.Files,
		Project:     in.Project,
		ProjectName: in.ProjectName,
		Priority:    priority,
		Tags:        in.Tags,
		Routing:     routing,
		Destination: in.Destination,
		ReplyTo:     in.ReplyTo,
		ThreadID:    threadID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(domain.MessageTTL),
	}
	if msg.ThreadID == "" {
		msg.ThreadID = msg.ID
	}
	if control != domain.ControlNone {
		msg.IsControlMessage = true
		msg.ControlType = control
		if control == domain.ControlConvoEnd {
			msg.ThreadStatus = domain.ThreadCompleted
		}
	}
	if status == domain.StatusApproved {
		msg.RoutedAt = now
	}

	if err := s.store.Put(ctx, msg); err != nil {
		return domain.Message{}, domain.NewDomainError("Mailbox.Send", domain.ErrStoreFailure, err.Error())
	}

	if parent != nil && domain.ActionableStatuses[parent.Status] {
		parent.ReplyCount++
		parent.Status = domain.StatusCompleted
		if err := s.store.Put(ctx, *parent); err != nil {
			s.logger.Warn("mailbox: failed to auto-complete parent", "parent_id", parent.ID, "error", err)
		} else {
			s.recordAndEmit(ctx, domain.ActionMessageComplete, in.From, *parent, domain.EventMessageCompleted, "")
		}
	}

	s.recordAndEmit(ctx, domain.ActionMessageSend, in.From, msg, domain.EventMessageSent, "")
	if s.convo != nil {
		s.convo.OnSend(ctx, msg)
	}
	if s.webhooks != nil {
		s.webhooks.NotifyReceived(ctx, msg)
		if msg.Status == domain.StatusApproved {
			s.webhooks.NotifyApproved(ctx, msg)
		}
	}
	return msg, nil
}

// CheckInbox returns, by default, messages with status in {pending,
// approved, in_progress}; includeTerminal returns everything;
// autoApproveOnCheck transitions pending->approved before returning.
func (s *Service) CheckInbox(ctx context.Context, path string, includeTerminal, autoApproveOnCheck bool) (domain.Inbox, error) {
	path = NormalizePath(path)
	all, err := s.store.ListInbox(ctx, path)
	if err != nil {
		return domain.Inbox{}, domain.NewDomainError("Mailbox.CheckInbox", domain.ErrStoreFailure, err.Error())
	}
	if s.policy != nil {
		_ = s.policy.Touch(ctx, path)
	}

	out := make([]domain.Message, 0, len(all))
	for _, m := range all {
		if autoApproveOnCheck && m.Status == domain.StatusPending {
			m.Status = domain.StatusApproved
			m.RoutedAt = time.Now()
			if err := s.store.Put(ctx, m); err != nil {
				s.logger.Warn("mailbox: auto-approve-on-check failed to persist", "message_id", m.ID, "error", err)
			} else {
				s.recordAndEmit(ctx, domain.ActionMessageApprove, "system", m, domain.EventMessageApproved, "auto-approve-on-check")
				if s.webhooks != nil {
					s.webhooks.NotifyApproved(ctx, m)
				}
			}
		}
		if !includeTerminal && !domain.ActionableStatuses[m.Status] {
			continue
		}
		out = append(out, m)
	}

	if s.audit != nil {
		if err := s.audit.Record(ctx, domain.AuditEntry{
			ID:         s.newID(time.Now()),
			Timestamp:  time.Now(),
			Action:     domain.ActionMessageCheck,
			Actor:      path,
			TargetType: "inbox",
			TargetID:   path,
		}); err != nil {
			s.logger.Warn("mailbox: audit record failed", "error", err)
		}
	}
	return domain.Inbox{Path: path, Messages: out, Count: len(out)}, nil
}

// GetMessage returns a single message by id.
func (s *Service) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	msg, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.Message{}, domain.NewDomainError("Mailbox.GetMessage", domain.ErrNotFound, id)
	}
	return msg, nil
}

// Get is GetMessage under the name the dispatcher's MailboxReader port
// expects.
func (s *Service) Get(ctx context.Context, id string) (domain.Message, error) {
	return s.GetMessage(ctx, id)
}

// ListApproved returns every message across all inboxes currently in the
// approved status, the set the dispatcher polls.
func (s *Service) ListApproved(ctx context.Context) ([]domain.Message, error) {
	all, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, domain.NewDomainError("Mailbox.ListApproved", domain.ErrStoreFailure, err.Error())
	}
	out := make([]domain.Message, 0, len(all))
	for _, m := range all {
		if m.Status == domain.StatusApproved {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Service) transition(ctx context.Context, id, actor string, to domain.MessageStatus, action domain.AuditAction, event domain.EventType) (domain.Message, error) {
	msg, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.Message{}, domain.NewDomainError("Mailbox.transition", domain.ErrNotFound, "message not found")
	}
	if !domain.CanTransition(msg.Status, to) {
		return domain.Message{}, domain.NewDomainError("Mailbox.transition", domain.ErrConflict,
			fmt.Sprintf("cannot move %s -> %s", msg.Status, to))
	}
	msg.Status = to
	if to == domain.StatusRead {
		msg.ReadAt = time.Now()
	}
	if to == domain.StatusApproved {
		msg.RoutedAt = time.Now()
	}
	if err := s.store.Put(ctx, msg); err != nil {
		return domain.Message{}, domain.NewDomainError("Mailbox.transition", domain.ErrStoreFailure, err.Error())
	}
	s.recordAndEmit(ctx, action, actor, msg, event, "")
	if to == domain.StatusApproved && s.webhooks != nil {
		s.webhooks.NotifyApproved(ctx, msg)
	}
	return msg, nil
}

// MarkRead implements checkInbox's read-confirmation sibling, transitioning
// an actionable message to read.
func (s *Service) MarkRead(ctx context.Context, id, actor string) (domain.Message, error) {
	msg, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.Message{}, domain.NewDomainError("Mailbox.MarkRead", domain.ErrNotFound, "message not found")
	}
	if !domain.ActionableStatuses[msg.Status] {
		return domain.Message{}, domain.NewDomainError("Mailbox.MarkRead", domain.ErrConflict, "only an actionable message may be marked read")
	}
	msg.Status = domain.StatusRead
	msg.ReadAt = time.Now()
	if err := s.store.Put(ctx, msg); err != nil {
		return domain.Message{}, domain.NewDomainError("Mailbox.MarkRead", domain.ErrStoreFailure, err.Error())
	}
	s.recordAndEmit(ctx, domain.ActionMessageRead, actor, msg, domain.EventMessageRead, "")
	return msg, nil
}

// Approve enforces source=pending in addition to the transition table.
func (s *Service) Approve(ctx context.Context, id, actor string) (domain.Message, error) {
	msg, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.Message{}, domain.NewDomainError("Mailbox.Approve", domain.ErrNotFound, "message not found")
	}
	if msg.Status != domain.StatusPending {
		return domain.Message{}, domain.NewDomainError("Mailbox.Approve", domain.ErrConflict, "only a pending message may be approved")
	}
	return s.transition(ctx, id, actor, domain.StatusApproved, domain.ActionMessageApprove, domain.EventMessageApproved)
}

// PingSender is the synthetic sender stamped on wake-up ping messages.
const PingSender = "quack-relay"

// AppendPing appends an in-band wake-up message to the recipient inbox
// of a just-approved message, so a polling agent notices the approval
// without a push channel. The ping is born approved; it never re-enters
// the approval flow because Approve only accepts pending messages, and
// it bypasses webhook fan-out — the approval that produced it already
// notified subscribers and fired Auto-Wake.
func (s *Service) AppendPing(ctx context.Context, approved domain.Message) (domain.Message, error) {
	now := time.Now()
	ping := domain.Message{
		ID:        s.newID(now),
		To:        approved.To,
		From:      PingSender,
		Status:    domain.StatusApproved,
		Task:      fmt.Sprintf("🔔 PING: message %s from %s was approved and is waiting", approved.ID, approved.From),
		Priority:  domain.PriorityHigh,
		Tags:      []string{"ping", "wake"},
		Routing:   domain.RoutingDirect,
		CreatedAt: now,
		ExpiresAt: now.Add(domain.MessageTTL),
		RoutedAt:  now,
	}
	ping.ThreadID = ping.ID
	if err := s.store.Put(ctx, ping); err != nil {
		return domain.Message{}, domain.NewDomainError("Mailbox.AppendPing", domain.ErrStoreFailure, err.Error())
	}
	s.recordAndEmit(ctx, domain.ActionMessageSend, PingSender, ping, domain.EventMessageSent, "")
	return ping, nil
}

// Complete marks an in_progress message completed.
func (s *Service) Complete(ctx context.Context, id, actor string) (domain.Message, error) {
	return s.transition(ctx, id, actor, domain.StatusCompleted, domain.ActionMessageComplete, domain.EventMessageCompleted)
}

// UpdateStatus performs any other state-machine-legal transition not
// covered by a named operation above.
func (s *Service) UpdateStatus(ctx context.Context, id, actor string, target domain.MessageStatus) (domain.Message, error) {
	return s.transition(ctx, id, actor, target, domain.ActionMessageStatus, domain.EventMessageStatus)
}

// Delete removes a message outright (administrative operation, not part
// of the status machine).
func (s *Service) Delete(ctx context.Context, id, actor string) error {
	msg, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.NewDomainError("Mailbox.Delete", domain.ErrNotFound, id)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return domain.NewDomainError("Mailbox.Delete", domain.ErrStoreFailure, err.Error())
	}
	s.recordAndEmit(ctx, domain.ActionMessageDelete, actor, msg, "", "")
	return nil
}

// GetThread scans all inboxes and returns every message sharing threadId
// (or whose own id is the key), ordered by timestamp ascending.
func (s *Service) GetThread(ctx context.Context, threadID string) ([]domain.Message, error) {
	all, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, domain.NewDomainError("Mailbox.GetThread", domain.ErrStoreFailure, err.Error())
	}
	out := make([]domain.Message, 0)
	for _, m := range all {
		if m.ThreadID == threadID || m.ID == threadID {
			out = append(out, m)
		}
	}
	sortByTimeThenID(out)
	return out, nil
}

// ListThreads groups messages by threadId, sorts each ascending, and
// orders the groups by their latest timestamp descending.
func (s *Service) ListThreads(ctx context.Context) ([][]domain.Message, error) {
	all, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, domain.NewDomainError("Mailbox.ListThreads", domain.ErrStoreFailure, err.Error())
	}
	groups := map[string][]domain.Message{}
	for _, m := range all {
		groups[m.ThreadID] = append(groups[m.ThreadID], m)
	}
	threads := make([][]domain.Message, 0, len(groups))
	for _, msgs := range groups {
		sortByTimeThenID(msgs)
		threads = append(threads, msgs)
	}
	sort.Slice(threads, func(i, j int) bool {
		li := threads[i][len(threads[i])-1]
		lj := threads[j][len(threads[j])-1]
		if li.CreatedAt.Equal(lj.CreatedAt) {
			return li.ID > lj.ID
		}
		return li.CreatedAt.After(lj.CreatedAt)
	})
	return threads, nil
}

func sortByTimeThenID(msgs []domain.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// SweepExpired runs the two-pass TTL sweep: first
// pass archives completed threads about to expire, second pass drops every
// expired message.
func (s *Service) SweepExpired(ctx context.Context) error {
	now := time.Now()
	all, err := s.store.ListAll(ctx)
	if err != nil {
		return domain.NewDomainError("Mailbox.SweepExpired", domain.ErrStoreFailure, err.Error())
	}

	byThread := map[string][]domain.Message{}
	for _, m := range all {
		byThread[m.ThreadID] = append(byThread[m.ThreadID], m)
	}

	toArchive := map[string]bool{}
	for threadID, msgs := range byThread {
		completed := true
		aboutToExpire := false
		for _, m := range msgs {
			if m.Status != domain.StatusCompleted {
				completed = false
			}
			if !m.ExpiresAt.After(now) {
				aboutToExpire = true
			}
		}
		if completed && aboutToExpire {
			toArchive[threadID] = true
		}
	}

	if s.archiver != nil {
		for threadID := range toArchive {
			msgs := byThread[threadID]
			sortByTimeThenID(msgs)
			participants := map[string]bool{}
			for _, m := range msgs {
				participants[m.From] = true
				participants[m.To] = true
			}
			names := make([]string, 0, len(participants))
			for p := range participants {
				names = append(names, p)
			}
			if err := s.archiver.ArchiveThread(ctx, threadID, msgs, map[string]string{"participants": strings.Join(names, ",")}); err != nil {
				s.logger.Warn("mailbox: failed to archive thread before expiry", "thread_id", threadID, "error", err)
			}
		}
	}

	for _, m := range all {
		if m.ExpiresAt.After(now) {
			continue
		}
		if err := s.store.Delete(ctx, m.ID); err != nil {
			s.logger.Warn("sweep: failed to purge", "message_id", m.ID, "error", err)
			continue
		}
		s.recordAndEmit(ctx, "", "system", m, domain.EventMessageExpired, "ttl sweep")
	}
	return nil
}

// Reset clears all mailbox state — used by tests and the administrative
// reset endpoint, never by production traffic.
func (s *Service) Reset(ctx context.Context) error {
	all, err := s.store.ListAll(ctx)
	if err != nil {
		return domain.NewDomainError("Mailbox.Reset", domain.ErrStoreFailure, err.Error())
	}
	for _, m := range all {
		if err := s.store.Delete(ctx, m.ID); err != nil {
			return domain.NewDomainError("Mailbox.Reset", domain.ErrStoreFailure, err.Error())
		}
	}
	return nil
}

func (s *Service) recordAndEmit(ctx context.Context, action domain.AuditAction, actor string, msg domain.Message, event domain.EventType, source string) {
	if s.audit != nil && action != "" {
		if err := s.audit.Record(ctx, domain.AuditEntry{
			ID:         s.newID(time.Now()),
			Timestamp:  time.Now(),
			Action:     action,
			Actor:      actor,
			TargetType: "message",
			TargetID:   msg.ID,
			Detail:     msg.ThreadID,
			Source:     source,
		}); err != nil {
			s.logger.Warn("mailbox: audit record failed", "error", err)
		}
	}
	if s.bus != nil && event != "" {
		payload, _ := json.Marshal(msg)
		s.bus.Publish(ctx, domain.Event{
			Type:      event,
			Timestamp: time.Now(),
			AgentID:   msg.To,
			Payload:   payload,
		})
	}
}
