// Package registry implements the agent registry and routing policy
//: agent CRUD, the auto-approval rule, the online heuristic,
// default agent seeding, and API key minting/validation.
package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	mathrand "math/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"quackrelay/internal/domain"
)

// Store is the persistence port for agents and API keys.
type Store interface {
	PutAgent(ctx context.Context, agent domain.Agent) error
	GetAgent(ctx context.Context, id string) (domain.Agent, error)
	ListAgents(ctx context.Context) ([]domain.Agent, error)
	DeleteAgent(ctx context.Context, id string) error
	PutAPIKey(ctx context.Context, key domain.APIKey) error
	GetAPIKeyByHash(ctx context.Context, hashedKey string) (domain.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]domain.APIKey, error)
}

// AuditLogger records registry mutations.
type AuditLogger interface {
	Record(ctx context.Context, entry domain.AuditEntry) error
}

// DefaultAgents seeds the registry on first start: conversational agents held for human review, and autonomous
// agents that auto-approve against each other.
var DefaultAgents = []domain.Agent{
	{ID: "claude/web", Name: "Claude", Category: domain.CategoryConversational, RequiresApproval: true,
		NotificationMode: domain.NotifyPolling, PlatformURL: "https://claude.ai",
		NotifyPrompt: "You have a new message waiting in your QuackRelay inbox."},
	{ID: "gpt/web", Name: "GPT", Category: domain.CategoryConversational, RequiresApproval: true,
		NotificationMode: domain.NotifyPolling, PlatformURL: "https://chat.openai.com",
		NotifyPrompt: "You have a new message waiting in your QuackRelay inbox."},
	{ID: "gemini/web", Name: "Gemini", Category: domain.CategoryConversational, RequiresApproval: true,
		NotificationMode: domain.NotifyPolling, PlatformURL: "https://gemini.google.com",
		NotifyPrompt: "You have a new message waiting in your QuackRelay inbox."},
	{ID: "grok/web", Name: "Grok", Category: domain.CategoryConversational, RequiresApproval: true,
		NotificationMode: domain.NotifyPolling, PlatformURL: "https://grok.com",
		NotifyPrompt: "You have a new message waiting in your QuackRelay inbox."},
	{ID: "copilot/web", Name: "Copilot", Category: domain.CategoryConversational, RequiresApproval: true,
		NotificationMode: domain.NotifyPolling, PlatformURL: "https://copilot.microsoft.com",
		NotifyPrompt: "You have a new message waiting in your QuackRelay inbox."},
	{ID: "replit/agent", Name: "Replit Agent", Category: domain.CategoryAutonomous, RequiresApproval: false,
		NotificationMode: domain.NotifyWebhook, PlatformURL: "https://replit.com",
		NotifyPrompt: "Autonomous task delivered via webhook."},
	{ID: "cursor/agent", Name: "Cursor", Category: domain.CategoryAutonomous, RequiresApproval: false,
		NotificationMode: domain.NotifyWebhook, PlatformURL: "https://cursor.sh",
		NotifyPrompt: "Autonomous task delivered via webhook."},
	{ID: "antigravity/agent", Name: "Antigravity", Category: domain.CategoryAutonomous, RequiresApproval: false,
		NotificationMode: domain.NotifyWebhook, PlatformURL: "https://antigravity.dev",
		NotifyPrompt: "Autonomous task delivered via webhook."},
}

// Service implements agent registry and routing-policy operations.
type Service struct {
	store   Store
	audit   AuditLogger
	logger  *slog.Logger
	entropy *mathrand.Rand
}

// New creates a registry Service.
func New(store Store, audit AuditLogger, logger *slog.Logger) *Service {
	return &Service{store: store, audit: audit, logger: logger, entropy: mathrand.New(mathrand.NewSource(time.Now().UnixNano()))}
}

// Seed registers DefaultAgents, skipping any that already exist.
func (s *Service) Seed(ctx context.Context) error {
	for _, a := range DefaultAgents {
		if _, err := s.store.GetAgent(ctx, a.ID); err == nil {
			continue
		}
		a.CreatedAt = time.Now()
		if err := s.store.PutAgent(ctx, a); err != nil {
			return domain.NewDomainError("Registry.Seed", domain.ErrStoreFailure, err.Error())
		}
	}
	return nil
}

func rootPlatform(agentID string) string {
	agentID = strings.TrimLeft(strings.ToLower(strings.TrimSpace(agentID)), "/")
	if i := strings.Index(agentID, "/"); i >= 0 {
		return agentID[:i]
	}
	return agentID
}

// lookupByPlatform finds a registered agent whose ID or root platform
// segment matches id. Agent records are keyed "platform/name"; messages
// address a full inbox path, so routing decisions compare against the
// root platform.
func (s *Service) lookupByPlatform(ctx context.Context, id string) (domain.Agent, bool) {
	platform := rootPlatform(id)
	if a, err := s.store.GetAgent(ctx, id); err == nil {
		return a, true
	}
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return domain.Agent{}, false
	}
	for _, a := range agents {
		if rootPlatform(a.ID) == platform {
			return a, true
		}
	}
	return domain.Agent{}, false
}

// ShouldAutoApprove implements the auto-approval rule:
// extract the root platform from from/to, look both up. If neither is
// registered, approve. Else if the destination requires approval, hold.
// Else if the sender is conversational, hold. Else approve.
func (s *Service) ShouldAutoApprove(ctx context.Context, from, to string) (bool, error) {
	sender, senderKnown := s.lookupByPlatform(ctx, from)
	recipient, recipientKnown := s.lookupByPlatform(ctx, to)

	if !senderKnown && !recipientKnown {
		return true, nil
	}
	if recipientKnown && recipient.RequiresApproval {
		return false, nil
	}
	if senderKnown && sender.Category == domain.CategoryConversational {
		return false, nil
	}
	return true, nil
}

// Touch implements mailbox.ApprovalPolicy, updating LastSeenAt whenever
// an agent interacts with the mailbox.
func (s *Service) Touch(ctx context.Context, agentID string) error {
	agent, found := s.lookupByPlatform(ctx, agentID)
	if !found {
		return nil // unknown agent touching the mailbox is not this policy's concern
	}
	agent.LastSeenAt = time.Now()
	return s.store.PutAgent(ctx, agent)
}

// Register creates a new agent record.
func (s *Service) Register(ctx context.Context, agent domain.Agent) (domain.Agent, error) {
	if agent.ID == "" {
		return domain.Agent{}, domain.NewDomainError("Registry.Register", domain.ErrValidation, "id is required")
	}
	if _, err := s.store.GetAgent(ctx, agent.ID); err == nil {
		return domain.Agent{}, domain.NewDomainError("Registry.Register", domain.ErrConflict, "agent already registered")
	}
	agent.CreatedAt = time.Now()
	if agent.NotificationMode == "" {
		agent.NotificationMode = domain.NotifyPolling
	}
	if err := s.store.PutAgent(ctx, agent); err != nil {
		return domain.Agent{}, domain.NewDomainError("Registry.Register", domain.ErrStoreFailure, err.Error())
	}
	s.auditRecord(ctx, domain.ActionAgentRegister, agent.ID, agent.ID, "")
	return agent, nil
}

// Get returns a single agent by exact ID.
func (s *Service) Get(ctx context.Context, id string) (domain.Agent, error) {
	agent, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return domain.Agent{}, domain.NewDomainError("Registry.Get", domain.ErrNotFound, id)
	}
	return agent, nil
}

// Resolve looks up the agent record whose root platform segment matches
// id (an inbox path may carry sub-segments beyond the registered agent's
// "platform/name"). Used by the dispatcher and webhook fan-out to find
// the registered agent that owns a message's destination inbox.
func (s *Service) Resolve(ctx context.Context, id string) (domain.Agent, error) {
	agent, found := s.lookupByPlatform(ctx, id)
	if !found {
		return domain.Agent{}, domain.NewDomainError("Registry.Resolve", domain.ErrNotFound, id)
	}
	return agent, nil
}

// List returns every registered agent.
func (s *Service) List(ctx context.Context) ([]domain.Agent, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, domain.NewDomainError("Registry.List", domain.ErrStoreFailure, err.Error())
	}
	return agents, nil
}

// Update replaces an existing agent record in full.
func (s *Service) Update(ctx context.Context, agent domain.Agent) (domain.Agent, error) {
	if _, err := s.store.GetAgent(ctx, agent.ID); err != nil {
		return domain.Agent{}, domain.NewDomainError("Registry.Update", domain.ErrNotFound, agent.ID)
	}
	if err := s.store.PutAgent(ctx, agent); err != nil {
		return domain.Agent{}, domain.NewDomainError("Registry.Update", domain.ErrStoreFailure, err.Error())
	}
	s.auditRecord(ctx, domain.ActionAgentUpdate, agent.ID, agent.ID, "")
	return agent, nil
}

// Delete removes an agent record.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteAgent(ctx, id); err != nil {
		return domain.NewDomainError("Registry.Delete", domain.ErrNotFound, id)
	}
	s.auditRecord(ctx, domain.ActionAgentDelete, id, id, "")
	return nil
}

// Ping updates an agent's LastSeenAt explicitly (the discovery/presence
// endpoint at POST /api/agents/:platform/:name/ping).
func (s *Service) Ping(ctx context.Context, id string) (domain.Agent, error) {
	agent, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return domain.Agent{}, domain.NewDomainError("Registry.Ping", domain.ErrNotFound, id)
	}
	agent.LastSeenAt = time.Now()
	if err := s.store.PutAgent(ctx, agent); err != nil {
		return domain.Agent{}, domain.NewDomainError("Registry.Ping", domain.ErrStoreFailure, err.Error())
	}
	s.auditRecord(ctx, domain.ActionAgentPing, id, id, "")
	return agent, nil
}

func (s *Service) auditRecord(ctx context.Context, action domain.AuditAction, actor, targetID, detail string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, domain.AuditEntry{
		ID:         ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String(),
		Timestamp:  time.Now(),
		Action:     action,
		Actor:      actor,
		TargetType: "agent",
		TargetID:   targetID,
		Detail:     detail,
	}); err != nil && s.logger != nil {
		s.logger.Warn("registry: audit record failed", "error", err)
	}
}

const apiKeyPrefix = domain.APIKeyPrefix

// MintAPIKey generates a new API key for owner and returns the plaintext
// value once; only its SHA-256 hash is persisted.
func (s *Service) MintAPIKey(ctx context.Context, owner string, permissions []string) (string, domain.APIKey, error) {
	raw := make([]byte, 18) // 18 bytes -> 24 base64url chars
	if _, err := rand.Read(raw); err != nil {
		return "", domain.APIKey{}, domain.NewDomainError("Registry.MintAPIKey", domain.ErrStoreFailure, "rng failure")
	}
	plaintext := apiKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)

	sum := sha256.Sum256([]byte(plaintext))
	key := domain.APIKey{
		ID:          ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String(),
		OwnerID:     owner,
		HashedKey:   hex.EncodeToString(sum[:]),
		Permissions: permissions,
		CreatedAt:   time.Now(),
	}
	if err := s.store.PutAPIKey(ctx, key); err != nil {
		return "", domain.APIKey{}, domain.NewDomainError("Registry.MintAPIKey", domain.ErrStoreFailure, err.Error())
	}
	s.auditRecord(ctx, domain.ActionKeyCreate, owner, key.ID, "")
	return plaintext, key, nil
}

// ListAPIKeys returns every minted key's metadata (never the plaintext).
func (s *Service) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	keys, err := s.store.ListAPIKeys(ctx)
	if err != nil {
		return nil, domain.NewDomainError("Registry.ListAPIKeys", domain.ErrStoreFailure, err.Error())
	}
	return keys, nil
}

// RevokeAPIKey marks a minted key unusable without deleting its audit
// trail.
func (s *Service) RevokeAPIKey(ctx context.Context, id string) error {
	keys, err := s.store.ListAPIKeys(ctx)
	if err != nil {
		return domain.NewDomainError("Registry.RevokeAPIKey", domain.ErrStoreFailure, err.Error())
	}
	for _, k := range keys {
		if k.ID == id {
			k.Revoked = true
			if err := s.store.PutAPIKey(ctx, k); err != nil {
				return domain.NewDomainError("Registry.RevokeAPIKey", domain.ErrStoreFailure, err.Error())
			}
			s.auditRecord(ctx, domain.ActionKeyRevoke, k.OwnerID, k.ID, "")
			return nil
		}
	}
	return domain.NewDomainError("Registry.RevokeAPIKey", domain.ErrNotFound, id)
}

// ValidateAPIKey hashes raw and looks up the matching key record. The
// prefix check runs in constant time to avoid leaking key-shape
// information to a timing side channel.
func (s *Service) ValidateAPIKey(ctx context.Context, raw string) (domain.APIKey, error) {
	prefixLen := len(apiKeyPrefix)
	if len(raw) < prefixLen {
		return domain.APIKey{}, domain.NewDomainError("Registry.ValidateAPIKey", domain.ErrForbidden, "malformed key")
	}
	if subtle.ConstantTimeCompare([]byte(strings.ToLower(raw[:prefixLen])), []byte(apiKeyPrefix)) != 1 {
		return domain.APIKey{}, domain.NewDomainError("Registry.ValidateAPIKey", domain.ErrForbidden, "malformed key")
	}
	sum := sha256.Sum256([]byte(raw))
	key, err := s.store.GetAPIKeyByHash(ctx, hex.EncodeToString(sum[:]))
	if err != nil {
		return domain.APIKey{}, domain.NewDomainError("Registry.ValidateAPIKey", domain.ErrForbidden, "unknown key")
	}
	if key.Revoked {
		return domain.APIKey{}, domain.NewDomainError("Registry.ValidateAPIKey", domain.ErrForbidden, "key revoked")
	}
	key.LastUsedAt = time.Now()
	_ = s.store.PutAPIKey(ctx, key)
	return key, nil
}
