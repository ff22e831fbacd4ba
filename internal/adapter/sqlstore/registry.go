package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"quackrelay/internal/domain"
)

// RegistryStore implements registry.Store: agent records and API keys.
type RegistryStore struct {
	db *sql.DB
}

func (s *RegistryStore) PutAgent(ctx context.Context, agent domain.Agent) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("registry: marshal capabilities: %w", err)
	}
	var lastSeen sql.NullString
	if !agent.LastSeenAt.IsZero() {
		lastSeen = sql.NullString{String: agent.LastSeenAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, capabilities, category, requires_approval, auto_approve_on_check,
			notification_mode, webhook_url, webhook_secret, platform_url, notify_prompt, public, owner_id,
			created_at, last_seen_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, capabilities=excluded.capabilities, category=excluded.category,
			requires_approval=excluded.requires_approval, auto_approve_on_check=excluded.auto_approve_on_check,
			notification_mode=excluded.notification_mode, webhook_url=excluded.webhook_url,
			webhook_secret=excluded.webhook_secret, platform_url=excluded.platform_url,
			notify_prompt=excluded.notify_prompt, public=excluded.public, owner_id=excluded.owner_id,
			last_seen_at=excluded.last_seen_at`,
		agent.ID, agent.Name, string(caps), string(agent.Category), agent.RequiresApproval, agent.AutoApproveOnCheck,
		string(agent.NotificationMode), agent.WebhookURL, agent.WebhookSecret, agent.PlatformURL, agent.NotifyPrompt,
		agent.Public, agent.OwnerID, agent.CreatedAt.UTC().Format(time.RFC3339Nano), lastSeen,
	)
	if err != nil {
		return fmt.Errorf("registry: put agent: %w", err)
	}
	return nil
}

func scanAgent(row scanner) (domain.Agent, error) {
	var a domain.Agent
	var caps, category, mode, createdAt string
	var lastSeen sql.NullString
	err := row.Scan(&a.ID, &a.Name, &caps, &category, &a.RequiresApproval, &a.AutoApproveOnCheck, &mode,
		&a.WebhookURL, &a.WebhookSecret, &a.PlatformURL, &a.NotifyPrompt, &a.Public, &a.OwnerID,
		&createdAt, &lastSeen)
	if err != nil {
		return domain.Agent{}, err
	}
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return domain.Agent{}, fmt.Errorf("registry: unmarshal capabilities: %w", err)
	}
	a.Category = domain.AgentCategory(category)
	a.NotificationMode = domain.NotificationMode(mode)
	if a.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return domain.Agent{}, fmt.Errorf("registry: parse created_at: %w", err)
	}
	if lastSeen.Valid {
		if a.LastSeenAt, err = time.Parse(time.RFC3339Nano, lastSeen.String); err != nil {
			return domain.Agent{}, fmt.Errorf("registry: parse last_seen_at: %w", err)
		}
	}
	return a, nil
}

const agentColumns = `id, name, capabilities, category, requires_approval, auto_approve_on_check,
	notification_mode, webhook_url, webhook_secret, platform_url, notify_prompt, public, owner_id,
	created_at, last_seen_at`

func (s *RegistryStore) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+agentColumns+" FROM agents WHERE id = ?", id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return domain.Agent{}, domain.NewDomainError("Registry.GetAgent", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Agent{}, fmt.Errorf("registry: get agent: %w", err)
	}
	return a, nil
}

func (s *RegistryStore) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+agentColumns+" FROM agents ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("registry: list agents: %w", err)
	}
	defer rows.Close()

	var out []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *RegistryStore) DeleteAgent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM agents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("registry: delete agent: %w", err)
	}
	return nil
}

func (s *RegistryStore) PutAPIKey(ctx context.Context, key domain.APIKey) error {
	perms, err := json.Marshal(key.Permissions)
	if err != nil {
		return fmt.Errorf("registry: marshal permissions: %w", err)
	}
	var lastUsed sql.NullString
	if !key.LastUsedAt.IsZero() {
		lastUsed = sql.NullString{String: key.LastUsedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, owner_id, hashed_key, permissions, revoked, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET revoked=excluded.revoked, last_used_at=excluded.last_used_at`,
		key.ID, key.OwnerID, key.HashedKey, string(perms), key.Revoked,
		key.CreatedAt.UTC().Format(time.RFC3339Nano), lastUsed,
	)
	if err != nil {
		return fmt.Errorf("registry: put api key: %w", err)
	}
	return nil
}

func scanAPIKey(row scanner) (domain.APIKey, error) {
	var k domain.APIKey
	var perms, createdAt string
	var lastUsed sql.NullString
	err := row.Scan(&k.ID, &k.OwnerID, &k.HashedKey, &perms, &k.Revoked, &createdAt, &lastUsed)
	if err != nil {
		return domain.APIKey{}, err
	}
	if err := json.Unmarshal([]byte(perms), &k.Permissions); err != nil {
		return domain.APIKey{}, fmt.Errorf("registry: unmarshal permissions: %w", err)
	}
	if k.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return domain.APIKey{}, fmt.Errorf("registry: parse created_at: %w", err)
	}
	if lastUsed.Valid {
		if k.LastUsedAt, err = time.Parse(time.RFC3339Nano, lastUsed.String); err != nil {
			return domain.APIKey{}, fmt.Errorf("registry: parse last_used_at: %w", err)
		}
	}
	return k, nil
}

const apiKeyColumns = `id, owner_id, hashed_key, permissions, revoked, created_at, last_used_at`

func (s *RegistryStore) GetAPIKeyByHash(ctx context.Context, hashedKey string) (domain.APIKey, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+apiKeyColumns+" FROM api_keys WHERE hashed_key = ?", hashedKey)
	k, err := scanAPIKey(row)
	if err == sql.ErrNoRows {
		return domain.APIKey{}, domain.NewDomainError("Registry.GetAPIKeyByHash", domain.ErrNotFound, "api key")
	}
	if err != nil {
		return domain.APIKey{}, fmt.Errorf("registry: get api key: %w", err)
	}
	return k, nil
}

func (s *RegistryStore) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+apiKeyColumns+" FROM api_keys ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("registry: list api keys: %w", err)
	}
	defer rows.Close()

	var out []domain.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: scan api key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
