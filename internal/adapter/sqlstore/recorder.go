package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"quackrelay/internal/domain"
)

// RecorderStore implements recorder.Store: Flight Recorder sessions and
// journal entries.
type RecorderStore struct {
	db *sql.DB
}

func (s *RecorderStore) PutSession(ctx context.Context, sess domain.RecorderSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recorder_sessions (id, agent_id, created_at, last_activity, entry_count, active)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			last_activity=excluded.last_activity, entry_count=excluded.entry_count, active=excluded.active`,
		sess.ID, sess.AgentID, sess.CreatedAt.UTC().Format(time.RFC3339Nano),
		sess.LastActivity.UTC().Format(time.RFC3339Nano), sess.EntryCount, sess.Active,
	)
	if err != nil {
		return fmt.Errorf("recorder: put session: %w", err)
	}
	return nil
}

func scanSession(row scanner) (domain.RecorderSession, error) {
	var sess domain.RecorderSession
	var createdAt, lastActivity string
	if err := row.Scan(&sess.ID, &sess.AgentID, &createdAt, &lastActivity, &sess.EntryCount, &sess.Active); err != nil {
		return domain.RecorderSession{}, err
	}
	var err error
	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return domain.RecorderSession{}, fmt.Errorf("recorder: parse created_at: %w", err)
	}
	if sess.LastActivity, err = time.Parse(time.RFC3339Nano, lastActivity); err != nil {
		return domain.RecorderSession{}, fmt.Errorf("recorder: parse last_activity: %w", err)
	}
	return sess, nil
}

const sessionColumns = `id, agent_id, created_at, last_activity, entry_count, active`

func (s *RecorderStore) GetSession(ctx context.Context, id string) (domain.RecorderSession, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM recorder_sessions WHERE id = ?", id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return domain.RecorderSession{}, domain.NewDomainError("Recorder.GetSession", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.RecorderSession{}, fmt.Errorf("recorder: get session: %w", err)
	}
	return sess, nil
}

func (s *RecorderStore) FindActiveSession(ctx context.Context, agentID string, since time.Time) (domain.RecorderSession, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM recorder_sessions
		 WHERE agent_id = ? AND active = 1 AND last_activity > ?
		 ORDER BY last_activity DESC LIMIT 1`,
		agentID, since.UTC().Format(time.RFC3339Nano),
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return domain.RecorderSession{}, false, nil
	}
	if err != nil {
		return domain.RecorderSession{}, false, fmt.Errorf("recorder: find active session: %w", err)
	}
	return sess, true, nil
}

func (s *RecorderStore) ListActiveSessionsForAgent(ctx context.Context, agentID string) ([]domain.RecorderSession, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM recorder_sessions WHERE agent_id = ? AND active = 1 ORDER BY last_activity DESC",
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("recorder: list active sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.RecorderSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("recorder: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *RecorderStore) ListAllActive(ctx context.Context) ([]domain.RecorderSession, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM recorder_sessions WHERE active = 1 ORDER BY last_activity",
	)
	if err != nil {
		return nil, fmt.Errorf("recorder: list all active sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.RecorderSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("recorder: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *RecorderStore) AppendEntry(ctx context.Context, entry domain.JournalEntry) error {
	var ctxJSON sql.NullString
	if entry.Context != nil {
		b, err := json.Marshal(entry.Context)
		if err != nil {
			return fmt.Errorf("recorder: marshal context snapshot: %w", err)
		}
		ctxJSON = sql.NullString{String: string(b), Valid: true}
	}
	tags, err := json.Marshal(entry.Tags)
	if err != nil {
		return fmt.Errorf("recorder: marshal tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO journal_entries (id, session_id, agent_id, timestamp, type, content, context, target, tags)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.SessionID, entry.AgentID, entry.Timestamp.UTC().Format(time.RFC3339Nano),
		string(entry.Type), entry.Content, ctxJSON, entry.Target, string(tags),
	)
	if err != nil {
		return fmt.Errorf("recorder: append entry: %w", err)
	}
	return nil
}

func scanEntry(row scanner) (domain.JournalEntry, error) {
	var e domain.JournalEntry
	var ts, typ, tags string
	var ctxJSON sql.NullString
	err := row.Scan(&e.ID, &e.SessionID, &e.AgentID, &ts, &typ, &e.Content, &ctxJSON, &e.Target, &tags)
	if err != nil {
		return domain.JournalEntry{}, err
	}
	if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		return domain.JournalEntry{}, fmt.Errorf("recorder: parse timestamp: %w", err)
	}
	e.Type = domain.JournalEntryType(typ)
	if ctxJSON.Valid {
		var snap domain.ContextSnapshot
		if err := json.Unmarshal([]byte(ctxJSON.String), &snap); err != nil {
			return domain.JournalEntry{}, fmt.Errorf("recorder: unmarshal context snapshot: %w", err)
		}
		e.Context = &snap
	}
	if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
		return domain.JournalEntry{}, fmt.Errorf("recorder: unmarshal tags: %w", err)
	}
	return e, nil
}

const entryColumns = `id, session_id, agent_id, timestamp, type, content, context, target, tags`

func (s *RecorderStore) ListEntries(ctx context.Context, sessionID string, limit int) ([]domain.JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM journal_entries WHERE session_id = ? ORDER BY timestamp DESC LIMIT ?",
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recorder: list entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *RecorderStore) ListEntriesForAgent(ctx context.Context, agentID string, limit int) ([]domain.JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM journal_entries WHERE agent_id = ? ORDER BY timestamp DESC LIMIT ?",
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recorder: list entries for agent: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]domain.JournalEntry, error) {
	var out []domain.JournalEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("recorder: scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
