package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"quackrelay/internal/domain"
)

// AuditStore implements audit.Store and is also the storage half of
// Audit & Archive's thread-archival concern.
type AuditStore struct {
	db *sql.DB
}

func (s *AuditStore) AppendEntry(ctx context.Context, entry domain.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, timestamp, action, actor, target_type, target_id, detail, source)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp.UTC().Format(time.RFC3339Nano), string(entry.Action), entry.Actor,
		entry.TargetType, entry.TargetID, entry.Detail, entry.Source,
	)
	if err != nil {
		return fmt.Errorf("audit: append entry: %w", err)
	}
	return nil
}

func (s *AuditStore) QueryEntries(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	var where []string
	var args []any
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(filter.Action))
	}
	if filter.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, filter.Actor)
	}
	if filter.TargetType != "" {
		where = append(where, "target_type = ?")
		args = append(args, filter.TargetType)
	}
	if filter.TargetID != "" {
		where = append(where, "target_id = ?")
		args = append(args, filter.TargetID)
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}
	if !filter.Until.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, filter.Until.UTC().Format(time.RFC3339Nano))
	}

	query := "SELECT id, timestamp, action, actor, target_type, target_id, detail, source FROM audit_entries"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query entries: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAuditEntry(row scanner) (domain.AuditEntry, error) {
	var e domain.AuditEntry
	var ts, action string
	if err := row.Scan(&e.ID, &ts, &action, &e.Actor, &e.TargetType, &e.TargetID, &e.Detail, &e.Source); err != nil {
		return domain.AuditEntry{}, fmt.Errorf("audit: scan entry: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("audit: parse timestamp: %w", err)
	}
	e.Timestamp = parsed
	e.Action = domain.AuditAction(action)
	return e, nil
}

func (s *AuditStore) CountSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_entries WHERE timestamp >= ?",
		since.UTC().Format(time.RFC3339Nano)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("audit: count since: %w", err)
	}
	return n, nil
}

func (s *AuditStore) CountTotal(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("audit: count total: %w", err)
	}
	return n, nil
}

func (s *AuditStore) topColumn(ctx context.Context, column string, limit int) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s, COUNT(*) AS n FROM audit_entries GROUP BY %s ORDER BY n DESC LIMIT ?", column, column),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: top %s: %w", column, err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("audit: scan top %s: %w", column, err)
		}
		out[key] = n
	}
	return out, rows.Err()
}

func (s *AuditStore) TopActions(ctx context.Context, limit int) (map[string]int, error) {
	return s.topColumn(ctx, "action", limit)
}

func (s *AuditStore) TopActors(ctx context.Context, limit int) (map[string]int, error) {
	return s.topColumn(ctx, "actor", limit)
}

func (s *AuditStore) PutArchivedThread(ctx context.Context, thread domain.ArchivedThread) error {
	participants, err := json.Marshal(thread.Participants)
	if err != nil {
		return fmt.Errorf("audit: marshal participants: %w", err)
	}
	messages, err := json.Marshal(thread.Messages)
	if err != nil {
		return fmt.Errorf("audit: marshal messages: %w", err)
	}
	metadata, err := json.Marshal(thread.Metadata)
	if err != nil {
		return fmt.Errorf("audit: marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO archived_threads (id, thread_id, participants, first_at, last_at, messages, metadata, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		thread.ID, thread.ThreadID, string(participants),
		thread.FirstAt.UTC().Format(time.RFC3339Nano), thread.LastAt.UTC().Format(time.RFC3339Nano),
		string(messages), string(metadata), thread.ArchivedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("audit: put archived thread: %w", err)
	}
	return nil
}

func (s *AuditStore) LatestArchivedThread(ctx context.Context, threadID string) (domain.ArchivedThread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, participants, first_at, last_at, messages, metadata, archived_at
		 FROM archived_threads WHERE thread_id = ? ORDER BY archived_at DESC LIMIT 1`, threadID)

	var t domain.ArchivedThread
	var participants, messages, metadata, firstAt, lastAt, archivedAt string
	err := row.Scan(&t.ID, &t.ThreadID, &participants, &firstAt, &lastAt, &messages, &metadata, &archivedAt)
	if err == sql.ErrNoRows {
		return domain.ArchivedThread{}, domain.NewDomainError("Audit.LatestArchivedThread", domain.ErrNotFound, threadID)
	}
	if err != nil {
		return domain.ArchivedThread{}, fmt.Errorf("audit: scan archived thread: %w", err)
	}
	if err := json.Unmarshal([]byte(participants), &t.Participants); err != nil {
		return domain.ArchivedThread{}, fmt.Errorf("audit: unmarshal participants: %w", err)
	}
	if err := json.Unmarshal([]byte(messages), &t.Messages); err != nil {
		return domain.ArchivedThread{}, fmt.Errorf("audit: unmarshal messages: %w", err)
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &t.Metadata); err != nil {
			return domain.ArchivedThread{}, fmt.Errorf("audit: unmarshal metadata: %w", err)
		}
	}
	if t.FirstAt, err = time.Parse(time.RFC3339Nano, firstAt); err != nil {
		return domain.ArchivedThread{}, fmt.Errorf("audit: parse first_at: %w", err)
	}
	if t.LastAt, err = time.Parse(time.RFC3339Nano, lastAt); err != nil {
		return domain.ArchivedThread{}, fmt.Errorf("audit: parse last_at: %w", err)
	}
	if t.ArchivedAt, err = time.Parse(time.RFC3339Nano, archivedAt); err != nil {
		return domain.ArchivedThread{}, fmt.Errorf("audit: parse archived_at: %w", err)
	}
	return t, nil
}
