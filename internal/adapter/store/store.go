// Package store implements the JSON snapshot persistence layer: every
// mutation is followed by a full write-through of its collection to a
// temp file and an atomic rename.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"quackrelay/internal/domain"
	"quackrelay/internal/security"
)

// writeJSON atomically writes v as indented JSON to path.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return domain.WrapOp("marshal", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return domain.WrapOp("write", err)
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, v)
}

// MailboxStore implements mailbox.Store with a single JSON snapshot
// (mailbox.json) mapping each inbox path to its ordered message list.
type MailboxStore struct {
	dir      string
	mu       sync.RWMutex
	inboxes  map[string][]domain.Message // inbox path -> messages, arrival order preserved
	byID     map[string]string           // message id -> inbox path
}

// NewMailboxStore creates a file-backed mailbox store, loading any
// existing snapshot from dir.
func NewMailboxStore(dir string) (*MailboxStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("mailboxstore: create dir: %w", err)
	}
	s := &MailboxStore{dir: dir, inboxes: map[string][]domain.Message{}, byID: map[string]string{}}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("mailboxstore: load: %w", err)
	}
	return s, nil
}

func (s *MailboxStore) snapshotPath() string { return filepath.Join(s.dir, "mailbox.json") }

func (s *MailboxStore) load() error {
	if err := readJSON(s.snapshotPath(), &s.inboxes); err != nil {
		return err
	}
	for inbox, msgs := range s.inboxes {
		for _, m := range msgs {
			s.byID[m.ID] = inbox
		}
	}
	return nil
}

func (s *MailboxStore) persistLocked() error {
	if err := writeJSON(s.snapshotPath(), s.inboxes); err != nil {
		return err
	}
	s.byID = map[string]string{}
	for inbox, msgs := range s.inboxes {
		for _, m := range msgs {
			s.byID[m.ID] = inbox
		}
	}
	return nil
}

// Put upserts a message into its destination inbox's list, preserving
// arrival order.
func (s *MailboxStore) Put(_ context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, ok := s.byID[msg.ID]; ok && prior != msg.To {
		s.inboxes[prior] = removeMessage(s.inboxes[prior], msg.ID)
	}

	list := s.inboxes[msg.To]
	replaced := false
	for i, m := range list {
		if m.ID == msg.ID {
			list[i] = msg
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, msg)
	}
	s.inboxes[msg.To] = list
	return s.persistLocked()
}

func removeMessage(list []domain.Message, id string) []domain.Message {
	out := list[:0]
	for _, m := range list {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}

// Get returns a single message by id.
func (s *MailboxStore) Get(_ context.Context, id string) (domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inbox, ok := s.byID[id]
	if !ok {
		return domain.Message{}, domain.ErrNotFound
	}
	for _, m := range s.inboxes[inbox] {
		if m.ID == id {
			return m, nil
		}
	}
	return domain.Message{}, domain.ErrNotFound
}

// ListInbox returns every message destined for path, in arrival order.
func (s *MailboxStore) ListInbox(_ context.Context, path string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Message, len(s.inboxes[path]))
	copy(out, s.inboxes[path])
	return out, nil
}

// ListAll returns every message across every inbox.
func (s *MailboxStore) ListAll(_ context.Context) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Message
	for _, list := range s.inboxes {
		out = append(out, list...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes a message, dropping its inbox entry if it becomes
// empty.
func (s *MailboxStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inbox, ok := s.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.inboxes[inbox] = removeMessage(s.inboxes[inbox], id)
	if len(s.inboxes[inbox]) == 0 {
		delete(s.inboxes, inbox)
	}
	return s.persistLocked()
}

// WebhookStore implements webhook.Store: subscribers snapshotted to a
// single JSON file, keyed by subscriber id.
type WebhookStore struct {
	dir         string
	mu          sync.RWMutex
	subscribers map[string]domain.WebhookSubscriber
}

// NewWebhookStore creates a file-backed webhook subscriber store.
func NewWebhookStore(dir string) (*WebhookStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("webhookstore: create dir: %w", err)
	}
	s := &WebhookStore{dir: dir, subscribers: map[string]domain.WebhookSubscriber{}}
	if err := readJSON(s.path(), &s.subscribers); err != nil {
		return nil, fmt.Errorf("webhookstore: load: %w", err)
	}
	return s, nil
}

func (s *WebhookStore) path() string { return filepath.Join(s.dir, "webhooks.json") }

// PutSubscriber upserts a webhook subscriber.
func (s *WebhookStore) PutSubscriber(_ context.Context, sub domain.WebhookSubscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[sub.ID] = sub
	return writeJSON(s.path(), s.subscribers)
}

// ListSubscribers returns every subscriber watching inbox.
func (s *WebhookStore) ListSubscribers(_ context.Context, inbox string) ([]domain.WebhookSubscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.WebhookSubscriber
	for _, sub := range s.subscribers {
		if sub.Inbox == inbox {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListAllSubscribers returns every registered subscriber.
func (s *WebhookStore) ListAllSubscribers(_ context.Context) ([]domain.WebhookSubscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.WebhookSubscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteSubscriber removes a subscriber registration.
func (s *WebhookStore) DeleteSubscriber(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.subscribers, id)
	return writeJSON(s.path(), s.subscribers)
}

// ConvoStore implements convo.Store: sessions keyed by their composite
// agent/peer/thread key, snapshotted to a single JSON file.
type ConvoStore struct {
	dir      string
	mu       sync.RWMutex
	sessions map[string]domain.ConvoSession
}

// NewConvoStore creates a file-backed session registry store.
func NewConvoStore(dir string) (*ConvoStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("convostore: create dir: %w", err)
	}
	s := &ConvoStore{dir: dir, sessions: map[string]domain.ConvoSession{}}
	if err := readJSON(s.path(), &s.sessions); err != nil {
		return nil, fmt.Errorf("convostore: load: %w", err)
	}
	return s, nil
}

func (s *ConvoStore) path() string { return filepath.Join(s.dir, "convo_sessions.json") }

// PutSession upserts a conversation session.
func (s *ConvoStore) PutSession(_ context.Context, sess domain.ConvoSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Key] = sess
	return writeJSON(s.path(), s.sessions)
}

// GetSession returns a session by its composite key.
func (s *ConvoStore) GetSession(_ context.Context, key string) (domain.ConvoSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	if !ok {
		return domain.ConvoSession{}, domain.ErrNotFound
	}
	return sess, nil
}

// ListSessions returns every tracked session.
func (s *ConvoStore) ListSessions(_ context.Context) ([]domain.ConvoSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ConvoSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// DeleteSession removes a session.
func (s *ConvoStore) DeleteSession(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[key]; !ok {
		return domain.ErrNotFound
	}
	delete(s.sessions, key)
	return writeJSON(s.path(), s.sessions)
}

// BlobStore implements blobstore.Store: metadata snapshotted to JSON,
// payload bytes written directly as sibling files under a payloads/
// subdirectory.
type BlobStore struct {
	dir     string
	mu      sync.RWMutex
	meta    map[string]domain.Blob
	sandbox *security.Sandbox
}

// NewBlobStore creates a file-backed blob metadata+payload store. Every
// payload path is resolved through a sandbox rooted at dir/payloads, so a
// blob id reaching payloadPath straight from an HTTP path parameter can
// never escape via "../" traversal.
func NewBlobStore(dir string) (*BlobStore, error) {
	payloadsDir := filepath.Join(dir, "payloads")
	if err := os.MkdirAll(payloadsDir, 0700); err != nil {
		return nil, fmt.Errorf("blobstore: create dir: %w", err)
	}
	sandbox, err := security.NewSandbox(payloadsDir)
	if err != nil {
		return nil, fmt.Errorf("blobstore: sandbox: %w", err)
	}
	s := &BlobStore{dir: dir, meta: map[string]domain.Blob{}, sandbox: sandbox}
	if err := readJSON(s.metaPath(), &s.meta); err != nil {
		return nil, fmt.Errorf("blobstore: load: %w", err)
	}
	return s, nil
}

func (s *BlobStore) metaPath() string { return filepath.Join(s.dir, "blobs.json") }
func (s *BlobStore) payloadPath(id string) (string, error) {
	return s.sandbox.ValidatePath(filepath.Join(s.dir, "payloads", id+".bin"))
}

// PutMeta upserts a blob's metadata.
func (s *BlobStore) PutMeta(_ context.Context, meta domain.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[meta.ID] = meta
	return writeJSON(s.metaPath(), s.meta)
}

// GetMeta returns a blob's metadata by id.
func (s *BlobStore) GetMeta(_ context.Context, id string) (domain.Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.meta[id]
	if !ok {
		return domain.Blob{}, domain.ErrNotFound
	}
	return meta, nil
}

// ListExpirableMeta returns blobs whose expiry is before the given time.
func (s *BlobStore) ListExpirableMeta(_ context.Context, before time.Time) ([]domain.Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Blob
	for _, m := range s.meta {
		if !m.ExpiresAt.IsZero() && m.ExpiresAt.Before(before) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteMeta removes a blob's metadata entry.
func (s *BlobStore) DeleteMeta(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meta[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.meta, id)
	return writeJSON(s.metaPath(), s.meta)
}

// PutPayload writes a blob's bytes to disk.
func (s *BlobStore) PutPayload(_ context.Context, id string, payload []byte) error {
	path, err := s.payloadPath(id)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0600); err != nil {
		return domain.WrapOp("write", err)
	}
	return os.Rename(tmp, path)
}

// GetPayload reads a blob's bytes from disk.
func (s *BlobStore) GetPayload(_ context.Context, id string) ([]byte, error) {
	path, err := s.payloadPath(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// DeletePayload removes a blob's bytes from disk.
func (s *BlobStore) DeletePayload(_ context.Context, id string) error {
	path, err := s.payloadPath(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
