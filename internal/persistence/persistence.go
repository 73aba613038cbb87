// Package persistence is the local persistence boundary: durable opaque
// values keyed by room id, queue storage key or conflict storage key.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/hyperengineering/fieldsync/internal/store"
)

// Storage keys.
const (
	QueueKey        = "queue:offline"
	SyncStateKey    = "sync:state"
	docKeyPrefix    = "doc:"
	conflictsPrefix = "conflicts:"
)

// DocKey returns the key of a room's encoded document.
func DocKey(roomID string) string { return docKeyPrefix + roomID }

// ConflictsKey returns the key of a conflict store scope.
func ConflictsKey(scope string) string { return conflictsPrefix + scope }

// RoomFromDocKey reports the room id of a document key.
func RoomFromDocKey(key string) (string, bool) {
	if !strings.HasPrefix(key, docKeyPrefix) {
		return "", false
	}
	return strings.TrimPrefix(key, docKeyPrefix), true
}

// Adapter loads and saves opaque values. Load returns nil, nil for a key
// that has never been saved.
type Adapter interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Remove(ctx context.Context, key string) error
}

// Lister is implemented by adapters that can enumerate keys.
type Lister interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// SQLite persists values in the store's blob table.
type SQLite struct {
	blobs store.BlobStore
}

// NewSQLite wraps a blob store.
func NewSQLite(blobs store.BlobStore) *SQLite {
	return &SQLite{blobs: blobs}
}

// Load implements Adapter.
func (s *SQLite) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := s.blobs.GetBlob(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

// Save implements Adapter.
func (s *SQLite) Save(ctx context.Context, key string, data []byte) error {
	return s.blobs.PutBlob(ctx, key, data)
}

// Remove implements Adapter.
func (s *SQLite) Remove(ctx context.Context, key string) error {
	return s.blobs.DeleteBlob(ctx, key)
}

// Keys implements Lister.
func (s *SQLite) Keys(ctx context.Context, prefix string) ([]string, error) {
	return s.blobs.ListBlobKeys(ctx, prefix)
}

// Memory keeps values in process memory only.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-memory adapter.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Load implements Adapter.
func (m *Memory) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

// Save implements Adapter.
func (m *Memory) Save(_ context.Context, key string, data []byte) error {
	if key == "" {
		return store.ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	return nil
}

// Remove implements Adapter.
func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Keys implements Lister.
func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0)
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// FailOpen wraps an adapter so read failures look like "nothing persisted
// yet". Write failures are logged at error level and still returned so
// callers can decide whether to carry on in memory.
type FailOpen struct {
	next Adapter
}

// NewFailOpen decorates next.
func NewFailOpen(next Adapter) *FailOpen {
	return &FailOpen{next: next}
}

// Load implements Adapter.
func (f *FailOpen) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := f.next.Load(ctx, key)
	if err != nil {
		slog.Warn("persistence load failed, treating as empty",
			"component", "persistence",
			"action", "load_failed",
			"key", key,
			"error", err,
		)
		return nil, nil
	}
	return data, nil
}

// Save implements Adapter.
func (f *FailOpen) Save(ctx context.Context, key string, data []byte) error {
	if err := f.next.Save(ctx, key, data); err != nil {
		slog.Error("persistence save failed",
			"component", "persistence",
			"action", "save_failed",
			"key", key,
			"bytes", len(data),
			"error", err,
		)
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// Remove implements Adapter.
func (f *FailOpen) Remove(ctx context.Context, key string) error {
	if err := f.next.Remove(ctx, key); err != nil {
		slog.Error("persistence remove failed",
			"component", "persistence",
			"action", "remove_failed",
			"key", key,
			"error", err,
		)
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Keys implements Lister when the wrapped adapter does.
func (f *FailOpen) Keys(ctx context.Context, prefix string) ([]string, error) {
	l, ok := f.next.(Lister)
	if !ok {
		return nil, nil
	}
	return l.Keys(ctx, prefix)
}
