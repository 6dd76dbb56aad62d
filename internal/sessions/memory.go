package sessions

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps session logs in process memory. Used when the
// sessions driver is "memory" and in tests.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string][]Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string][]Entry)}
}

// AppendEvent appends an entry to a session's log.
func (s *MemoryStore) AppendEvent(_ context.Context, sessionKey string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.SessionKey = sessionKey
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	s.logs[sessionKey] = append(s.logs[sessionKey], entry)
	return nil
}

// History returns the most recent entries for a session, oldest first.
func (s *MemoryStore) History(_ context.Context, sessionKey string, limit int) ([]Entry, error) {
	limit = clampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[sessionKey]
	if len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := make([]Entry, len(log))
	copy(out, log)
	return out, nil
}

// SessionKeys lists the keys with at least one entry.
func (s *MemoryStore) SessionKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.logs))
	for k := range s.logs {
		keys = append(keys, k)
	}
	return keys
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
