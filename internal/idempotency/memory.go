package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/nexlearn/crawlsync/internal/jobs"
)

// MemoryStore keeps idempotency keys in process memory. Expired entries
// are pruned lazily on access.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	clock   jobs.Clock
}

type memoryEntry struct {
	jobID     string
	expiresAt time.Time
}

// NewMemoryStore constructs a MemoryStore with the given retention window.
func NewMemoryStore(ttl time.Duration, clock jobs.Clock) *MemoryStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		clock:   clock,
	}
}

// Lookup resolves a key within the retention window.
func (s *MemoryStore) Lookup(_ context.Context, ownerID, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[compose(ownerID, key)]
	if !ok {
		return "", false, nil
	}
	if s.clock.Now().After(entry.expiresAt) {
		delete(s.entries, compose(ownerID, key))
		return "", false, nil
	}
	return entry.jobID, true, nil
}

// Remember stores the association with expiry.
func (s *MemoryStore) Remember(_ context.Context, ownerID, key, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[compose(ownerID, key)] = memoryEntry{
		jobID:     jobID,
		expiresAt: s.clock.Now().Add(s.ttl),
	}
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func compose(ownerID, key string) string {
	return ownerID + "\x00" + key
}
