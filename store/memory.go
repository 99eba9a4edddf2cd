package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements VersionedStore with in-process storage. Locks are
// advisory within the process; the wait/expiry semantics mirror the redis
// engine so callers behave identically against either.
type MemoryStore struct {
	config *Config
	mu     sync.Mutex
	items  map[string]memEntry
	floors map[string]int64
	locks  map[string]memLock
	clock  func() time.Time
}

type memEntry struct {
	version int64
	stale   bool
	payload []byte
}

type memLock struct {
	token   string
	expires time.Time
}

// NewMemoryStore creates a new in-process store engine.
func NewMemoryStore(config *Config) *MemoryStore {
	cfg := *config
	cfg.Defaults()
	return &MemoryStore{
		config: &cfg,
		items:  make(map[string]memEntry),
		floors: make(map[string]int64),
		locks:  make(map[string]memLock),
		clock:  time.Now,
	}
}

// SetClock replaces the store's time source. Tests use it to drive lock
// expiry deterministically.
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	s.clock = clock
	s.mu.Unlock()
}

// Connect initializes the memory store.
func (s *MemoryStore) Connect(context.Context) error { return nil }

// Close releases the memory store.
func (s *MemoryStore) Close(context.Context) error { return nil }

// GetVersioned retrieves the payload for key at version minVersion or newer.
func (s *MemoryStore) GetVersioned(_ context.Context, key string, minVersion int64) ([]byte, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok || e.stale {
		return nil, 0, ErrMiss
	}
	required := minVersion
	if floor := s.floors[key]; floor > required {
		required = floor
	}
	if e.version < required {
		return nil, 0, ErrMiss
	}
	out := make([]byte, len(e.payload))
	copy(out, e.payload)
	return out, e.version, nil
}

// SetVersioned stores a payload under a version, clearing any stale mark.
func (s *MemoryStore) SetVersioned(_ context.Context, key string, version int64, payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)

	s.mu.Lock()
	s.items[key] = memEntry{version: version, payload: cp}
	s.mu.Unlock()
	return nil
}

// Peek returns the stored payload regardless of staleness and floors.
func (s *MemoryStore) Peek(_ context.Context, key string) ([]byte, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok {
		return nil, 0, ErrMiss
	}
	out := make([]byte, len(e.payload))
	copy(out, e.payload)
	return out, e.version, nil
}

// Invalidate raises the key's minimum-version floor. Floors never lower.
func (s *MemoryStore) Invalidate(_ context.Context, key string, minVersion int64) error {
	s.mu.Lock()
	if minVersion > s.floors[key] {
		s.floors[key] = minVersion
	}
	s.mu.Unlock()
	return nil
}

// MarkStale tags the entry as stale. Idempotent; missing keys are ignored.
func (s *MemoryStore) MarkStale(_ context.Context, key string) error {
	s.mu.Lock()
	if e, ok := s.items[key]; ok {
		e.stale = true
		s.items[key] = e
	}
	s.mu.Unlock()
	return nil
}

// AcquireLock acquires the key's advisory lock, waiting up to LockWait.
func (s *MemoryStore) AcquireLock(ctx context.Context, key string) (string, error) {
	token := uuid.NewString()
	deadline := s.now().Add(s.config.LockWait)

	for {
		s.mu.Lock()
		now := s.clock()
		l, held := s.locks[key]
		if !held || now.After(l.expires) {
			s.locks[key] = memLock{token: token, expires: now.Add(s.config.LockTTL)}
			s.mu.Unlock()
			return token, nil
		}
		s.mu.Unlock()

		if s.now().After(deadline) {
			return "", ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return "", ErrLockTimeout
		case <-time.After(s.config.LockPoll):
		}
	}
}

// ReleaseLock releases the lock if token still owns it.
func (s *MemoryStore) ReleaseLock(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, held := s.locks[key]
	if !held || l.token != token {
		return ErrNotLockOwner
	}
	delete(s.locks, key)
	return nil
}

// Flush removes all entries, floors and locks.
func (s *MemoryStore) Flush(context.Context) error {
	s.mu.Lock()
	s.items = make(map[string]memEntry)
	s.floors = make(map[string]int64)
	s.locks = make(map[string]memLock)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock()
}
