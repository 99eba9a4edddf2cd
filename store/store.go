// Package store provides the versioned key/payload cache the course
// information cache is built on: entries are stored under a key with a
// monotonically increasing version, reads require a minimum version, and
// per-key advisory locks serialize expensive rebuilds across processes.
//
// Two engines are provided. MemoryStore keeps everything in process and
// suits single-node deployments and tests. RedisStore holds entries, version
// floors and locks in Redis so that many web workers share one cache.
//
// Staleness is expressed two ways, both of which make GetVersioned miss:
// a server-side minimum-version floor recorded by Invalidate, which rejects
// late-arriving reads of data built before the invalidation; and a tagged
// Stale flag set by MarkStale, which keeps the entry in place but forces a
// full rebuild on the next read regardless of version.
package store

import (
	"context"
	"time"
)

// VersionedStore is the shared cache tier contract.
type VersionedStore interface {
	// Connect establishes the connection to the cache backend.
	Connect(ctx context.Context) error

	// Close releases the connection to the cache backend.
	Close(ctx context.Context) error

	// GetVersioned returns the payload and stored version for a key. It
	// returns ErrMiss when no entry exists, the entry is marked stale, or
	// the stored version is below minVersion or the key's recorded floor.
	GetVersioned(ctx context.Context, key string, minVersion int64) ([]byte, int64, error)

	// SetVersioned stores a payload under a version, overwriting any
	// previous entry and clearing its stale mark.
	SetVersioned(ctx context.Context, key string, version int64, payload []byte) error

	// Peek returns the payload and version regardless of staleness or
	// floors. It is used by partial invalidation to edit an entry in place;
	// normal reads must use GetVersioned.
	Peek(ctx context.Context, key string) ([]byte, int64, error)

	// Invalidate records minVersion as the key's required-minimum-version
	// floor. The entry is not removed; reads below the floor miss.
	Invalidate(ctx context.Context, key string, minVersion int64) error

	// MarkStale tags the key's entry as stale so every read misses until
	// the next SetVersioned. A missing entry is not an error.
	MarkStale(ctx context.Context, key string) error

	// AcquireLock acquires the key's advisory lock, blocking up to the
	// configured wait timeout, and returns an owner token. The lock expires
	// on its own after the configured hold ceiling so a crashed holder
	// cannot wedge the key. Returns ErrLockTimeout when the wait elapses.
	AcquireLock(ctx context.Context, key string) (string, error)

	// ReleaseLock releases the lock if token still owns it. Releasing an
	// expired or reacquired lock returns ErrNotLockOwner.
	ReleaseLock(ctx context.Context, key, token string) error

	// Flush removes all entries, floors and locks held by this store.
	Flush(ctx context.Context) error
}

// Config defines the configuration for the versioned store.
type Config struct {
	// Engine selects the store engine.
	// Supported values: "memory", "redis"
	Engine string `json:"engine" yaml:"engine" toml:"engine" env:"STORE_ENGINE" default:"memory" validate:"oneof=memory redis"`

	// LockWait is how long AcquireLock blocks before failing with
	// ErrLockTimeout.
	LockWait time.Duration `json:"lockWait" yaml:"lockWait" toml:"lockWait" env:"STORE_LOCK_WAIT" default:"60s"`

	// LockTTL is the lock hold ceiling. A holder that neither releases nor
	// crashes cleanly loses the lock after this long.
	LockTTL time.Duration `json:"lockTTL" yaml:"lockTTL" toml:"lockTTL" env:"STORE_LOCK_TTL" default:"180s"`

	// LockPoll is the interval between acquisition attempts while waiting.
	LockPoll time.Duration `json:"lockPoll" yaml:"lockPoll" toml:"lockPoll" env:"STORE_LOCK_POLL" default:"100ms"`

	// EntryTTL bounds the lifetime of stored payloads. Zero keeps entries
	// until overwritten. Only the redis engine enforces it.
	EntryTTL time.Duration `json:"entryTTL" yaml:"entryTTL" toml:"entryTTL" env:"STORE_ENTRY_TTL"`

	// KeyPrefix namespaces every key the store touches.
	KeyPrefix string `json:"keyPrefix" yaml:"keyPrefix" toml:"keyPrefix" env:"STORE_KEY_PREFIX" default:"courseinfo:"`

	// RedisURL is the connection URL for the redis engine.
	// Format: redis://[username:password@]host:port[/database]
	RedisURL string `json:"redisURL" yaml:"redisURL" toml:"redisURL" env:"STORE_REDIS_URL"`

	// RedisPassword overrides the password from RedisURL when set.
	RedisPassword string `json:"redisPassword" yaml:"redisPassword" toml:"redisPassword" env:"STORE_REDIS_PASSWORD"`

	// RedisDB overrides the database number from RedisURL when positive.
	RedisDB int `json:"redisDB" yaml:"redisDB" toml:"redisDB" env:"STORE_REDIS_DB" validate:"min=0"`
}

// Defaults fills unset fields with their documented defaults.
func (c *Config) Defaults() {
	if c.Engine == "" {
		c.Engine = "memory"
	}
	if c.LockWait <= 0 {
		c.LockWait = 60 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 180 * time.Second
	}
	if c.LockPoll <= 0 {
		c.LockPoll = 100 * time.Millisecond
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "courseinfo:"
	}
}
