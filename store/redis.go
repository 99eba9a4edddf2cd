package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements VersionedStore on Redis so multiple workers share
// one cache tier. Entries are JSON envelopes carrying version, stale flag
// and payload; floors live in sibling keys so Invalidate never rewrites the
// payload; locks are SET NX PX keys holding an owner token.
type RedisStore struct {
	config *Config
	client *redis.Client
}

type redisEnvelope struct {
	Version int64           `json:"version"`
	Stale   bool            `json:"stale,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// raiseFloorScript sets the floor key to ARGV[1] only when it raises it.
var raiseFloorScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local wanted = tonumber(ARGV[1])
if wanted > current then
	redis.call('SET', KEYS[1], ARGV[1])
end
return wanted
`)

// releaseLockScript deletes the lock key only when the caller still owns it.
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// NewRedisStore creates a new Redis store engine.
func NewRedisStore(config *Config) *RedisStore {
	cfg := *config
	cfg.Defaults()
	return &RedisStore{config: &cfg}
}

// Connect parses the configured URL, applies overrides and pings the server.
func (s *RedisStore) Connect(ctx context.Context) error {
	opts, err := redis.ParseURL(s.config.RedisURL)
	if err != nil {
		return fmt.Errorf("parsing redis URL: %w", err)
	}
	if s.config.RedisPassword != "" {
		opts.Password = s.config.RedisPassword
	}
	if s.config.RedisDB > 0 {
		opts.DB = s.config.RedisDB
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	s.client = client
	return nil
}

// Close closes the connection to Redis.
func (s *RedisStore) Close(context.Context) error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("closing redis client: %w", err)
	}
	s.client = nil
	return nil
}

// GetVersioned retrieves the payload for key at version minVersion or newer.
func (s *RedisStore) GetVersioned(ctx context.Context, key string, minVersion int64) ([]byte, int64, error) {
	if s.client == nil {
		return nil, 0, ErrNotConnected
	}

	pipe := s.client.Pipeline()
	entryCmd := pipe.Get(ctx, s.entryKey(key))
	floorCmd := pipe.Get(ctx, s.floorKey(key))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, fmt.Errorf("reading cache entry: %w", err)
	}

	raw, err := entryCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, 0, ErrMiss
	}
	if err != nil {
		return nil, 0, fmt.Errorf("reading cache entry: %w", err)
	}
	var env redisEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, 0, fmt.Errorf("decoding cache envelope: %w", err)
	}
	if env.Stale {
		return nil, 0, ErrMiss
	}

	required := minVersion
	if floor, err := floorCmd.Int64(); err == nil && floor > required {
		required = floor
	}
	if env.Version < required {
		return nil, 0, ErrMiss
	}
	return []byte(env.Payload), env.Version, nil
}

// SetVersioned stores a payload under a version, clearing any stale mark.
func (s *RedisStore) SetVersioned(ctx context.Context, key string, version int64, payload []byte) error {
	if s.client == nil {
		return ErrNotConnected
	}
	raw, err := json.Marshal(redisEnvelope{Version: version, Payload: payload})
	if err != nil {
		return fmt.Errorf("encoding cache envelope: %w", err)
	}
	if err := s.client.Set(ctx, s.entryKey(key), raw, s.config.EntryTTL).Err(); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

// Peek returns the stored payload regardless of staleness and floors.
func (s *RedisStore) Peek(ctx context.Context, key string) ([]byte, int64, error) {
	if s.client == nil {
		return nil, 0, ErrNotConnected
	}
	raw, err := s.client.Get(ctx, s.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, 0, ErrMiss
	}
	if err != nil {
		return nil, 0, fmt.Errorf("reading cache entry: %w", err)
	}
	var env redisEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, 0, fmt.Errorf("decoding cache envelope: %w", err)
	}
	return []byte(env.Payload), env.Version, nil
}

// Invalidate raises the key's minimum-version floor. Floors never lower.
func (s *RedisStore) Invalidate(ctx context.Context, key string, minVersion int64) error {
	if s.client == nil {
		return ErrNotConnected
	}
	if err := raiseFloorScript.Run(ctx, s.client, []string{s.floorKey(key)}, minVersion).Err(); err != nil {
		return fmt.Errorf("raising version floor: %w", err)
	}
	return nil
}

// MarkStale tags the entry as stale. Idempotent; missing keys are ignored.
func (s *RedisStore) MarkStale(ctx context.Context, key string) error {
	if s.client == nil {
		return ErrNotConnected
	}
	raw, err := s.client.Get(ctx, s.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading cache entry: %w", err)
	}
	var env redisEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decoding cache envelope: %w", err)
	}
	if env.Stale {
		return nil
	}
	env.Stale = true
	updated, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding cache envelope: %w", err)
	}
	if err := s.client.Set(ctx, s.entryKey(key), updated, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

// AcquireLock acquires the key's lock via SET NX PX, waiting up to LockWait.
func (s *RedisStore) AcquireLock(ctx context.Context, key string) (string, error) {
	if s.client == nil {
		return "", ErrNotConnected
	}
	token := uuid.NewString()
	deadline := time.Now().Add(s.config.LockWait)

	for {
		ok, err := s.client.SetNX(ctx, s.lockKey(key), token, s.config.LockTTL).Result()
		if err != nil {
			return "", fmt.Errorf("acquiring lock: %w", err)
		}
		if ok {
			return token, nil
		}
		if time.Now().After(deadline) {
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
func (s *RedisStore) ReleaseLock(ctx context.Context, key, token string) error {
	if s.client == nil {
		return ErrNotConnected
	}
	n, err := releaseLockScript.Run(ctx, s.client, []string{s.lockKey(key)}, token).Int()
	if err != nil {
		return fmt.Errorf("releasing lock: %w", err)
	}
	if n == 0 {
		return ErrNotLockOwner
	}
	return nil
}

// Flush removes every key under the store's prefix.
func (s *RedisStore) Flush(ctx context.Context) error {
	if s.client == nil {
		return ErrNotConnected
	}
	iter := s.client.Scan(ctx, 0, s.config.KeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("flushing cache keys: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scanning cache keys: %w", err)
	}
	return nil
}

func (s *RedisStore) entryKey(key string) string { return s.config.KeyPrefix + key }
func (s *RedisStore) floorKey(key string) string { return s.config.KeyPrefix + key + ":floor" }
func (s *RedisStore) lockKey(key string) string  { return s.config.KeyPrefix + key + ":lock" }
