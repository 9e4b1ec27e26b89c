package common

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aerugo/aerugo/pkg/config"
)

// ErrLockHeld is returned when a distributed lock is already held by another
// owner.
var ErrLockHeld = errors.New("lock held by another owner")

// ErrLockLost is returned when renewing or releasing a lock whose lease has
// already been taken over.
var ErrLockLost = errors.New("lock lease lost")

// Cache wraps Redis for metadata caching and distributed coordination.
// Entries are best-effort copies with a bounded staleness window; the
// metadata store remains the source of truth.
type Cache struct {
	client *redis.Client
}

// NewCache creates a new cache instance
func NewCache(cfg *config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Set stores a value with expiration. A nil Cache disables caching.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	return c.client.Set(ctx, key, data, expiration).Err()
}

// Get retrieves a value and unmarshals it. The second return value reports
// whether the key was present.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if c == nil {
		return false, nil
	}
	data, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get value: %w", err)
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return true, nil
}

// Delete removes keys, invalidating the cached copies
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if c == nil || len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// Ping checks connectivity to Redis
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Lock is a lease-based distributed lock record. The lease carries a TTL so a
// crashed holder cannot starve other nodes; long operations must renew.
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// releaseScript deletes the lock only if the caller still holds the lease.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// renewScript extends the lease only if the caller still holds it.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// AcquireLock acquires a distributed lock with a lease TTL. Returns
// ErrLockHeld without blocking when another owner holds the lease.
func (c *Cache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.New().String()
	ok, err := c.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{client: c.client, key: key, token: token}, nil
}

// Renew extends the lock lease. Returns ErrLockLost if the lease has expired
// or been taken over since acquisition.
func (l *Lock) Renew(ctx context.Context, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to renew lock %s: %w", l.key, err)
	}
	if res == 0 {
		return ErrLockLost
	}
	return nil
}

// Release releases the lock if still held. Releasing a lost lease is not an
// error: the lease TTL already handed ownership over.
func (l *Lock) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return nil
}
