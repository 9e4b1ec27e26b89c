package registry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/aerugo/aerugo/internal/common"
	"github.com/aerugo/aerugo/internal/metadata"
	"github.com/aerugo/aerugo/internal/storage"
	"github.com/aerugo/aerugo/pkg/config"
	"github.com/aerugo/aerugo/pkg/types"
)

func setupTestDB(t *testing.T) *common.Database {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&types.Repository{},
		&types.Blob{},
		&types.Manifest{},
		&types.Tag{},
		&types.UploadSession{},
	)
	require.NoError(t, err)

	return &common.Database{DB: db}
}

func testConfig() *config.RegistryConfig {
	return &config.RegistryConfig{
		UploadSessionTTL: time.Hour,
		SweepInterval:    time.Minute,
		LockTTL:          30 * time.Second,
		CacheTTL:         5 * time.Minute,
		GCGracePeriod:    time.Hour,
		MaxRetries:       3,
		RetryInterval:    10 * time.Millisecond,
	}
}

func setupTestService(t *testing.T) (*Service, *metadata.Store) {
	db := setupTestDB(t)
	meta := metadata.NewStore(db)

	blobs, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	svc := NewService(meta, newFakeCache(), newFakeLocker(), blobs, testConfig())
	return svc, meta
}

// fakeCache is an in-process Cache with the same JSON round-trip semantics as
// the Redis-backed one
type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]byte)}
}

func (c *fakeCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = data
	return nil
}

func (c *fakeCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	c.mu.Lock()
	data, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, dest)
}

func (c *fakeCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
	}
	return nil
}

// fakeLocker is an in-process Locker with the same contention semantics as
// the Redis-backed one
type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool)}
}

func (l *fakeLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, common.ErrLockHeld
	}
	l.held[key] = true
	return &fakeLease{locker: l, key: key}, nil
}

type fakeLease struct {
	locker *fakeLocker
	key    string
}

func (f *fakeLease) Renew(ctx context.Context, ttl time.Duration) error {
	return nil
}

func (f *fakeLease) Release(ctx context.Context) error {
	f.locker.mu.Lock()
	defer f.locker.mu.Unlock()
	delete(f.locker.held, f.key)
	return nil
}
