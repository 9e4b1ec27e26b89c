package common

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/aerugo/aerugo/pkg/config"
	"github.com/aerugo/aerugo/pkg/types"
)

// Database wraps the GORM database connection
type Database struct {
	*gorm.DB

	maxRetries    int
	retryInterval time.Duration
}

// NewDatabase creates a new database connection
func NewDatabase(cfg *config.DatabaseConfig, reg *config.RegistryConfig) (*Database, error) {
	dsn := cfg.DatabaseURL()

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Database{
		DB:            db,
		maxRetries:    reg.MaxRetries,
		retryInterval: reg.RetryInterval,
	}, nil
}

// Migrate runs database migrations
func (db *Database) Migrate() error {
	return db.AutoMigrate(
		&types.User{},
		&types.APIKey{},
		&types.Repository{},
		&types.Blob{},
		&types.Manifest{},
		&types.Tag{},
		&types.UploadSession{},
	)
}

// WithTransaction runs fn inside a transaction. Transient conflicts
// (serialization failures, deadlocks) are retried a bounded number of times
// before the error is surfaced. Duplicate-key violations are not retried;
// callers handle those as dedup signals.
func (db *Database) WithTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	op := func() error {
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(tx)
		})
		if err != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(db.retryInterval), uint64(db.maxRetries)),
		ctx,
	)
	return backoff.Retry(op, policy)
}

// isRetryable reports whether a metadata-store error is a transient conflict.
// 40001 is serialization_failure, 40P01 is deadlock_detected.
func isRetryable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "40001") ||
		strings.Contains(msg, "40P01") ||
		strings.Contains(msg, "deadlock")
}

// Close closes the database connection
func (db *Database) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
