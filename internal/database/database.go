package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/stockapp/crawlsync/internal/store"
)

// Config holds the pool settings of the PostgreSQL store.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// Startup waits for the database this many times, doubling RetryDelay
	// between pings. Cloud SQL sockets can take a few seconds to appear.
	PingAttempts int
	RetryDelay   time.Duration
	PingTimeout  time.Duration
}

// DefaultConfig returns the pool settings used by the service.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		PingAttempts:    5,
		RetryDelay:      500 * time.Millisecond,
		PingTimeout:     5 * time.Second,
	}
}

// Connect opens the pool and waits until the database answers a ping.
func Connect(ctx context.Context, cfg Config) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := waitReady(ctx, db, cfg); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func waitReady(ctx context.Context, db *sql.DB, cfg Config) error {
	attempts := max(cfg.PingAttempts, 1)
	delay := cfg.RetryDelay

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
		lastErr = db.PingContext(pingCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return store.Unavailable("connect", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return store.Unavailable("connect", fmt.Errorf("%d ping attempts: %w", attempts, lastErr))
}

// HealthCheck pings the pool.
func HealthCheck(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return classify("health check", err)
	}
	return nil
}
