package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// Options sizes the connection pool and the startup ping retry. The
// defaults suit this service's load: one sweep goroutine set plus the ops
// API, so the pool stays small.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingAttempts    int
	PingBackoff     time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 10
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = 5
	}
	if o.ConnMaxLifetime <= 0 {
		o.ConnMaxLifetime = 5 * time.Minute
	}
	if o.ConnMaxIdleTime <= 0 {
		o.ConnMaxIdleTime = 1 * time.Minute
	}
	if o.PingAttempts <= 0 {
		o.PingAttempts = 5
	}
	if o.PingBackoff <= 0 {
		o.PingBackoff = 2 * time.Second
	}
	return o
}

// NewDB opens the pool and waits for the database to answer a ping,
// retrying while it is still starting up. The context bounds the whole
// wait.
func NewDB(ctx context.Context, databaseURL string, opts Options) (*sql.DB, error) {
	opts = opts.withDefaults()

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	var pingErr error
	for attempt := 1; attempt <= opts.PingAttempts; attempt++ {
		pingErr = db.PingContext(ctx)
		if pingErr == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
		slog.Warn("database not ready, retrying", "attempt", attempt, "error", pingErr)
		select {
		case <-ctx.Done():
		case <-time.After(opts.PingBackoff):
		}
	}
	if pingErr != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database after %d attempts: %w", opts.PingAttempts, pingErr)
	}

	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)

	return db, nil
}
