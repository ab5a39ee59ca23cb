package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const pingTimeout = 5 * time.Second

// Connection wraps the shared *sql.DB handle used by every Postgres-backed
// store. The embedded handle promotes QueryContext/ExecContext/BeginTx so
// stores use a Connection exactly like a *sql.DB; the DB field stays
// reachable for code that needs the raw handle (the migration runner).
type Connection struct {
	*sql.DB
	config *Config
}

// NewConnection opens a PostgreSQL connection pool with the configured limits
// and verifies connectivity with a short ping. The lib/pq driver must be
// registered by the importing binary (blank import).
func NewConnection(cfg *Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return &Connection{DB: db, config: cfg}, nil
}

// HealthCheck verifies the database is reachable.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if err := c.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres health check: %w", err)
	}

	return nil
}
