package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/lib/pq"

	"github.com/loadstone-io/loadstone/internal/catalog"
	"github.com/loadstone-io/loadstone/internal/storage"
)

// DefaultTable is the entries table created by the bundled migrations.
const DefaultTable = "entries"

// identifierPattern constrains configurable table names to plain identifiers;
// the name is interpolated into SQL, never parameterized.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresStore keeps entries in a single table keyed by the four key
// components. Writes are idempotent upserts; batch writes run in one
// transaction so a failed load never leaves a half-written batch behind.
type PostgresStore struct {
	conn   *storage.Connection
	table  string
	logger *slog.Logger

	putQuery string
	getQuery string
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates an entry store on an open connection. table is the
// backing table name; pass DefaultTable unless the deployment overrides it.
func NewPostgresStore(conn *storage.Connection, table string, logger *slog.Logger) (*PostgresStore, error) {
	if table == "" {
		table = DefaultTable
	}

	if !identifierPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid entries table name %q", table)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresStore{
		conn:   conn,
		table:  table,
		logger: logger.With(slog.String("component", "kv-store")),
		putQuery: fmt.Sprintf(`
			INSERT INTO %s (dataset, version, table_name, key, value, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (dataset, version, table_name, key)
			DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
		`, table),
		getQuery: fmt.Sprintf(`
			SELECT value FROM %s
			WHERE dataset = $1 AND version = $2 AND table_name = $3 AND key = $4
		`, table),
	}, nil
}

// Put upserts a single entry.
func (s *PostgresStore) Put(ctx context.Context, key EntryKey, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	_, err := s.conn.ExecContext(ctx, s.putQuery, key.Dataset, key.Version, key.Table, key.Key, value)
	if err != nil {
		return s.mapError("put entry", err)
	}

	return nil
}

// Get returns the value under key, ok=false when absent.
func (s *PostgresStore) Get(ctx context.Context, key EntryKey) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}

	var value []byte

	err := s.conn.QueryRowContext(ctx, s.getQuery, key.Dataset, key.Version, key.Table, key.Key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, s.mapError("get entry", err)
	}

	return value, true, nil
}

// PutBatch upserts all entries in one transaction.
func (s *PostgresStore) PutBatch(ctx context.Context, entries []Entry) error {
	if err := validateBatchSize(len(entries)); err != nil {
		return err
	}

	for _, entry := range entries {
		if err := validateKey(entry.Key); err != nil {
			return err
		}
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return s.mapError("put batch", err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	stmt, err := tx.PrepareContext(ctx, s.putQuery)
	if err != nil {
		return s.mapError("put batch", err)
	}

	defer func() {
		_ = stmt.Close()
	}()

	for _, entry := range entries {
		key := entry.Key
		if _, err := stmt.ExecContext(ctx, key.Dataset, key.Version, key.Table, key.Key, entry.Value); err != nil {
			return s.mapError("put batch", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return s.mapError("put batch", err)
	}

	return nil
}

// GetBatch returns a result for every requested key. Keys sharing a dataset,
// version and table are fetched in one round trip.
func (s *PostgresStore) GetBatch(ctx context.Context, keys []EntryKey) (map[EntryKey]Result, error) {
	if err := validateBatchSize(len(keys)); err != nil {
		return nil, err
	}

	for _, key := range keys {
		if err := validateKey(key); err != nil {
			return nil, err
		}
	}

	type group struct {
		Dataset string
		Version string
		Table   string
	}

	groups := make(map[group][]string)
	for _, key := range keys {
		g := group{Dataset: key.Dataset, Version: key.Version, Table: key.Table}
		groups[g] = append(groups[g], key.Key)
	}

	results := make(map[EntryKey]Result, len(keys))
	for _, key := range keys {
		results[key] = Result{}
	}

	query := fmt.Sprintf(`
		SELECT key, value FROM %s
		WHERE dataset = $1 AND version = $2 AND table_name = $3 AND key = ANY($4)
	`, s.table)

	for g, groupKeys := range groups {
		rows, err := s.conn.QueryContext(ctx, query, g.Dataset, g.Version, g.Table, pq.Array(groupKeys))
		if err != nil {
			return nil, s.mapError("get batch", err)
		}

		for rows.Next() {
			var (
				k     string
				value []byte
			)

			if err := rows.Scan(&k, &value); err != nil {
				_ = rows.Close()

				return nil, s.mapError("get batch", err)
			}

			entryKey := EntryKey{Dataset: g.Dataset, Version: g.Version, Table: g.Table, Key: k}
			results[entryKey] = Result{Value: value, Found: true}
		}

		if err := rows.Err(); err != nil {
			_ = rows.Close()

			return nil, s.mapError("get batch", err)
		}

		_ = rows.Close()
	}

	return results, nil
}

// HealthCheck verifies the database is reachable.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// Close is a no-op; the shared connection is owned by the process.
func (s *PostgresStore) Close() error {
	return nil
}

func (s *PostgresStore) mapError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == "53" {
		return catalog.NewTooManyRequests("too-many-requests", op+": storage is overloaded")
	}

	s.logger.Error("entry store operation failed",
		slog.String("operation", op),
		slog.String("error", err.Error()))

	return catalog.NewInternal(op+" failed", err)
}
