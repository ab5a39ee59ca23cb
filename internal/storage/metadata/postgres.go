package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/loadstone-io/loadstone/internal/catalog"
	"github.com/loadstone-io/loadstone/internal/storage"
)

// PostgresStore implements the Store interface on PostgreSQL. Records live in
// the datasets and dataset_versions tables with the operation log and the
// structured attributes as JSONB. The compare-and-set discipline is a
// conditional UPDATE on the record's ver column; no row locks are taken.
type PostgresStore struct {
	conn   *storage.Connection
	logger *slog.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a metadata store on an open connection. The
// connection is shared with the other Postgres-backed stores and stays owned
// by the caller; Close here does not close it.
func NewPostgresStore(conn *storage.Connection, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresStore{
		conn:   conn,
		logger: logger.With(slog.String("component", "metadata-store")),
	}
}

// CreateDataset persists a new dataset record.
func (s *PostgresStore) CreateDataset(ctx context.Context, dataset *catalog.Dataset) (*catalog.Dataset, error) {
	if dataset == nil {
		return nil, catalog.NewValidation("invalid-dataset", catalog.ErrNilRecord.Error())
	}

	record := dataset.Clone()
	record.ActiveVersion = ""
	record.OperationLog = append(record.OperationLog, catalog.NewAuditRecord(auditActionCreated, nil))
	record.Ver = 1

	tablesJSON, err := json.Marshal(record.Tables)
	if err != nil {
		return nil, catalog.NewInternal("serializing dataset tables", err)
	}

	evictionJSON, err := json.Marshal(record.EvictionPolicy)
	if err != nil {
		return nil, catalog.NewInternal("serializing eviction policy", err)
	}

	logJSON, err := json.Marshal(record.OperationLog)
	if err != nil {
		return nil, catalog.NewInternal("serializing operation log", err)
	}

	query := `
		INSERT INTO datasets (name, content_type, tables, eviction_policy, active_version, operation_log, ver, created_at)
		VALUES ($1, $2, $3, $4, NULL, $5, 1, NOW())
		ON CONFLICT (name) DO NOTHING
		RETURNING created_at
	`

	err = s.conn.QueryRowContext(ctx, query, record.Name, record.ContentType, tablesJSON, evictionJSON, logJSON).
		Scan(&record.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.NewAlreadyExists("already-exists", "dataset "+record.Name+" already exists")
	}

	if err != nil {
		return nil, s.mapError("create dataset", err)
	}

	return record, nil
}

// GetDataset fetches a dataset by name, ok=false when absent.
func (s *PostgresStore) GetDataset(ctx context.Context, name string) (*catalog.Dataset, bool, error) {
	query := `
		SELECT name, content_type, tables, eviction_policy, active_version, operation_log, ver, created_at
		FROM datasets
		WHERE name = $1
	`

	record, err := scanDataset(s.conn.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, s.mapError("get dataset", err)
	}

	return record, true, nil
}

// ListDatasets returns all datasets ordered by name.
func (s *PostgresStore) ListDatasets(ctx context.Context) ([]*catalog.Dataset, error) {
	query := `
		SELECT name, content_type, tables, eviction_policy, active_version, operation_log, ver, created_at
		FROM datasets
		ORDER BY name
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, s.mapError("list datasets", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var result []*catalog.Dataset

	for rows.Next() {
		record, err := scanDataset(rows)
		if err != nil {
			return nil, s.mapError("list datasets", err)
		}

		result = append(result, record)
	}

	if err := rows.Err(); err != nil {
		return nil, s.mapError("list datasets", err)
	}

	return result, nil
}

// CreateVersion persists a new version in the preparing state.
func (s *PostgresStore) CreateVersion(ctx context.Context, version *catalog.Version) (*catalog.Version, error) {
	if version == nil {
		return nil, catalog.NewValidation("invalid-version", catalog.ErrNilRecord.Error())
	}

	var datasetExists bool
	if err := s.conn.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM datasets WHERE name = $1)`, version.Dataset).
		Scan(&datasetExists); err != nil {
		return nil, s.mapError("create version", err)
	}

	if !datasetExists {
		return nil, catalog.NewNotFound("dataset-not-found", "dataset "+version.Dataset+" not found")
	}

	record := version.Clone()
	record.Status = catalog.InitialStatus
	record.OperationLog = append(record.OperationLog, catalog.NewAuditRecord(auditActionCreated, nil))
	record.Ver = 1

	logJSON, err := json.Marshal(record.OperationLog)
	if err != nil {
		return nil, catalog.NewInternal("serializing operation log", err)
	}

	var policyJSON []byte

	if record.VerificationPolicy != nil {
		policyJSON, err = json.Marshal(record.VerificationPolicy)
		if err != nil {
			return nil, catalog.NewInternal("serializing verification policy", err)
		}
	}

	query := `
		INSERT INTO dataset_versions (id, dataset, label, status, verification_policy, operation_log, ver, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, NOW(), NOW())
		RETURNING created_at, updated_at
	`

	err = s.conn.QueryRowContext(ctx, query,
		record.ID, record.Dataset, nullIfEmpty(record.Label), string(record.Status), nullIfEmptyBytes(policyJSON), logJSON).
		Scan(&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return nil, s.mapError("create version", err)
	}

	return record, nil
}

// GetVersion fetches a version by id, ok=false when absent.
func (s *PostgresStore) GetVersion(ctx context.Context, id string) (*catalog.Version, bool, error) {
	query := versionSelect + ` WHERE id = $1`

	record, err := scanVersion(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, s.mapError("get version", err)
	}

	return record, true, nil
}

// ListVersions returns all versions of a dataset in creation order.
func (s *PostgresStore) ListVersions(ctx context.Context, dataset string) ([]*catalog.Version, error) {
	query := versionSelect + ` WHERE dataset = $1 ORDER BY created_at, id`

	return s.queryVersions(ctx, "list versions", query, dataset)
}

// ListAllVersions returns every version in creation order.
func (s *PostgresStore) ListAllVersions(ctx context.Context) ([]*catalog.Version, error) {
	query := versionSelect + ` ORDER BY created_at, id`

	return s.queryVersions(ctx, "list all versions", query)
}

// UpdateStatus transitions a version to target under compare-and-set.
func (s *PostgresStore) UpdateStatus(ctx context.Context, versionID string, target catalog.Status, audit map[string]interface{}) (*catalog.Version, error) {
	record, found, err := s.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, catalog.NewNotFound("version-not-found", "version "+versionID+" not found")
	}

	if record.Status == target {
		// No-op for redelivered work; nothing appended, counter untouched.
		return record, nil
	}

	if err := catalog.ValidateTransition(record.Status, target); err != nil {
		verr := catalog.NewValidation("invalid-transition", err.Error())
		verr.Detail = map[string]interface{}{"version": record}

		return nil, verr
	}

	extra := make(map[string]interface{}, len(audit)+1)
	for k, v := range audit {
		extra[k] = v
	}

	extra["status"] = string(target)

	newLog := append(record.OperationLog, catalog.NewAuditRecord(auditActionStatusUpdated, extra))

	logJSON, err := json.Marshal(newLog)
	if err != nil {
		return nil, catalog.NewInternal("serializing operation log", err)
	}

	query := `
		UPDATE dataset_versions
		SET status = $2, operation_log = $3, ver = ver + 1, updated_at = NOW()
		WHERE id = $1 AND ver = $4
		RETURNING updated_at
	`

	err = s.conn.QueryRowContext(ctx, query, versionID, string(target), logJSON, record.Ver).
		Scan(&record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.NewConflict("conflict", "version "+versionID+" changed underneath the update")
	}

	if err != nil {
		return nil, s.mapError("update status", err)
	}

	record.Status = target
	record.OperationLog = newLog
	record.Ver++

	return record, nil
}

// ActivateVersion flips the owning dataset's active-version pointer.
func (s *PostgresStore) ActivateVersion(ctx context.Context, versionID string, audit map[string]interface{}) error {
	version, found, err := s.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}

	if !found {
		return catalog.NewNotFound("version-not-found", "version "+versionID+" not found")
	}

	if version.Status != catalog.StatusPublished {
		verr := catalog.NewValidation("version-not-published", "only a published version can be activated")
		verr.Detail = map[string]interface{}{"version": version}

		return verr
	}

	dataset, found, err := s.GetDataset(ctx, version.Dataset)
	if err != nil {
		return err
	}

	if !found {
		return catalog.NewNotFound("dataset-not-found", "dataset "+version.Dataset+" not found")
	}

	if dataset.ActiveVersion == versionID {
		return nil
	}

	extra := make(map[string]interface{}, len(audit)+1)
	for k, v := range audit {
		extra[k] = v
	}

	extra["version-id"] = versionID

	newLog := append(dataset.OperationLog, catalog.NewAuditRecord(auditActionVersionActivated, extra))

	logJSON, err := json.Marshal(newLog)
	if err != nil {
		return catalog.NewInternal("serializing operation log", err)
	}

	query := `
		UPDATE datasets
		SET active_version = $2, operation_log = $3, ver = ver + 1
		WHERE name = $1 AND ver = $4
	`

	result, err := s.conn.ExecContext(ctx, query, dataset.Name, versionID, logJSON, dataset.Ver)
	if err != nil {
		return s.mapError("activate version", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return s.mapError("activate version", err)
	}

	if affected == 0 {
		return catalog.NewConflict("conflict", "dataset "+dataset.Name+" changed underneath the activation")
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// Close is a no-op; the shared connection is owned by the process.
func (s *PostgresStore) Close() error {
	return nil
}

const versionSelect = `
	SELECT id, dataset, label, status, verification_policy, operation_log, ver, created_at, updated_at
	FROM dataset_versions`

func (s *PostgresStore) queryVersions(ctx context.Context, op, query string, args ...interface{}) ([]*catalog.Version, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.mapError(op, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var result []*catalog.Version

	for rows.Next() {
		record, err := scanVersion(rows)
		if err != nil {
			return nil, s.mapError(op, err)
		}

		result = append(result, record)
	}

	if err := rows.Err(); err != nil {
		return nil, s.mapError(op, err)
	}

	return result, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDataset(row scanner) (*catalog.Dataset, error) {
	var (
		record        catalog.Dataset
		tablesJSON    []byte
		evictionJSON  []byte
		activeVersion sql.NullString
		logJSON       []byte
	)

	err := row.Scan(
		&record.Name,
		&record.ContentType,
		&tablesJSON,
		&evictionJSON,
		&activeVersion,
		&logJSON,
		&record.Ver,
		&record.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(tablesJSON, &record.Tables); err != nil {
		return nil, fmt.Errorf("decoding dataset tables: %w", err)
	}

	if err := json.Unmarshal(evictionJSON, &record.EvictionPolicy); err != nil {
		return nil, fmt.Errorf("decoding eviction policy: %w", err)
	}

	if err := json.Unmarshal(logJSON, &record.OperationLog); err != nil {
		return nil, fmt.Errorf("decoding operation log: %w", err)
	}

	record.ActiveVersion = activeVersion.String

	return &record, nil
}

func scanVersion(row scanner) (*catalog.Version, error) {
	var (
		record     catalog.Version
		label      sql.NullString
		status     string
		policyJSON []byte
		logJSON    []byte
	)

	err := row.Scan(
		&record.ID,
		&record.Dataset,
		&label,
		&status,
		&policyJSON,
		&logJSON,
		&record.Ver,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(policyJSON) > 0 {
		if err := json.Unmarshal(policyJSON, &record.VerificationPolicy); err != nil {
			return nil, fmt.Errorf("decoding verification policy: %w", err)
		}
	}

	if err := json.Unmarshal(logJSON, &record.OperationLog); err != nil {
		return nil, fmt.Errorf("decoding operation log: %w", err)
	}

	record.Label = label.String
	record.Status = catalog.Status(status)

	return &record, nil
}

// mapError converts driver errors to the structured kinds the rest of the
// system dispatches on. Class 53 (insufficient resources) is the backend
// telling us to back off.
func (s *PostgresStore) mapError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "53":
			return catalog.NewTooManyRequests("too-many-requests", op+": storage is overloaded")
		case pqErr.Code == "23505":
			return catalog.NewAlreadyExists("already-exists", op+": record already exists")
		case pqErr.Code == "23503":
			return catalog.NewNotFound("dataset-not-found", op+": referenced dataset does not exist")
		}
	}

	s.logger.Error("metadata store operation failed",
		slog.String("operation", op),
		slog.String("error", err.Error()))

	return catalog.NewInternal(op+" failed", err)
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullIfEmptyBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}

	return b
}
