package metadata

import (
	"context"
	"log/slog"
	"time"

	"github.com/loadstone-io/loadstone/internal/catalog"
)

// LoggingStore records every metadata operation with its outcome and
// duration. Successes log at debug, failures at warn.
type LoggingStore struct {
	next   Store
	logger *slog.Logger
}

var _ Store = (*LoggingStore)(nil)

// NewLoggingStore wraps next with operation logging.
func NewLoggingStore(next Store, logger *slog.Logger) *LoggingStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingStore{
		next:   next,
		logger: logger.With(slog.String("component", "metadata-store")),
	}
}

func (s *LoggingStore) CreateDataset(ctx context.Context, dataset *catalog.Dataset) (*catalog.Dataset, error) {
	start := time.Now()

	name := ""
	if dataset != nil {
		name = dataset.Name
	}

	record, err := s.next.CreateDataset(ctx, dataset)
	s.log(ctx, "create dataset", err, start, slog.String("dataset", name))

	return record, err
}

func (s *LoggingStore) GetDataset(ctx context.Context, name string) (*catalog.Dataset, bool, error) {
	start := time.Now()

	record, found, err := s.next.GetDataset(ctx, name)
	s.log(ctx, "get dataset", err, start, slog.String("dataset", name), slog.Bool("found", found))

	return record, found, err
}

func (s *LoggingStore) ListDatasets(ctx context.Context) ([]*catalog.Dataset, error) {
	start := time.Now()

	records, err := s.next.ListDatasets(ctx)
	s.log(ctx, "list datasets", err, start, slog.Int("count", len(records)))

	return records, err
}

func (s *LoggingStore) CreateVersion(ctx context.Context, version *catalog.Version) (*catalog.Version, error) {
	start := time.Now()

	id, dataset := "", ""
	if version != nil {
		id, dataset = version.ID, version.Dataset
	}

	record, err := s.next.CreateVersion(ctx, version)
	s.log(ctx, "create version", err, start,
		slog.String("version_id", id), slog.String("dataset", dataset))

	return record, err
}

func (s *LoggingStore) GetVersion(ctx context.Context, id string) (*catalog.Version, bool, error) {
	start := time.Now()

	record, found, err := s.next.GetVersion(ctx, id)
	s.log(ctx, "get version", err, start, slog.String("version_id", id), slog.Bool("found", found))

	return record, found, err
}

func (s *LoggingStore) ListVersions(ctx context.Context, dataset string) ([]*catalog.Version, error) {
	start := time.Now()

	records, err := s.next.ListVersions(ctx, dataset)
	s.log(ctx, "list versions", err, start,
		slog.String("dataset", dataset), slog.Int("count", len(records)))

	return records, err
}

func (s *LoggingStore) ListAllVersions(ctx context.Context) ([]*catalog.Version, error) {
	start := time.Now()

	records, err := s.next.ListAllVersions(ctx)
	s.log(ctx, "list all versions", err, start, slog.Int("count", len(records)))

	return records, err
}

func (s *LoggingStore) UpdateStatus(ctx context.Context, versionID string, target catalog.Status, audit map[string]interface{}) (*catalog.Version, error) {
	start := time.Now()

	record, err := s.next.UpdateStatus(ctx, versionID, target, audit)
	s.log(ctx, "update status", err, start,
		slog.String("version_id", versionID), slog.String("target", string(target)))

	return record, err
}

func (s *LoggingStore) ActivateVersion(ctx context.Context, versionID string, audit map[string]interface{}) error {
	start := time.Now()

	err := s.next.ActivateVersion(ctx, versionID, audit)
	s.log(ctx, "activate version", err, start, slog.String("version_id", versionID))

	return err
}

func (s *LoggingStore) HealthCheck(ctx context.Context) error {
	return s.next.HealthCheck(ctx)
}

func (s *LoggingStore) Close() error {
	return s.next.Close()
}

func (s *LoggingStore) log(ctx context.Context, op string, err error, start time.Time, attrs ...slog.Attr) {
	attrs = append(attrs, slog.Duration("duration", time.Since(start)))

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		s.logger.LogAttrs(ctx, slog.LevelWarn, op+" failed", attrs...)

		return
	}

	s.logger.LogAttrs(ctx, slog.LevelDebug, op, attrs...)
}
