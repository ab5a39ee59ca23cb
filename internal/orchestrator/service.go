// Package orchestrator implements the operations behind the HTTP surface:
// dataset and version management, entry loading with its ordered validation
// chain, and the read path that resolves the active version of a dataset.
//
// The service owns no state beyond a small TTL cache for dataset records; all
// truth lives in the metadata store, the entry store and the queue. Slow
// transitions (prepare, save, publish) are handed to the worker through the
// operations topic, so callers observe an intermediate status and poll.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loadstone-io/loadstone/internal/catalog"
	"github.com/loadstone-io/loadstone/internal/queue"
	"github.com/loadstone-io/loadstone/internal/storage/kv"
	"github.com/loadstone-io/loadstone/internal/storage/metadata"
)

// Config carries the orchestrator settings resolved by the caller.
type Config struct {
	// OperationsTopic is the queue topic background actions are sent on.
	// Empty selects catalog.DefaultOperationsTopic.
	OperationsTopic string

	// VerifyOnSave routes save requests through the verify-data action
	// instead of enqueueing save directly. Set when a verification hook is
	// configured.
	VerifyOnSave bool

	// CacheTTL bounds how stale the active-version resolution may be.
	// Zero or negative selects DefaultCacheTTL.
	CacheTTL time.Duration
}

// Service coordinates the three backends. Safe for concurrent use; every
// method may block on backend I/O and honors context cancellation through
// the stores.
type Service struct {
	metadata metadata.Store
	entries  kv.Store
	queue    queue.Queue
	topic    string
	verify   bool
	cache    *datasetCache
	logger   *slog.Logger
}

// NewService wires an orchestrator over the given backends.
func NewService(meta metadata.Store, entries kv.Store, q queue.Queue, cfg Config, logger *slog.Logger) *Service {
	if cfg.OperationsTopic == "" {
		cfg.OperationsTopic = catalog.DefaultOperationsTopic
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		metadata: meta,
		entries:  entries,
		queue:    q,
		topic:    cfg.OperationsTopic,
		verify:   cfg.VerifyOnSave,
		cache:    newDatasetCache(meta, cfg.CacheTTL),
		logger:   logger.With(slog.String("component", "orchestrator")),
	}
}

// CreateDataset persists a new dataset after filling defaults. The name is
// the identifier; creating an existing name fails with KindAlreadyExists.
func (s *Service) CreateDataset(ctx context.Context, dataset *catalog.Dataset) (*catalog.Dataset, error) {
	catalog.ApplyDatasetDefaults(dataset)

	created, err := s.metadata.CreateDataset(ctx, dataset)
	if err != nil {
		return nil, err
	}

	s.logger.Info("dataset created",
		slog.String("dataset", created.Name),
		slog.Int("tables", len(created.Tables)))

	return created, nil
}

// GetDataset fetches a dataset by name, failing with KindNotFound when it
// does not exist.
func (s *Service) GetDataset(ctx context.Context, name string) (*catalog.Dataset, error) {
	dataset, ok, err := s.metadata.GetDataset(ctx, name)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, catalog.NewNotFound("dataset-not-found", "dataset "+name+" not found")
	}

	return dataset, nil
}

// ListDatasets returns all datasets.
func (s *Service) ListDatasets(ctx context.Context) ([]*catalog.Dataset, error) {
	return s.metadata.ListDatasets(ctx)
}

// CreateVersion opens a fresh version for the dataset and enqueues its
// preparation. The caller observes status preparing and polls; the worker
// moves the version to awaiting-entries.
func (s *Service) CreateVersion(ctx context.Context, dataset, label string, policy map[string]interface{}) (*catalog.Version, error) {
	if _, err := s.GetDataset(ctx, dataset); err != nil {
		return nil, err
	}

	version := &catalog.Version{
		ID:                 uuid.NewString(),
		Label:              label,
		Dataset:            dataset,
		Status:             catalog.InitialStatus,
		VerificationPolicy: policy,
	}

	created, err := s.metadata.CreateVersion(ctx, version)
	if err != nil {
		return nil, err
	}

	if _, err := s.queue.Enqueue(ctx, s.topic, queue.Body{
		Action:    catalog.ActionPrepare,
		VersionID: created.ID,
	}); err != nil {
		return nil, err
	}

	s.logger.Info("version created",
		slog.String("dataset", dataset),
		slog.String("version_id", created.ID))

	return created, nil
}

// GetVersion fetches a version by id, failing with KindNotFound when it does
// not exist.
func (s *Service) GetVersion(ctx context.Context, id string) (*catalog.Version, error) {
	version, ok, err := s.metadata.GetVersion(ctx, id)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, catalog.NewNotFound("version-not-found", "version "+id+" not found")
	}

	return version, nil
}

// ListVersions returns the versions of one dataset, or every version when
// dataset is empty.
func (s *Service) ListVersions(ctx context.Context, dataset string) ([]*catalog.Version, error) {
	if dataset == "" {
		return s.metadata.ListAllVersions(ctx)
	}

	return s.metadata.ListVersions(ctx, dataset)
}

// Save moves a version to saving and enqueues the background save, or the
// verification step when one is configured.
func (s *Service) Save(ctx context.Context, versionID string) (*catalog.Version, error) {
	version, err := s.transition(ctx, versionID, catalog.StatusSaving, "save-request", "")
	if err != nil {
		return nil, err
	}

	action := catalog.ActionSave
	if s.verify {
		action = catalog.ActionVerifyData
	}

	if _, err := s.queue.Enqueue(ctx, s.topic, queue.Body{
		Action:    action,
		VersionID: versionID,
	}); err != nil {
		return nil, err
	}

	s.logger.Info("version save requested",
		slog.String("version_id", versionID),
		slog.String("action", action))

	return version, nil
}

// Publish moves a version to publishing and enqueues the background publish.
func (s *Service) Publish(ctx context.Context, versionID string) (*catalog.Version, error) {
	version, err := s.transition(ctx, versionID, catalog.StatusPublishing, "publish-request", "")
	if err != nil {
		return nil, err
	}

	if _, err := s.queue.Enqueue(ctx, s.topic, queue.Body{
		Action:    catalog.ActionPublish,
		VersionID: versionID,
	}); err != nil {
		return nil, err
	}

	s.logger.Info("version publish requested", slog.String("version_id", versionID))

	return version, nil
}

// Discard terminates a version immediately. Nothing is enqueued; discarded
// is terminal and needs no background work.
func (s *Service) Discard(ctx context.Context, versionID, reason string) (*catalog.Version, error) {
	version, err := s.transition(ctx, versionID, catalog.StatusDiscarded, "discard-request", reason)
	if err != nil {
		return nil, err
	}

	s.logger.Info("version discarded",
		slog.String("version_id", versionID),
		slog.String("reason", reason))

	return version, nil
}

// transition applies one user-requested status change: look the version up,
// check the lifecycle edge against the status the caller observed, then
// update under the store's compare-and-set. A concurrent racer surfaces as
// KindConflict from the store.
func (s *Service) transition(ctx context.Context, versionID string, target catalog.Status, initiatedBy, reason string) (*catalog.Version, error) {
	version, err := s.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}

	if err := catalog.ValidateTransition(version.Status, target); err != nil {
		verr := catalog.NewValidation("invalid-version-state",
			fmt.Sprintf("version %s is %s and cannot move to %s", versionID, version.Status, target))
		verr.Detail = map[string]interface{}{"version": version}

		return nil, verr
	}

	audit := map[string]interface{}{catalog.AuditInitiatedBy: initiatedBy}
	if reason != "" {
		audit["reason"] = reason
	}

	return s.metadata.UpdateStatus(ctx, versionID, target, audit)
}

// HealthCheck pings all three backends and returns the first failure.
func (s *Service) HealthCheck(ctx context.Context) error {
	if err := s.metadata.HealthCheck(ctx); err != nil {
		return fmt.Errorf("metadata store: %w", err)
	}

	if err := s.entries.HealthCheck(ctx); err != nil {
		return fmt.Errorf("entry store: %w", err)
	}

	if err := s.queue.HealthCheck(ctx); err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	return nil
}
