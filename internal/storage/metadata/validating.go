package metadata

import (
	"context"

	"github.com/loadstone-io/loadstone/internal/catalog"
)

// ValidatingStore rejects malformed records before they reach the backend.
// Defaults are applied here too, so backends only ever see complete records.
type ValidatingStore struct {
	next Store
}

var _ Store = (*ValidatingStore)(nil)

// NewValidatingStore wraps next with input validation.
func NewValidatingStore(next Store) *ValidatingStore {
	return &ValidatingStore{next: next}
}

// CreateDataset validates and defaults the record, then delegates.
func (s *ValidatingStore) CreateDataset(ctx context.Context, dataset *catalog.Dataset) (*catalog.Dataset, error) {
	if dataset == nil {
		return nil, catalog.NewValidation("invalid-dataset", catalog.ErrNilRecord.Error())
	}

	record := dataset.Clone()
	catalog.ApplyDatasetDefaults(record)

	if err := catalog.ValidateDataset(record); err != nil {
		return nil, catalog.NewValidation("invalid-dataset", err.Error())
	}

	return s.next.CreateDataset(ctx, record)
}

func (s *ValidatingStore) GetDataset(ctx context.Context, name string) (*catalog.Dataset, bool, error) {
	return s.next.GetDataset(ctx, name)
}

func (s *ValidatingStore) ListDatasets(ctx context.Context) ([]*catalog.Dataset, error) {
	return s.next.ListDatasets(ctx)
}

// CreateVersion validates the record, then delegates.
func (s *ValidatingStore) CreateVersion(ctx context.Context, version *catalog.Version) (*catalog.Version, error) {
	if version == nil {
		return nil, catalog.NewValidation("invalid-version", catalog.ErrNilRecord.Error())
	}

	if err := catalog.ValidateVersion(version); err != nil {
		return nil, catalog.NewValidation("invalid-version", err.Error())
	}

	return s.next.CreateVersion(ctx, version)
}

func (s *ValidatingStore) GetVersion(ctx context.Context, id string) (*catalog.Version, bool, error) {
	return s.next.GetVersion(ctx, id)
}

func (s *ValidatingStore) ListVersions(ctx context.Context, dataset string) ([]*catalog.Version, error) {
	return s.next.ListVersions(ctx, dataset)
}

func (s *ValidatingStore) ListAllVersions(ctx context.Context) ([]*catalog.Version, error) {
	return s.next.ListAllVersions(ctx)
}

// UpdateStatus rejects unknown target states before the backend looks at the
// transition itself.
func (s *ValidatingStore) UpdateStatus(ctx context.Context, versionID string, target catalog.Status, audit map[string]interface{}) (*catalog.Version, error) {
	if !target.Valid() {
		return nil, catalog.NewValidation("invalid-version-state", "unknown status "+string(target))
	}

	return s.next.UpdateStatus(ctx, versionID, target, audit)
}

func (s *ValidatingStore) ActivateVersion(ctx context.Context, versionID string, audit map[string]interface{}) error {
	return s.next.ActivateVersion(ctx, versionID, audit)
}

func (s *ValidatingStore) HealthCheck(ctx context.Context) error {
	return s.next.HealthCheck(ctx)
}

func (s *ValidatingStore) Close() error {
	return s.next.Close()
}
