package metadata

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loadstone-io/loadstone/internal/catalog"
)

// InMemoryStore is the thread-safe in-memory reference implementation of the
// metadata store. Records are cloned on the way in and on the way out so
// callers can never mutate shared state through a returned pointer.
//
// The compare-and-set discipline mirrors the remote store: reads snapshot the
// record and its counter outside the write lock, and the conditional write
// re-checks the counter before committing. Two racers that both observed the
// same counter resolve deterministically, one commit and one Conflict.
type InMemoryStore struct {
	// datasets maps dataset name to record
	datasets map[string]*catalog.Dataset
	// versions maps version id to record
	versions map[string]*catalog.Version
	// versionOrder holds version ids per dataset in creation order
	versionOrder map[string][]string
	// allOrder holds every version id in creation order
	allOrder []string
	// mutex protects all maps
	mutex sync.RWMutex
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory metadata store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		datasets:     make(map[string]*catalog.Dataset),
		versions:     make(map[string]*catalog.Version),
		versionOrder: make(map[string][]string),
	}
}

// CreateDataset persists a new dataset record.
func (s *InMemoryStore) CreateDataset(_ context.Context, dataset *catalog.Dataset) (*catalog.Dataset, error) {
	if dataset == nil {
		return nil, catalog.NewValidation("invalid-dataset", catalog.ErrNilRecord.Error())
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.datasets[dataset.Name]; exists {
		return nil, catalog.NewAlreadyExists("already-exists", "dataset "+dataset.Name+" already exists")
	}

	record := dataset.Clone()
	record.ActiveVersion = ""
	record.OperationLog = append(record.OperationLog, catalog.NewAuditRecord(auditActionCreated, nil))
	record.Ver = 1
	record.CreatedAt = time.Now().UTC()

	s.datasets[record.Name] = record

	return record.Clone(), nil
}

// GetDataset fetches a dataset by name, ok=false when absent.
func (s *InMemoryStore) GetDataset(_ context.Context, name string) (*catalog.Dataset, bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	record, exists := s.datasets[name]
	if !exists {
		return nil, false, nil
	}

	return record.Clone(), true, nil
}

// ListDatasets returns all datasets ordered by name.
func (s *InMemoryStore) ListDatasets(_ context.Context) ([]*catalog.Dataset, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	names := make([]string, 0, len(s.datasets))
	for name := range s.datasets {
		names = append(names, name)
	}

	sort.Strings(names)

	result := make([]*catalog.Dataset, 0, len(names))
	for _, name := range names {
		result = append(result, s.datasets[name].Clone())
	}

	return result, nil
}

// CreateVersion persists a new version in the preparing state.
func (s *InMemoryStore) CreateVersion(_ context.Context, version *catalog.Version) (*catalog.Version, error) {
	if version == nil {
		return nil, catalog.NewValidation("invalid-version", catalog.ErrNilRecord.Error())
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.datasets[version.Dataset]; !exists {
		return nil, catalog.NewNotFound("dataset-not-found", "dataset "+version.Dataset+" not found")
	}

	if _, exists := s.versions[version.ID]; exists {
		return nil, catalog.NewAlreadyExists("already-exists", "version "+version.ID+" already exists")
	}

	now := time.Now().UTC()

	record := version.Clone()
	record.Status = catalog.InitialStatus
	record.OperationLog = append(record.OperationLog, catalog.NewAuditRecord(auditActionCreated, nil))
	record.Ver = 1
	record.CreatedAt = now
	record.UpdatedAt = now

	s.versions[record.ID] = record
	s.versionOrder[record.Dataset] = append(s.versionOrder[record.Dataset], record.ID)
	s.allOrder = append(s.allOrder, record.ID)

	return record.Clone(), nil
}

// GetVersion fetches a version by id, ok=false when absent.
func (s *InMemoryStore) GetVersion(_ context.Context, id string) (*catalog.Version, bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	record, exists := s.versions[id]
	if !exists {
		return nil, false, nil
	}

	return record.Clone(), true, nil
}

// ListVersions returns all versions of a dataset in creation order.
func (s *InMemoryStore) ListVersions(_ context.Context, dataset string) ([]*catalog.Version, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	ids := s.versionOrder[dataset]

	result := make([]*catalog.Version, 0, len(ids))
	for _, id := range ids {
		result = append(result, s.versions[id].Clone())
	}

	return result, nil
}

// ListAllVersions returns every version in creation order.
func (s *InMemoryStore) ListAllVersions(_ context.Context) ([]*catalog.Version, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]*catalog.Version, 0, len(s.allOrder))
	for _, id := range s.allOrder {
		result = append(result, s.versions[id].Clone())
	}

	return result, nil
}

// UpdateStatus transitions a version to target under compare-and-set.
func (s *InMemoryStore) UpdateStatus(_ context.Context, versionID string, target catalog.Status, audit map[string]interface{}) (*catalog.Version, error) {
	snapshot, exists := s.snapshotVersion(versionID)
	if !exists {
		return nil, catalog.NewNotFound("version-not-found", "version "+versionID+" not found")
	}

	return s.casUpdateStatus(versionID, target, audit, snapshot)
}

// snapshotVersion reads a cloned record outside the write lock; the clone's
// Ver is the counter the conditional write checks against.
func (s *InMemoryStore) snapshotVersion(versionID string) (*catalog.Version, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	record, exists := s.versions[versionID]
	if !exists {
		return nil, false
	}

	return record.Clone(), true
}

// casUpdateStatus validates the transition seen in snapshot and commits it
// conditional on the counter still matching.
func (s *InMemoryStore) casUpdateStatus(versionID string, target catalog.Status, audit map[string]interface{}, snapshot *catalog.Version) (*catalog.Version, error) {
	if snapshot.Status == target {
		// No-op for redelivered work; nothing appended, counter untouched.
		return snapshot, nil
	}

	if err := catalog.ValidateTransition(snapshot.Status, target); err != nil {
		verr := catalog.NewValidation("invalid-transition", err.Error())
		verr.Detail = map[string]interface{}{"version": snapshot}

		return nil, verr
	}

	extra := make(map[string]interface{}, len(audit)+1)
	for k, v := range audit {
		extra[k] = v
	}

	extra["status"] = string(target)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	record, exists := s.versions[versionID]
	if !exists {
		return nil, catalog.NewNotFound("version-not-found", "version "+versionID+" not found")
	}

	if record.Ver != snapshot.Ver {
		return nil, catalog.NewConflict("conflict", "version "+versionID+" changed underneath the update")
	}

	record.Status = target
	record.OperationLog = append(record.OperationLog, catalog.NewAuditRecord(auditActionStatusUpdated, extra))
	record.Ver++
	record.UpdatedAt = time.Now().UTC()

	return record.Clone(), nil
}

// ActivateVersion flips the owning dataset's active-version pointer.
func (s *InMemoryStore) ActivateVersion(_ context.Context, versionID string, audit map[string]interface{}) error {
	version, exists := s.snapshotVersion(versionID)
	if !exists {
		return catalog.NewNotFound("version-not-found", "version "+versionID+" not found")
	}

	if version.Status != catalog.StatusPublished {
		verr := catalog.NewValidation("version-not-published", "only a published version can be activated")
		verr.Detail = map[string]interface{}{"version": version}

		return verr
	}

	snapshot, exists := s.snapshotDataset(version.Dataset)
	if !exists {
		return catalog.NewNotFound("dataset-not-found", "dataset "+version.Dataset+" not found")
	}

	if snapshot.ActiveVersion == versionID {
		return nil
	}

	extra := make(map[string]interface{}, len(audit)+1)
	for k, v := range audit {
		extra[k] = v
	}

	extra["version-id"] = versionID

	s.mutex.Lock()
	defer s.mutex.Unlock()

	record, exists := s.datasets[version.Dataset]
	if !exists {
		return catalog.NewNotFound("dataset-not-found", "dataset "+version.Dataset+" not found")
	}

	if record.Ver != snapshot.Ver {
		return catalog.NewConflict("conflict", "dataset "+version.Dataset+" changed underneath the activation")
	}

	record.ActiveVersion = versionID
	record.OperationLog = append(record.OperationLog, catalog.NewAuditRecord(auditActionVersionActivated, extra))
	record.Ver++

	return nil
}

func (s *InMemoryStore) snapshotDataset(name string) (*catalog.Dataset, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	record, exists := s.datasets[name]
	if !exists {
		return nil, false
	}

	return record.Clone(), true
}

// HealthCheck always succeeds for the in-memory store.
func (s *InMemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
