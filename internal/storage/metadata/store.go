// Package metadata provides the metadata-store implementations that persist
// datasets and versions: a thread-safe in-memory reference store and a
// PostgreSQL-backed remote store, plus wrapping adapters for schema
// validation and operation logging.
//
// Status transitions and active-version flips are linearizable per record:
// every write goes through compare-and-set on the record's monotonic counter
// (__ver). A counter mismatch surfaces as a Conflict error and is never
// retried here; the caller decides.
package metadata

import (
	"context"

	"github.com/loadstone-io/loadstone/internal/catalog"
)

// Store is the metadata-store contract. All implementations must be safe for
// concurrent use.
//
// Absence is not an error: the get operations return ok=false with a nil
// error when the record does not exist. Created records are returned with
// their counter stamped; a record fresh from a store always has Ver >= 1.
type Store interface {
	// CreateDataset persists a new dataset. The caller is expected to have
	// applied defaults; an existing dataset with the same name fails with a
	// KindAlreadyExists error.
	CreateDataset(ctx context.Context, dataset *catalog.Dataset) (*catalog.Dataset, error)

	// GetDataset fetches a dataset by name.
	GetDataset(ctx context.Context, name string) (*catalog.Dataset, bool, error)

	// ListDatasets returns all datasets ordered by name.
	ListDatasets(ctx context.Context) ([]*catalog.Dataset, error)

	// CreateVersion persists a new version in the initial lifecycle state.
	// The owning dataset must exist (KindNotFound otherwise); the supplied
	// status is ignored and forced to preparing.
	CreateVersion(ctx context.Context, version *catalog.Version) (*catalog.Version, error)

	// GetVersion fetches a version by id.
	GetVersion(ctx context.Context, id string) (*catalog.Version, bool, error)

	// ListVersions returns all versions of a dataset in creation order.
	// Unknown datasets yield an empty list.
	ListVersions(ctx context.Context, dataset string) ([]*catalog.Version, error)

	// ListAllVersions returns every version in the store in creation order.
	ListAllVersions(ctx context.Context) ([]*catalog.Version, error)

	// UpdateStatus transitions a version to target and appends an audit
	// record built from the nullable audit map. A transition outside the
	// lifecycle graph fails with KindValidation; a counter mismatch with
	// KindConflict. Updating to the current status is a no-op that returns
	// the record unchanged without touching the operation log, so redelivered
	// background work converges instead of tripping the state machine.
	UpdateStatus(ctx context.Context, versionID string, target catalog.Status, audit map[string]interface{}) (*catalog.Version, error)

	// ActivateVersion points the owning dataset's active-version at the given
	// version. The target must currently be published (KindValidation
	// otherwise). Activating the already-active version is a no-op.
	ActivateVersion(ctx context.Context, versionID string, audit map[string]interface{}) error

	// HealthCheck verifies the backing storage is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases backing resources.
	Close() error
}

// Audit-record actions appended by the store implementations.
const (
	auditActionCreated          = "created"
	auditActionStatusUpdated    = "status-updated"
	auditActionVersionActivated = "version-activated"
)
