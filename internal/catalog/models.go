// Package catalog defines the dataset and version records at the heart of the
// store, the version lifecycle state machine, and the structured errors every
// other component maps onto its own surface.
//
// A Dataset names a logical collection of tables. A Version is one immutable
// staging area for a dataset's contents, progressing through the lifecycle in
// lifecycle.go. Both records carry an append-only operation log and a
// monotonic counter used for compare-and-set writes by the metadata store.
package catalog

import (
	"time"
)

// ContentTypeJSON is the only content type the store recognizes.
const ContentTypeJSON = "application/json"

// EvictionKeepLastX is the only eviction policy type the store recognizes.
// The policy is stored and round-tripped; eviction itself never runs here.
const EvictionKeepLastX = "keep-last-x-versions"

// DefaultEvictionVersions is the version count applied when a create request
// omits the eviction policy.
const DefaultEvictionVersions = 10

type (
	// Status is a version lifecycle state. Transitions between statuses are
	// validated by ValidateTransition; anything outside the lifecycle graph
	// is rejected.
	Status string

	// EvictionPolicy describes how many saved versions of a dataset are worth
	// keeping around. Enforcement is a separate process; the core only stores
	// and validates the policy.
	EvictionPolicy struct {
		Type     string `json:"type"`
		Versions int    `json:"versions"`
	}

	// AuditRecord is one entry of an operation log: a flat map holding at
	// least "action" and "timestamp" plus whatever context the caller supplied.
	AuditRecord map[string]interface{}

	// Dataset names a logical collection of tables and points at the version
	// currently serving reads. The name doubles as the identifier.
	Dataset struct {
		// Name is unique across the store and immutable. Web-safe.
		Name string `json:"name"`

		// Tables is the non-empty set of table names entries may target.
		// Immutable after creation.
		Tables []string `json:"tables"`

		// ContentType is fixed to application/json in this core.
		ContentType string `json:"content-type"`

		EvictionPolicy EvictionPolicy `json:"eviction-policy"`

		// ActiveVersion is the id of the version serving reads when a caller
		// does not name one. Empty until a version of this dataset has been
		// published for the first time; after that it always points at the
		// published version, or at the most recently published one when none
		// is currently published. Mutated only by the publish handler.
		ActiveVersion string `json:"active-version,omitempty"`

		// OperationLog is append-only; one record per mutation.
		OperationLog []AuditRecord `json:"operation-log,omitempty"`

		// Ver is the compare-and-set counter. Bumped on every write.
		Ver int64 `json:"__ver"`

		CreatedAt time.Time `json:"created-at"`
	}

	// Version is an immutable staging area for one dataset. Entries may only
	// be written while the version is awaiting-entries; after a publish the
	// version's contents serve reads until another version takes over.
	Version struct {
		// ID is an opaque unique identifier (a UUID in practice).
		ID string `json:"id"`

		// Label is an optional human-readable tag.
		Label string `json:"label,omitempty"`

		// Dataset names the owning dataset. Immutable.
		Dataset string `json:"dataset"`

		Status Status `json:"status"`

		// VerificationPolicy is round-tripped for the verify-data extension
		// point; the core never interprets it.
		VerificationPolicy map[string]interface{} `json:"verification-policy,omitempty"`

		// OperationLog is append-only; one record per status transition plus
		// the creation record.
		OperationLog []AuditRecord `json:"operation-log,omitempty"`

		// Ver is the compare-and-set counter. Bumped on every write.
		Ver int64 `json:"__ver"`

		CreatedAt time.Time `json:"created-at"`
		UpdatedAt time.Time `json:"updated-at"`
	}
)

// Version lifecycle states. See lifecycle.go for the transition graph.
const (
	StatusPreparing       Status = "preparing"
	StatusAwaitingEntries Status = "awaiting-entries"
	StatusSaving          Status = "saving"
	StatusSaved           Status = "saved"
	StatusPublishing      Status = "publishing"
	StatusPublished       Status = "published"
	StatusDiscarded       Status = "discarded"
	StatusFailed          Status = "failed"
)

// Valid reports whether s is one of the recognized lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPreparing, StatusAwaitingEntries, StatusSaving, StatusSaved,
		StatusPublishing, StatusPublished, StatusDiscarded, StatusFailed:
		return true
	}

	return false
}

// IsTerminal reports whether s admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusDiscarded || s == StatusFailed
}

// NewAuditRecord builds an operation-log record for action, stamped with the
// current time. Extra context keys are merged in; nil extra is fine.
func NewAuditRecord(action string, extra map[string]interface{}) AuditRecord {
	record := AuditRecord{
		"action":    action,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range extra {
		record[k] = v
	}

	return record
}

// Clone returns a deep copy of the dataset. Stores hand out clones so callers
// can never mutate shared state through a returned record.
func (d *Dataset) Clone() *Dataset {
	if d == nil {
		return nil
	}

	clone := *d
	clone.Tables = append([]string(nil), d.Tables...)
	clone.OperationLog = cloneLog(d.OperationLog)

	return &clone
}

// HasTable reports whether name is one of the dataset's tables.
func (d *Dataset) HasTable(name string) bool {
	for _, t := range d.Tables {
		if t == name {
			return true
		}
	}

	return false
}

// Clone returns a deep copy of the version.
func (v *Version) Clone() *Version {
	if v == nil {
		return nil
	}

	clone := *v
	clone.OperationLog = cloneLog(v.OperationLog)

	if v.VerificationPolicy != nil {
		clone.VerificationPolicy = make(map[string]interface{}, len(v.VerificationPolicy))
		for k, val := range v.VerificationPolicy {
			clone.VerificationPolicy[k] = val
		}
	}

	return &clone
}

func cloneLog(log []AuditRecord) []AuditRecord {
	if log == nil {
		return nil
	}

	out := make([]AuditRecord, len(log))

	for i, rec := range log {
		cp := make(AuditRecord, len(rec))
		for k, v := range rec {
			cp[k] = v
		}

		out[i] = cp
	}

	return out
}
