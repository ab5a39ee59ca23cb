package catalog

import (
	"errors"
	"fmt"
	"regexp"
)

// Sentinel errors for record validation. Use with errors.Is().
var (
	ErrNilRecord          = errors.New("record cannot be nil")
	ErrInvalidName        = errors.New("name must be a web-safe non-empty string")
	ErrNoTables           = errors.New("tables must not be empty")
	ErrInvalidTable       = errors.New("table name must be a web-safe non-empty string")
	ErrDuplicateTable     = errors.New("duplicate table name")
	ErrInvalidContentType = errors.New("unsupported content type")
	ErrInvalidEviction    = errors.New("invalid eviction policy")
	ErrMissingVersionID   = errors.New("version id is required")
	ErrMissingDataset     = errors.New("version must name its dataset")
	ErrInvalidStatus      = errors.New("unknown status")
	ErrMissingKey         = errors.New("key must be a web-safe non-empty string")
)

// webSafePattern matches the names this store accepts for datasets, tables
// and entry keys: the URL-unreserved characters of RFC 3986, at least one.
var webSafePattern = regexp.MustCompile(`^[A-Za-z0-9._~-]+$`)

// WebSafe reports whether s is a non-empty string of URL-unreserved
// characters.
func WebSafe(s string) bool {
	return webSafePattern.MatchString(s)
}

// ApplyDatasetDefaults fills the optional dataset fields a create request may
// omit: content type and eviction policy.
func ApplyDatasetDefaults(d *Dataset) {
	if d == nil {
		return
	}

	if d.ContentType == "" {
		d.ContentType = ContentTypeJSON
	}

	if d.EvictionPolicy.Type == "" {
		d.EvictionPolicy.Type = EvictionKeepLastX
	}

	if d.EvictionPolicy.Versions == 0 {
		d.EvictionPolicy.Versions = DefaultEvictionVersions
	}
}

// ValidateDataset checks the shape of a dataset record before it touches
// storage. Defaults must already be applied.
func ValidateDataset(d *Dataset) error {
	if d == nil {
		return ErrNilRecord
	}

	if !WebSafe(d.Name) {
		return fmt.Errorf("%w, got %q", ErrInvalidName, d.Name)
	}

	if len(d.Tables) == 0 {
		return ErrNoTables
	}

	seen := make(map[string]bool, len(d.Tables))

	for _, table := range d.Tables {
		if !WebSafe(table) {
			return fmt.Errorf("%w, got %q", ErrInvalidTable, table)
		}

		if seen[table] {
			return fmt.Errorf("%w: %q", ErrDuplicateTable, table)
		}

		seen[table] = true
	}

	if d.ContentType != ContentTypeJSON {
		return fmt.Errorf("%w: %q (only %s)", ErrInvalidContentType, d.ContentType, ContentTypeJSON)
	}

	if d.EvictionPolicy.Type != EvictionKeepLastX {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEviction, d.EvictionPolicy.Type)
	}

	if d.EvictionPolicy.Versions <= 0 {
		return fmt.Errorf("%w: versions must be positive, got %d", ErrInvalidEviction, d.EvictionPolicy.Versions)
	}

	return nil
}

// ValidateVersion checks the shape of a version record before it touches
// storage.
func ValidateVersion(v *Version) error {
	if v == nil {
		return ErrNilRecord
	}

	if v.ID == "" {
		return ErrMissingVersionID
	}

	if v.Dataset == "" {
		return ErrMissingDataset
	}

	if !WebSafe(v.Dataset) {
		return fmt.Errorf("%w, got %q", ErrInvalidName, v.Dataset)
	}

	if !v.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, v.Status)
	}

	return nil
}
