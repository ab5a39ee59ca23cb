package metadata

import (
	"context"
	"errors"
	"testing"

	"github.com/loadstone-io/loadstone/internal/catalog"
)

func testDataset(name string) *catalog.Dataset {
	return &catalog.Dataset{
		Name:        name,
		Tables:      []string{"profiles", "settings"},
		ContentType: catalog.ContentTypeJSON,
		EvictionPolicy: catalog.EvictionPolicy{
			Type:     catalog.EvictionKeepLastX,
			Versions: 5,
		},
	}
}

func testVersion(id, dataset string) *catalog.Version {
	return &catalog.Version{
		ID:      id,
		Dataset: dataset,
		Label:   "nightly",
	}
}

// errorKind unwraps err down to the structured error and returns its kind.
func errorKind(t *testing.T, err error) catalog.Kind {
	t.Helper()

	var cerr *catalog.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected a catalog error, got %v", err)
	}

	return cerr.Kind
}

func errorCode(t *testing.T, err error) string {
	t.Helper()

	var cerr *catalog.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected a catalog error, got %v", err)
	}

	return cerr.Code
}

// walkTo drives a freshly created version through the lifecycle to target.
func walkTo(t *testing.T, store Store, versionID string, target catalog.Status) *catalog.Version {
	t.Helper()

	path := []catalog.Status{
		catalog.StatusAwaitingEntries,
		catalog.StatusSaving,
		catalog.StatusSaved,
		catalog.StatusPublishing,
		catalog.StatusPublished,
	}

	var record *catalog.Version

	for _, status := range path {
		var err error

		record, err = store.UpdateStatus(context.Background(), versionID, status, nil)
		if err != nil {
			t.Fatalf("UpdateStatus(%q, %q) unexpected error: %v", versionID, status, err)
		}

		if status == target {
			return record
		}
	}

	t.Fatalf("walkTo: %q is not on the forward path", target)

	return nil
}

func TestInMemoryStoreCreateDataset(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()

	t.Run("creates a dataset with fresh bookkeeping", func(t *testing.T) {
		store := NewInMemoryStore()

		input := testDataset("user-scores")
		input.ActiveVersion = "leftover"

		record, err := store.CreateDataset(ctx, input)
		if err != nil {
			t.Fatalf("CreateDataset() unexpected error: %v", err)
		}

		if record.Name != "user-scores" {
			t.Errorf("CreateDataset() Name = %q, want %q", record.Name, "user-scores")
		}

		if record.Ver != 1 {
			t.Errorf("CreateDataset() Ver = %d, want 1", record.Ver)
		}

		if record.ActiveVersion != "" {
			t.Errorf("CreateDataset() ActiveVersion = %q, want empty", record.ActiveVersion)
		}

		if record.CreatedAt.IsZero() {
			t.Error("CreateDataset() CreatedAt is zero")
		}

		if len(record.OperationLog) != 1 {
			t.Fatalf("CreateDataset() operation log has %d records, want 1", len(record.OperationLog))
		}

		if action := record.OperationLog[0]["action"]; action != "created" {
			t.Errorf("CreateDataset() log action = %v, want created", action)
		}
	})

	t.Run("rejects a duplicate name", func(t *testing.T) {
		store := NewInMemoryStore()

		if _, err := store.CreateDataset(ctx, testDataset("user-scores")); err != nil {
			t.Fatalf("CreateDataset() unexpected error: %v", err)
		}

		_, err := store.CreateDataset(ctx, testDataset("user-scores"))
		if err == nil {
			t.Fatal("CreateDataset() expected error for duplicate name, got nil")
		}

		if kind := errorKind(t, err); kind != catalog.KindAlreadyExists {
			t.Errorf("CreateDataset() error kind = %q, want %q", kind, catalog.KindAlreadyExists)
		}
	})

	t.Run("returned record is a copy", func(t *testing.T) {
		store := NewInMemoryStore()

		record, err := store.CreateDataset(ctx, testDataset("user-scores"))
		if err != nil {
			t.Fatalf("CreateDataset() unexpected error: %v", err)
		}

		record.Tables[0] = "mutated"
		record.OperationLog[0]["action"] = "mutated"

		fresh, found, err := store.GetDataset(ctx, "user-scores")
		if err != nil || !found {
			t.Fatalf("GetDataset() = (found=%v, err=%v), want found", found, err)
		}

		if fresh.Tables[0] != "profiles" {
			t.Errorf("stored Tables[0] = %q, want %q", fresh.Tables[0], "profiles")
		}

		if fresh.OperationLog[0]["action"] != "created" {
			t.Errorf("stored log action = %v, want created", fresh.OperationLog[0]["action"])
		}
	})
}

func TestInMemoryStoreGetDataset(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewInMemoryStore()

	if _, found, err := store.GetDataset(ctx, "missing"); err != nil || found {
		t.Errorf("GetDataset(missing) = (found=%v, err=%v), want (false, nil)", found, err)
	}

	if _, err := store.CreateDataset(ctx, testDataset("user-scores")); err != nil {
		t.Fatalf("CreateDataset() unexpected error: %v", err)
	}

	record, found, err := store.GetDataset(ctx, "user-scores")
	if err != nil || !found {
		t.Fatalf("GetDataset() = (found=%v, err=%v), want found", found, err)
	}

	if record.Name != "user-scores" {
		t.Errorf("GetDataset() Name = %q, want %q", record.Name, "user-scores")
	}
}

func TestInMemoryStoreListDatasets(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewInMemoryStore()

	records, err := store.ListDatasets(ctx)
	if err != nil {
		t.Fatalf("ListDatasets() unexpected error: %v", err)
	}

	if len(records) != 0 {
		t.Errorf("ListDatasets() on empty store returned %d records, want 0", len(records))
	}

	for _, name := range []string{"chess-ratings", "ab-tests", "best-sellers"} {
		if _, err := store.CreateDataset(ctx, testDataset(name)); err != nil {
			t.Fatalf("CreateDataset(%q) unexpected error: %v", name, err)
		}
	}

	records, err = store.ListDatasets(ctx)
	if err != nil {
		t.Fatalf("ListDatasets() unexpected error: %v", err)
	}

	want := []string{"ab-tests", "best-sellers", "chess-ratings"}
	if len(records) != len(want) {
		t.Fatalf("ListDatasets() returned %d records, want %d", len(records), len(want))
	}

	for i, record := range records {
		if record.Name != want[i] {
			t.Errorf("ListDatasets()[%d] = %q, want %q", i, record.Name, want[i])
		}
	}
}

func TestInMemoryStoreCreateVersion(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()

	t.Run("rejects an unknown dataset", func(t *testing.T) {
		store := NewInMemoryStore()

		_, err := store.CreateVersion(ctx, testVersion("v1", "missing"))
		if err == nil {
			t.Fatal("CreateVersion() expected error for unknown dataset, got nil")
		}

		if kind := errorKind(t, err); kind != catalog.KindNotFound {
			t.Errorf("CreateVersion() error kind = %q, want %q", kind, catalog.KindNotFound)
		}
	})

	t.Run("forces the initial status", func(t *testing.T) {
		store := NewInMemoryStore()

		if _, err := store.CreateDataset(ctx, testDataset("user-scores")); err != nil {
			t.Fatalf("CreateDataset() unexpected error: %v", err)
		}

		input := testVersion("v1", "user-scores")
		input.Status = catalog.StatusSaved

		record, err := store.CreateVersion(ctx, input)
		if err != nil {
			t.Fatalf("CreateVersion() unexpected error: %v", err)
		}

		if record.Status != catalog.StatusPreparing {
			t.Errorf("CreateVersion() Status = %q, want %q", record.Status, catalog.StatusPreparing)
		}

		if record.Ver != 1 {
			t.Errorf("CreateVersion() Ver = %d, want 1", record.Ver)
		}

		if len(record.OperationLog) != 1 {
			t.Errorf("CreateVersion() operation log has %d records, want 1", len(record.OperationLog))
		}
	})

	t.Run("rejects a duplicate id", func(t *testing.T) {
		store := NewInMemoryStore()

		if _, err := store.CreateDataset(ctx, testDataset("user-scores")); err != nil {
			t.Fatalf("CreateDataset() unexpected error: %v", err)
		}

		if _, err := store.CreateVersion(ctx, testVersion("v1", "user-scores")); err != nil {
			t.Fatalf("CreateVersion() unexpected error: %v", err)
		}

		_, err := store.CreateVersion(ctx, testVersion("v1", "user-scores"))
		if err == nil {
			t.Fatal("CreateVersion() expected error for duplicate id, got nil")
		}

		if kind := errorKind(t, err); kind != catalog.KindAlreadyExists {
			t.Errorf("CreateVersion() error kind = %q, want %q", kind, catalog.KindAlreadyExists)
		}
	})
}

func TestInMemoryStoreListVersions(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewInMemoryStore()

	for _, name := range []string{"user-scores", "ab-tests"} {
		if _, err := store.CreateDataset(ctx, testDataset(name)); err != nil {
			t.Fatalf("CreateDataset(%q) unexpected error: %v", name, err)
		}
	}

	creations := []struct {
		id      string
		dataset string
	}{
		{"v3", "user-scores"},
		{"v1", "ab-tests"},
		{"v2", "user-scores"},
	}

	for _, c := range creations {
		if _, err := store.CreateVersion(ctx, testVersion(c.id, c.dataset)); err != nil {
			t.Fatalf("CreateVersion(%q) unexpected error: %v", c.id, err)
		}
	}

	t.Run("per dataset in creation order", func(t *testing.T) {
		records, err := store.ListVersions(ctx, "user-scores")
		if err != nil {
			t.Fatalf("ListVersions() unexpected error: %v", err)
		}

		want := []string{"v3", "v2"}
		if len(records) != len(want) {
			t.Fatalf("ListVersions() returned %d records, want %d", len(records), len(want))
		}

		for i, record := range records {
			if record.ID != want[i] {
				t.Errorf("ListVersions()[%d] = %q, want %q", i, record.ID, want[i])
			}
		}
	})

	t.Run("unknown dataset yields an empty list", func(t *testing.T) {
		records, err := store.ListVersions(ctx, "missing")
		if err != nil {
			t.Fatalf("ListVersions() unexpected error: %v", err)
		}

		if len(records) != 0 {
			t.Errorf("ListVersions(missing) returned %d records, want 0", len(records))
		}
	})

	t.Run("all versions in global creation order", func(t *testing.T) {
		records, err := store.ListAllVersions(ctx)
		if err != nil {
			t.Fatalf("ListAllVersions() unexpected error: %v", err)
		}

		want := []string{"v3", "v1", "v2"}
		if len(records) != len(want) {
			t.Fatalf("ListAllVersions() returned %d records, want %d", len(records), len(want))
		}

		for i, record := range records {
			if record.ID != want[i] {
				t.Errorf("ListAllVersions()[%d] = %q, want %q", i, record.ID, want[i])
			}
		}
	})
}

func TestInMemoryStoreUpdateStatus(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewInMemoryStore()

	if _, err := store.CreateDataset(ctx, testDataset("user-scores")); err != nil {
		t.Fatalf("CreateDataset() unexpected error: %v", err)
	}

	if _, err := store.CreateVersion(ctx, testVersion("v1", "user-scores")); err != nil {
		t.Fatalf("CreateVersion() unexpected error: %v", err)
	}

	record := walkTo(t, store, "v1", catalog.StatusPublished)

	if record.Status != catalog.StatusPublished {
		t.Errorf("walk ended at %q, want %q", record.Status, catalog.StatusPublished)
	}

	// created + five transitions
	if record.Ver != 6 {
		t.Errorf("Ver after walk = %d, want 6", record.Ver)
	}

	if len(record.OperationLog) != 6 {
		t.Fatalf("operation log has %d records after walk, want 6", len(record.OperationLog))
	}

	record, err := store.UpdateStatus(ctx, "v1", catalog.StatusSaved, map[string]interface{}{"reason": "superseded"})
	if err != nil {
		t.Fatalf("UpdateStatus(published -> saved) unexpected error: %v", err)
	}

	last := record.OperationLog[len(record.OperationLog)-1]

	if last["action"] != "status-updated" {
		t.Errorf("last log action = %v, want status-updated", last["action"])
	}

	if last["status"] != string(catalog.StatusSaved) {
		t.Errorf("last log status = %v, want %q", last["status"], catalog.StatusSaved)
	}

	if last["reason"] != "superseded" {
		t.Errorf("last log reason = %v, want superseded", last["reason"])
	}

	if _, ok := last["timestamp"]; !ok {
		t.Error("last log record has no timestamp")
	}
}

func TestInMemoryStoreUpdateStatusNoOp(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewInMemoryStore()

	if _, err := store.CreateDataset(ctx, testDataset("user-scores")); err != nil {
		t.Fatalf("CreateDataset() unexpected error: %v", err)
	}

	if _, err := store.CreateVersion(ctx, testVersion("v1", "user-scores")); err != nil {
		t.Fatalf("CreateVersion() unexpected error: %v", err)
	}

	record, err := store.UpdateStatus(ctx, "v1", catalog.StatusPreparing, map[string]interface{}{"reason": "redelivery"})
	if err != nil {
		t.Fatalf("UpdateStatus(same status) unexpected error: %v", err)
	}

	if record.Ver != 1 {
		t.Errorf("Ver after no-op = %d, want 1", record.Ver)
	}

	if len(record.OperationLog) != 1 {
		t.Errorf("operation log has %d records after no-op, want 1", len(record.OperationLog))
	}
}

func TestInMemoryStoreUpdateStatusInvalid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()

	t.Run("unknown version", func(t *testing.T) {
		store := NewInMemoryStore()

		_, err := store.UpdateStatus(ctx, "missing", catalog.StatusSaving, nil)
		if err == nil {
			t.Fatal("UpdateStatus() expected error for unknown version, got nil")
		}

		if kind := errorKind(t, err); kind != catalog.KindNotFound {
			t.Errorf("UpdateStatus() error kind = %q, want %q", kind, catalog.KindNotFound)
		}
	})

	tests := []struct {
		name    string
		prepare catalog.Status
		target  catalog.Status
	}{
		{"skipping a stage", catalog.StatusPreparing, catalog.StatusSaved},
		{"reversing a stage", catalog.StatusSaving, catalog.StatusAwaitingEntries},
		{"leaving a terminal state", catalog.StatusDiscarded, catalog.StatusPreparing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewInMemoryStore()

			if _, err := store.CreateDataset(ctx, testDataset("user-scores")); err != nil {
				t.Fatalf("CreateDataset() unexpected error: %v", err)
			}

			if _, err := store.CreateVersion(ctx, testVersion("v1", "user-scores")); err != nil {
				t.Fatalf("CreateVersion() unexpected error: %v", err)
			}

			if tt.prepare == catalog.StatusDiscarded {
				if _, err := store.UpdateStatus(ctx, "v1", catalog.StatusDiscarded, nil); err != nil {
					t.Fatalf("UpdateStatus(discard) unexpected error: %v", err)
				}
			} else if tt.prepare != catalog.StatusPreparing {
				walkTo(t, store, "v1", tt.prepare)
			}

			_, err := store.UpdateStatus(ctx, "v1", tt.target, nil)
			if err == nil {
				t.Fatalf("UpdateStatus(%q -> %q) expected error, got nil", tt.prepare, tt.target)
			}

			if kind := errorKind(t, err); kind != catalog.KindValidation {
				t.Errorf("UpdateStatus() error kind = %q, want %q", kind, catalog.KindValidation)
			}

			if code := errorCode(t, err); code != "invalid-transition" {
				t.Errorf("UpdateStatus() error code = %q, want invalid-transition", code)
			}

			var cerr *catalog.Error
			if errors.As(err, &cerr) && cerr.Detail["version"] == nil {
				t.Error("UpdateStatus() error detail has no version record")
			}
		})
	}
}

func TestInMemoryStoreUpdateStatusConflict(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewInMemoryStore()

	if _, err := store.CreateDataset(ctx, testDataset("user-scores")); err != nil {
		t.Fatalf("CreateDataset() unexpected error: %v", err)
	}

	if _, err := store.CreateVersion(ctx, testVersion("v1", "user-scores")); err != nil {
		t.Fatalf("CreateVersion() unexpected error: %v", err)
	}

	stale, exists := store.snapshotVersion("v1")
	if !exists {
		t.Fatal("snapshotVersion() did not find v1")
	}

	// A concurrent writer lands first.
	if _, err := store.UpdateStatus(ctx, "v1", catalog.StatusAwaitingEntries, nil); err != nil {
		t.Fatalf("UpdateStatus() unexpected error: %v", err)
	}

	_, err := store.casUpdateStatus("v1", catalog.StatusDiscarded, nil, stale)
	if err == nil {
		t.Fatal("casUpdateStatus() with a stale snapshot expected conflict, got nil")
	}

	if kind := errorKind(t, err); kind != catalog.KindConflict {
		t.Errorf("casUpdateStatus() error kind = %q, want %q", kind, catalog.KindConflict)
	}
}

func TestInMemoryStoreActivateVersion(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()

	t.Run("unknown version", func(t *testing.T) {
		store := NewInMemoryStore()

		err := store.ActivateVersion(ctx, "missing", nil)
		if err == nil {
			t.Fatal("ActivateVersion() expected error for unknown version, got nil")
		}

		if kind := errorKind(t, err); kind != catalog.KindNotFound {
			t.Errorf("ActivateVersion() error kind = %q, want %q", kind, catalog.KindNotFound)
		}
	})

	t.Run("rejects a version that is not published", func(t *testing.T) {
		store := NewInMemoryStore()

		if _, err := store.CreateDataset(ctx, testDataset("user-scores")); err != nil {
			t.Fatalf("CreateDataset() unexpected error: %v", err)
		}

		if _, err := store.CreateVersion(ctx, testVersion("v1", "user-scores")); err != nil {
			t.Fatalf("CreateVersion() unexpected error: %v", err)
		}

		err := store.ActivateVersion(ctx, "v1", nil)
		if err == nil {
			t.Fatal("ActivateVersion() expected error for unpublished version, got nil")
		}

		if code := errorCode(t, err); code != "version-not-published" {
			t.Errorf("ActivateVersion() error code = %q, want version-not-published", code)
		}
	})

	t.Run("activates and is idempotent", func(t *testing.T) {
		store := NewInMemoryStore()

		if _, err := store.CreateDataset(ctx, testDataset("user-scores")); err != nil {
			t.Fatalf("CreateDataset() unexpected error: %v", err)
		}

		if _, err := store.CreateVersion(ctx, testVersion("v1", "user-scores")); err != nil {
			t.Fatalf("CreateVersion() unexpected error: %v", err)
		}

		walkTo(t, store, "v1", catalog.StatusPublished)

		if err := store.ActivateVersion(ctx, "v1", map[string]interface{}{"actor": "worker"}); err != nil {
			t.Fatalf("ActivateVersion() unexpected error: %v", err)
		}

		dataset, found, err := store.GetDataset(ctx, "user-scores")
		if err != nil || !found {
			t.Fatalf("GetDataset() = (found=%v, err=%v), want found", found, err)
		}

		if dataset.ActiveVersion != "v1" {
			t.Errorf("ActiveVersion = %q, want v1", dataset.ActiveVersion)
		}

		last := dataset.OperationLog[len(dataset.OperationLog)-1]

		if last["action"] != "version-activated" {
			t.Errorf("last dataset log action = %v, want version-activated", last["action"])
		}

		if last["version-id"] != "v1" {
			t.Errorf("last dataset log version-id = %v, want v1", last["version-id"])
		}

		verBefore := dataset.Ver

		if err := store.ActivateVersion(ctx, "v1", nil); err != nil {
			t.Fatalf("ActivateVersion() repeat unexpected error: %v", err)
		}

		dataset, _, err = store.GetDataset(ctx, "user-scores")
		if err != nil {
			t.Fatalf("GetDataset() unexpected error: %v", err)
		}

		if dataset.Ver != verBefore {
			t.Errorf("Ver after repeat activation = %d, want %d", dataset.Ver, verBefore)
		}
	})
}

func TestInMemoryStoreHealthCheck(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := NewInMemoryStore()

	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() unexpected error: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Errorf("Close() unexpected error: %v", err)
	}
}
