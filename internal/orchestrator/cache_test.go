package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/loadstone-io/loadstone/internal/catalog"
	"github.com/loadstone-io/loadstone/internal/storage/metadata"
)

func TestDatasetCache(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()

	// fixedClock mirrors the queue tests: no sleeping for TTL expiry.
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	advance := func(d time.Duration) { current = current.Add(d) }

	store := metadata.NewInMemoryStore()
	cache := newDatasetCache(store, 10*time.Second)
	cache.now = func() time.Time { return current }

	t.Run("absence is not cached", func(t *testing.T) {
		if _, ok, err := cache.get(ctx, "recs"); ok || err != nil {
			t.Fatalf("get() on empty store = ok=%v err=%v, want a miss", ok, err)
		}

		if _, err := store.CreateDataset(ctx, &catalog.Dataset{
			Name:        "recs",
			Tables:      []string{"items"},
			ContentType: catalog.ContentTypeJSON,
			EvictionPolicy: catalog.EvictionPolicy{
				Type:     catalog.EvictionKeepLastX,
				Versions: 5,
			},
		}); err != nil {
			t.Fatalf("CreateDataset() unexpected error: %v", err)
		}

		// Visible immediately, no negative entry in the way.
		dataset, ok, err := cache.get(ctx, "recs")
		if !ok || err != nil {
			t.Fatalf("get() after create = ok=%v err=%v, want a hit", ok, err)
		}

		if dataset.Name != "recs" {
			t.Errorf("get() Name = %q, want recs", dataset.Name)
		}
	})

	t.Run("serves stale inside the ttl", func(t *testing.T) {
		version, err := store.CreateVersion(ctx, &catalog.Version{ID: "v1", Dataset: "recs"})
		if err != nil {
			t.Fatalf("CreateVersion() unexpected error: %v", err)
		}

		for _, status := range []catalog.Status{
			catalog.StatusAwaitingEntries, catalog.StatusSaving, catalog.StatusSaved, catalog.StatusPublished,
		} {
			if _, err := store.UpdateStatus(ctx, version.ID, status, nil); err != nil {
				t.Fatalf("UpdateStatus(%q) unexpected error: %v", status, err)
			}
		}

		if err := store.ActivateVersion(ctx, version.ID, nil); err != nil {
			t.Fatalf("ActivateVersion() unexpected error: %v", err)
		}

		advance(5 * time.Second)

		dataset, _, err := cache.get(ctx, "recs")
		if err != nil {
			t.Fatalf("get() unexpected error: %v", err)
		}

		if dataset.ActiveVersion != "" {
			t.Errorf("get() inside ttl ActiveVersion = %q, want the stale empty value", dataset.ActiveVersion)
		}
	})

	t.Run("refreshes after the ttl", func(t *testing.T) {
		advance(6 * time.Second)

		dataset, _, err := cache.get(ctx, "recs")
		if err != nil {
			t.Fatalf("get() unexpected error: %v", err)
		}

		if dataset.ActiveVersion != "v1" {
			t.Errorf("get() past ttl ActiveVersion = %q, want v1", dataset.ActiveVersion)
		}
	})

	t.Run("returned records are isolated", func(t *testing.T) {
		first, _, err := cache.get(ctx, "recs")
		if err != nil {
			t.Fatalf("get() unexpected error: %v", err)
		}

		first.ActiveVersion = "tampered"
		first.Tables[0] = "tampered"

		second, _, err := cache.get(ctx, "recs")
		if err != nil {
			t.Fatalf("get() unexpected error: %v", err)
		}

		if second.ActiveVersion == "tampered" || second.Tables[0] == "tampered" {
			t.Error("mutating a returned record leaked into the cache")
		}
	})
}
