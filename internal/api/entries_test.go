package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadstone-io/loadstone/internal/catalog"
)

// loadReady provisions a dataset and a version in the entry-accepting state.
func loadReady(t *testing.T, ts *testServer, dataset string, tables ...string) string {
	t.Helper()

	ts.createDataset(t, dataset, tables...)

	id := ts.createVersion(t, dataset)
	ts.advance(t, id, catalog.StatusAwaitingEntries)

	return id
}

func TestLoadEntries(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ts := newTestServer(t)
	id := loadReady(t, ts, "recs", "items", "users")

	t.Run("LoadsBatchAcrossTables", func(t *testing.T) {
		rr := ts.do(t, http.MethodPost, "/v1/datasets/recs?version-id="+id, []map[string]interface{}{
			{"table": "items", "key": "k1", "value": "v1val"},
			{"table": "users", "key": "u1", "value": map[string]interface{}{"name": "ada"}},
		})

		assert.Equal(t, http.StatusOK, rr.Code, "Response: %s", rr.Body.String())

		var response loadEntriesResponse

		decodeJSON(t, rr, &response)
		assert.Equal(t, "ok", response.Status)
		assert.Equal(t, 2, response.EntriesLoaded)
	})

	t.Run("MissingVersionIDRejected", func(t *testing.T) {
		rr := ts.do(t, http.MethodPost, "/v1/datasets/recs", []map[string]interface{}{
			{"table": "items", "key": "k1", "value": "v"},
		})

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "missing-version-id", decodeError(t, rr).Code)
	})

	t.Run("UnknownVersionIs404", func(t *testing.T) {
		rr := ts.do(t, http.MethodPost, "/v1/datasets/recs?version-id=no-such-id", []map[string]interface{}{
			{"table": "items", "key": "k1", "value": "v"},
		})

		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, "version-not-found", decodeError(t, rr).Code)
	})

	t.Run("VersionOfOtherDatasetRejected", func(t *testing.T) {
		otherID := loadReady(t, ts, "ads", "banners")

		rr := ts.do(t, http.MethodPost, "/v1/datasets/recs?version-id="+otherID, []map[string]interface{}{
			{"table": "items", "key": "k1", "value": "v"},
		})

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "invalid-version-for-dataset", decodeError(t, rr).Code)
	})

	t.Run("WrongLifecycleStateRejected", func(t *testing.T) {
		preparing := ts.createVersion(t, "recs")

		rr := ts.do(t, http.MethodPost, "/v1/datasets/recs?version-id="+preparing, []map[string]interface{}{
			{"table": "items", "key": "k1", "value": "v"},
		})

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "invalid-version-state", decodeError(t, rr).Code)
	})

	t.Run("UnknownTableListedInResponse", func(t *testing.T) {
		rr := ts.do(t, http.MethodPost, "/v1/datasets/recs?version-id="+id, []map[string]interface{}{
			{"table": "items", "key": "k1", "value": "v"},
			{"table": "nope", "key": "k2", "value": "v"},
		})

		assert.Equal(t, http.StatusNotFound, rr.Code)

		var body map[string]interface{}

		decodeJSON(t, rr, &body)
		assert.Equal(t, "tables-not-found", body["error"])

		missing, ok := body["missing-tables"].([]interface{})
		require.True(t, ok, "missing-tables context should be present: %s", rr.Body.String())
		require.Len(t, missing, 1)

		entry, ok := missing[0].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "nope", entry["table"])
		assert.Equal(t, "recs", entry["dataset"])
	})
}

func TestLoadTableEntries(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ts := newTestServer(t)
	id := loadReady(t, ts, "recs", "items")

	t.Run("LoadsSingleTableBatch", func(t *testing.T) {
		rr := ts.do(t, http.MethodPost, "/v1/datasets/recs/tables/items?version-id="+id, []map[string]interface{}{
			{"key": "k1", "value": "v1val"},
			{"key": "k2", "value": "v2val"},
			{"key": "k3", "value": "v3val"},
		})

		assert.Equal(t, http.StatusOK, rr.Code, "Response: %s", rr.Body.String())

		var response loadEntriesResponse

		decodeJSON(t, rr, &response)
		assert.Equal(t, 3, response.EntriesLoaded)
	})

	t.Run("TableFromPathMustExist", func(t *testing.T) {
		rr := ts.do(t, http.MethodPost, "/v1/datasets/recs/tables/nope?version-id="+id, []map[string]interface{}{
			{"key": "k1", "value": "v"},
		})

		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, "tables-not-found", decodeError(t, rr).Code)
	})

	t.Run("MissingVersionIDRejected", func(t *testing.T) {
		rr := ts.do(t, http.MethodPost, "/v1/datasets/recs/tables/items", []map[string]interface{}{
			{"key": "k1", "value": "v"},
		})

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "missing-version-id", decodeError(t, rr).Code)
	})
}

func TestGetEntry(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ts := newTestServer(t)
	id := loadReady(t, ts, "recs", "items")

	rr := ts.do(t, http.MethodPost, "/v1/datasets/recs/tables/items?version-id="+id, []map[string]interface{}{
		{"key": "k1", "value": map[string]interface{}{"price": 3}},
	})
	require.Equal(t, http.StatusOK, rr.Code, "load entries: %s", rr.Body.String())

	t.Run("ExplicitVersionReturnsRawValue", func(t *testing.T) {
		rr := ts.do(t, http.MethodGet, "/v1/datasets/recs/tables/items/entries/k1?version-id="+id, nil)

		assert.Equal(t, http.StatusOK, rr.Code, "Response: %s", rr.Body.String())
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
		assert.JSONEq(t, `{"price": 3}`, rr.Body.String())
		assert.Equal(t, id, rr.Header().Get("X-Version-Id"))
		assert.Empty(t, rr.Header().Get("X-Active-Version-Id"), "nothing published yet")
	})

	t.Run("NoActiveVersionRejectsImplicitRead", func(t *testing.T) {
		rr := ts.do(t, http.MethodGet, "/v1/datasets/recs/tables/items/entries/k1", nil)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "no-active-version", decodeError(t, rr).Code)
	})

	t.Run("ImplicitReadFollowsActiveVersion", func(t *testing.T) {
		ts.advance(t, id,
			catalog.StatusSaving,
			catalog.StatusSaved,
			catalog.StatusPublishing,
			catalog.StatusPublished,
		)
		require.NoError(t, ts.meta.ActivateVersion(context.Background(), id, nil))

		rr := ts.do(t, http.MethodGet, "/v1/datasets/recs/tables/items/entries/k1", nil)

		assert.Equal(t, http.StatusOK, rr.Code, "Response: %s", rr.Body.String())
		assert.JSONEq(t, `{"price": 3}`, rr.Body.String())
		assert.Equal(t, id, rr.Header().Get("X-Active-Version-Id"))
		assert.Equal(t, id, rr.Header().Get("X-Version-Id"))
	})

	t.Run("MissingKeyIs404WithHeaders", func(t *testing.T) {
		rr := ts.do(t, http.MethodGet, "/v1/datasets/recs/tables/items/entries/nope", nil)

		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, "key-not-found", decodeError(t, rr).Code)
		assert.Equal(t, id, rr.Header().Get("X-Version-Id"),
			"headers identify the version consulted even on a miss")
	})

	t.Run("UnknownDatasetIs404", func(t *testing.T) {
		rr := ts.do(t, http.MethodGet, "/v1/datasets/nope/tables/items/entries/k1", nil)

		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, "dataset-not-found", decodeError(t, rr).Code)
	})
}

func TestGetEntries(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ts := newTestServer(t)
	id := loadReady(t, ts, "recs", "items")

	rr := ts.do(t, http.MethodPost, "/v1/datasets/recs/tables/items?version-id="+id, []map[string]interface{}{
		{"key": "k1", "value": "v1val"},
		{"key": "k2", "value": "v2val"},
	})
	require.Equal(t, http.StatusOK, rr.Code, "load entries: %s", rr.Body.String())

	t.Run("EveryKeyAccountedFor", func(t *testing.T) {
		rr := ts.do(t, http.MethodGet, "/v1/datasets/recs/tables/items/entries?version-id="+id,
			[]map[string]interface{}{
				{"key": "k1"},
				{"key": "k2"},
				{"key": "missing"},
			})

		assert.Equal(t, http.StatusOK, rr.Code, "Response: %s", rr.Body.String())

		var response batchReadResponse

		decodeJSON(t, rr, &response)
		assert.Equal(t, "ok", response.Status)
		assert.Equal(t, 2, response.KeysFound)
		assert.Equal(t, 1, response.KeysMissing)
		assert.JSONEq(t, `"v1val"`, string(response.Data["k1"]))
		assert.JSONEq(t, `"v2val"`, string(response.Data["k2"]))
		assert.NotContains(t, response.Data, "missing")
		assert.Equal(t, id, rr.Header().Get("X-Version-Id"))
	})

	t.Run("EmptyBatchIsOK", func(t *testing.T) {
		rr := ts.do(t, http.MethodGet, "/v1/datasets/recs/tables/items/entries?version-id="+id,
			[]map[string]interface{}{})

		assert.Equal(t, http.StatusOK, rr.Code)

		var response batchReadResponse

		decodeJSON(t, rr, &response)
		assert.Equal(t, 0, response.KeysFound)
		assert.Equal(t, 0, response.KeysMissing)
	})
}

// TestPublishCutoverReads covers the reader contract across a publish: pinned
// reads stay on their version while implicit reads follow the cutover.
func TestPublishCutoverReads(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ts := newTestServer(t)

	v1 := loadReady(t, ts, "recs", "items")
	loadValue(t, ts, v1, `"first"`)
	ts.publishVersion(t, v1)

	v2 := ts.createVersion(t, "recs")
	ts.advance(t, v2, catalog.StatusAwaitingEntries)
	loadValue(t, ts, v2, `"second"`)
	ts.publishVersion(t, v2)

	t.Run("ImplicitReadSeesNewVersion", func(t *testing.T) {
		rr := ts.do(t, http.MethodGet, "/v1/datasets/recs/tables/items/entries/k1", nil)

		assert.Equal(t, http.StatusOK, rr.Code, "Response: %s", rr.Body.String())
		assert.JSONEq(t, `"second"`, rr.Body.String())
		assert.Equal(t, v2, rr.Header().Get("X-Active-Version-Id"))
		assert.Equal(t, v2, rr.Header().Get("X-Version-Id"))
	})

	t.Run("PinnedReadStaysOnOldVersion", func(t *testing.T) {
		rr := ts.do(t, http.MethodGet, "/v1/datasets/recs/tables/items/entries/k1?version-id="+v1, nil)

		assert.Equal(t, http.StatusOK, rr.Code, "Response: %s", rr.Body.String())
		assert.JSONEq(t, `"first"`, rr.Body.String())
		assert.Equal(t, v2, rr.Header().Get("X-Active-Version-Id"),
			"active header reports the cutover even on pinned reads")
		assert.Equal(t, v1, rr.Header().Get("X-Version-Id"))
	})
}

// loadValue stores one value under items/k1 in the given version.
func loadValue(t *testing.T, ts *testServer, versionID string, value string) {
	t.Helper()

	rr := ts.do(t, http.MethodPost, "/v1/datasets/recs/tables/items?version-id="+versionID,
		[]map[string]interface{}{
			{"key": "k1", "value": json.RawMessage(value)},
		})
	require.Equal(t, http.StatusOK, rr.Code, "load value: %s", rr.Body.String())
}
