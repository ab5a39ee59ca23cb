package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/loadstone-io/loadstone/internal/catalog"
	"github.com/loadstone-io/loadstone/internal/storage/kv"
)

type (
	// LoadEntry is one element of a load batch, naming its target table.
	// This is the canonical shape; the other accepted shapes normalize
	// to it.
	LoadEntry struct {
		Table string          `json:"table"`
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}

	// TableEntry is one element of a single-table load batch.
	TableEntry struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}

	// EntryResult is one entry read. Found is false when the key has no
	// value under the resolved version. The two version ids feed the
	// response headers that give readers repeatable reads across a
	// publish cutover.
	EntryResult struct {
		ActiveVersionID string
		VersionID       string
		Value           []byte
		Found           bool
	}

	// BatchResult is a batch entry read. Data holds the hits; Missing the
	// requested keys without a value, in request order.
	BatchResult struct {
		ActiveVersionID string
		VersionID       string
		Data            map[string]json.RawMessage
		Missing         []string
	}
)

// LoadEntries writes a batch of entries into a version. The checks run in
// order and fail loudly: the version must exist, must belong to the named
// dataset, must be awaiting entries, and every referenced table must exist
// in the dataset. The dataset record is fetched once per call regardless of
// batch size.
func (s *Service) LoadEntries(ctx context.Context, versionID, dataset string, batch []LoadEntry) error {
	version, err := s.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}

	if version.Dataset != dataset {
		verr := catalog.NewValidation("invalid-version-for-dataset",
			fmt.Sprintf("version %s belongs to dataset %s, not %s", versionID, version.Dataset, dataset))
		verr.Detail = map[string]interface{}{"version": version}

		return verr
	}

	if version.Status != catalog.StatusAwaitingEntries {
		verr := catalog.NewValidation("invalid-version-state",
			fmt.Sprintf("version %s is %s; entries load only while %s",
				versionID, version.Status, catalog.StatusAwaitingEntries))
		verr.Detail = map[string]interface{}{"version": version}

		return verr
	}

	if err := s.checkTables(ctx, dataset, batch); err != nil {
		return err
	}

	entries := make([]kv.Entry, 0, len(batch))
	for _, e := range batch {
		entries = append(entries, kv.Entry{
			Key:   kv.EntryKey{Dataset: dataset, Version: versionID, Table: e.Table, Key: e.Key},
			Value: []byte(e.Value),
		})
	}

	if err := s.entries.PutBatch(ctx, entries); err != nil {
		return err
	}

	s.logger.Debug("entries loaded",
		slog.String("dataset", dataset),
		slog.String("version_id", versionID),
		slog.Int("count", len(entries)))

	return nil
}

// LoadTableEntries loads a batch targeting a single table.
func (s *Service) LoadTableEntries(ctx context.Context, versionID, dataset, table string, entries []TableEntry) error {
	batch := make([]LoadEntry, 0, len(entries))
	for _, e := range entries {
		batch = append(batch, LoadEntry{Table: table, Key: e.Key, Value: e.Value})
	}

	return s.LoadEntries(ctx, versionID, dataset, batch)
}

// LoadEntry loads a single entry.
func (s *Service) LoadEntry(ctx context.Context, versionID, dataset, table, key string, value json.RawMessage) error {
	return s.LoadEntries(ctx, versionID, dataset, []LoadEntry{{Table: table, Key: key, Value: value}})
}

// checkTables collects every referenced table missing from the dataset into
// one not-found error, first-reference order.
func (s *Service) checkTables(ctx context.Context, dataset string, batch []LoadEntry) error {
	record, ok, err := s.metadata.GetDataset(ctx, dataset)
	if err != nil {
		return err
	}

	var missing []map[string]interface{}

	seen := make(map[string]bool, len(batch))

	for _, e := range batch {
		if seen[e.Table] {
			continue
		}

		seen[e.Table] = true

		if !ok || !record.HasTable(e.Table) {
			missing = append(missing, map[string]interface{}{
				"dataset": dataset,
				"table":   e.Table,
			})
		}
	}

	if len(missing) > 0 {
		nerr := catalog.NewNotFound("tables-not-found",
			fmt.Sprintf("%d referenced table(s) not found in dataset %s", len(missing), dataset))
		nerr.Detail = map[string]interface{}{"missing-tables": missing}

		return nerr
	}

	return nil
}

// GetEntry reads one entry. An empty versionID resolves through the
// dataset's active version.
func (s *Service) GetEntry(ctx context.Context, versionID, dataset, table, key string) (*EntryResult, error) {
	resolved, active, err := s.resolveVersion(ctx, versionID, dataset)
	if err != nil {
		return nil, err
	}

	value, found, err := s.entries.Get(ctx, kv.EntryKey{
		Dataset: dataset,
		Version: resolved,
		Table:   table,
		Key:     key,
	})
	if err != nil {
		return nil, err
	}

	return &EntryResult{
		ActiveVersionID: active,
		VersionID:       resolved,
		Value:           value,
		Found:           found,
	}, nil
}

// GetEntries reads a batch of keys from one table. Every requested key is
// accounted for, either in Data or in Missing.
func (s *Service) GetEntries(ctx context.Context, versionID, dataset, table string, keys []string) (*BatchResult, error) {
	resolved, active, err := s.resolveVersion(ctx, versionID, dataset)
	if err != nil {
		return nil, err
	}

	unique := make([]string, 0, len(keys))
	entryKeys := make([]kv.EntryKey, 0, len(keys))
	seen := make(map[string]bool, len(keys))

	for _, key := range keys {
		if seen[key] {
			continue
		}

		seen[key] = true
		unique = append(unique, key)
		entryKeys = append(entryKeys, kv.EntryKey{
			Dataset: dataset,
			Version: resolved,
			Table:   table,
			Key:     key,
		})
	}

	results, err := s.entries.GetBatch(ctx, entryKeys)
	if err != nil {
		return nil, err
	}

	out := &BatchResult{
		ActiveVersionID: active,
		VersionID:       resolved,
		Data:            make(map[string]json.RawMessage, len(unique)),
	}

	for i, key := range unique {
		result := results[entryKeys[i]]
		if result.Found {
			out.Data[key] = json.RawMessage(result.Value)
		} else {
			out.Missing = append(out.Missing, key)
		}
	}

	return out, nil
}

// resolveVersion picks the version a read targets and reports the dataset's
// current active version alongside. Reads without an explicit version fail
// with KindValidation when the dataset has never published.
func (s *Service) resolveVersion(ctx context.Context, versionID, dataset string) (resolved, active string, err error) {
	record, ok, err := s.cache.get(ctx, dataset)
	if err != nil {
		return "", "", err
	}

	if !ok {
		return "", "", catalog.NewNotFound("dataset-not-found", "dataset "+dataset+" not found")
	}

	if versionID != "" {
		return versionID, record.ActiveVersion, nil
	}

	if record.ActiveVersion == "" {
		return "", "", catalog.NewValidation("no-active-version",
			"dataset "+dataset+" has no active version; pass version-id explicitly")
	}

	return record.ActiveVersion, record.ActiveVersion, nil
}
