// Package kv provides the entry store: opaque values addressed by the
// four-part key (dataset, version, table, key). Values are written while a
// version is loading and read back when the version serves lookups; the store
// itself knows nothing about version lifecycles, that is the orchestrator's
// concern.
//
// Implementations are pluggable like the metadata store: InMemoryStore for
// tests and single-node setups, PostgresStore for durability. EncodedStore
// wraps either with an envelope codec that transparently compresses large
// values.
package kv

import (
	"context"
	"fmt"

	"github.com/loadstone-io/loadstone/internal/catalog"
)

// MaxBatchSize caps how many entries a single batch operation may carry.
const MaxBatchSize = 1000

// EntryKey addresses one value. All four components are required.
type EntryKey struct {
	Dataset string
	Version string
	Table   string
	Key     string
}

func (k EntryKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Dataset, k.Version, k.Table, k.Key)
}

// Entry pairs a key with its value for batch writes.
type Entry struct {
	Key   EntryKey
	Value []byte
}

// Result is one batch-read outcome. Found is false when the key has no value;
// Value is nil in that case.
type Result struct {
	Value []byte
	Found bool
}

// Store is the entry store contract. Writes are last-write-wins upserts;
// reads of absent keys are not errors.
type Store interface {
	// Put stores value under key, overwriting any previous value.
	Put(ctx context.Context, key EntryKey, value []byte) error

	// Get returns the value under key, ok=false when absent.
	Get(ctx context.Context, key EntryKey) ([]byte, bool, error)

	// PutBatch stores all entries. Implementations make the batch atomic
	// where the backend allows it; the in-memory store applies it under one
	// lock, the Postgres store in one transaction.
	PutBatch(ctx context.Context, entries []Entry) error

	// GetBatch returns a result for every requested key, present or not.
	GetBatch(ctx context.Context, keys []EntryKey) (map[EntryKey]Result, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases store resources.
	Close() error
}

func validateKey(key EntryKey) error {
	if key.Dataset == "" || key.Version == "" || key.Table == "" || key.Key == "" {
		return catalog.NewValidation("invalid-entry-key", "entry key components must all be set, got "+key.String())
	}

	return nil
}

func validateBatchSize(size int) error {
	if size == 0 {
		return catalog.NewValidation("empty-batch", "batch must carry at least one entry")
	}

	if size > MaxBatchSize {
		return catalog.NewValidation("batch-too-large",
			fmt.Sprintf("batch of %d entries exceeds the limit of %d", size, MaxBatchSize))
	}

	return nil
}
