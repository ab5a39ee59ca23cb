package kv

import (
	"context"
	"sync"
)

// InMemoryStore keeps entries in a map guarded by a read-write mutex. Values
// are copied on the way in and out so callers can never alias store memory.
type InMemoryStore struct {
	entries map[EntryKey][]byte
	mutex   sync.RWMutex
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory entry store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries: make(map[EntryKey][]byte),
	}
}

// Put stores a copy of value under key.
func (s *InMemoryStore) Put(_ context.Context, key EntryKey, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.entries[key] = append([]byte(nil), value...)

	return nil
}

// Get returns a copy of the value under key, ok=false when absent.
func (s *InMemoryStore) Get(_ context.Context, key EntryKey) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	value, found := s.entries[key]
	if !found {
		return nil, false, nil
	}

	return append([]byte(nil), value...), true, nil
}

// PutBatch stores all entries under one lock.
func (s *InMemoryStore) PutBatch(_ context.Context, entries []Entry) error {
	if err := validateBatchSize(len(entries)); err != nil {
		return err
	}

	for _, entry := range entries {
		if err := validateKey(entry.Key); err != nil {
			return err
		}
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, entry := range entries {
		s.entries[entry.Key] = append([]byte(nil), entry.Value...)
	}

	return nil
}

// GetBatch returns a result for every requested key.
func (s *InMemoryStore) GetBatch(_ context.Context, keys []EntryKey) (map[EntryKey]Result, error) {
	if err := validateBatchSize(len(keys)); err != nil {
		return nil, err
	}

	for _, key := range keys {
		if err := validateKey(key); err != nil {
			return nil, err
		}
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	results := make(map[EntryKey]Result, len(keys))

	for _, key := range keys {
		value, found := s.entries[key]
		if !found {
			results[key] = Result{}

			continue
		}

		results[key] = Result{Value: append([]byte(nil), value...), Found: true}
	}

	return results, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *InMemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
