package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/loadstone-io/loadstone/internal/catalog"
	"github.com/loadstone-io/loadstone/internal/storage/metadata"
)

// DefaultCacheTTL bounds how stale a cached dataset record may be on the
// read path. Readers see an active-version flip at most this long after a
// publish lands.
const DefaultCacheTTL = 10 * time.Second

// datasetCache is a read-through cache over GetDataset for the entry read
// path, which resolves dataset.active-version on every lookup. Only found
// records are cached; absence always goes to the store, so a fresh dataset
// is visible immediately.
//
// Concurrent fills race benignly: both fetch, last write wins, both return
// a valid record.
type datasetCache struct {
	store metadata.Store
	ttl   time.Duration

	mutex   sync.RWMutex
	records map[string]cacheEntry

	// now is swappable so expiry tests do not have to sleep.
	now func() time.Time
}

type cacheEntry struct {
	dataset *catalog.Dataset
	expires time.Time
}

func newDatasetCache(store metadata.Store, ttl time.Duration) *datasetCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	return &datasetCache{
		store:   store,
		ttl:     ttl,
		records: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// get returns the dataset record for name, from cache when fresh. Records
// are cloned on the way out; callers can never mutate the cached copy.
func (c *datasetCache) get(ctx context.Context, name string) (*catalog.Dataset, bool, error) {
	c.mutex.RLock()
	entry, cached := c.records[name]
	c.mutex.RUnlock()

	if cached && c.now().Before(entry.expires) {
		return entry.dataset.Clone(), true, nil
	}

	dataset, ok, err := c.store.GetDataset(ctx, name)
	if err != nil || !ok {
		return nil, false, err
	}

	c.mutex.Lock()
	c.records[name] = cacheEntry{dataset: dataset, expires: c.now().Add(c.ttl)}
	c.mutex.Unlock()

	return dataset.Clone(), true, nil
}
