package facts

import (
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"nostr-sync/internal/metrics"
	"nostr-sync/internal/nostr"
)

// Cache is a bounded LRU of Facts keyed by event id. Events are immutable,
// so entries are only ever evicted, never invalidated. It is safe for
// concurrent use; relay reader goroutines fill it while the consumer reads.
type Cache struct {
	entries *lru.Cache[string, Facts]
	group   singleflight.Group
}

// NewCache creates a cache holding at most size entries
func NewCache(size int) (*Cache, error) {
	entries, err := lru.New[string, Facts](size)
	if err != nil {
		return nil, fmt.Errorf("fact cache: %w", err)
	}
	return &Cache{entries: entries}, nil
}

// GetOrCompute returns the memoized facts for id, calling compute on the
// first access. Concurrent misses for the same id share one computation.
func (c *Cache) GetOrCompute(id string, compute func() Facts) Facts {
	if f, ok := c.entries.Get(id); ok {
		metrics.FactCacheHits.Inc()
		return f
	}

	v, _, shared := c.group.Do(id, func() (any, error) {
		if f, ok := c.entries.Peek(id); ok {
			return f, nil
		}
		f := compute()
		c.entries.Add(id, f)
		return f, nil
	})
	if shared {
		slog.Debug("fact cache: shared compute", "id", nostr.ShortID(id))
	}
	metrics.FactCacheMisses.Inc()
	return v.(Facts)
}

// Get returns the cached facts without computing
func (c *Cache) Get(id string) (Facts, bool) {
	return c.entries.Get(id)
}

// Len returns the number of cached entries
func (c *Cache) Len() int {
	return c.entries.Len()
}
