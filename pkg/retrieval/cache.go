package retrieval

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/nstogner/sectoragent/pkg/domain"
)

// CachedIndex memoises Search results of another Index. Writes go through
// to the wrapped index and drop every cached result.
type CachedIndex struct {
	next  Index
	cache *ristretto.Cache
	ttl   time.Duration
}

var _ Index = (*CachedIndex)(nil)

// NewCachedIndex wraps next with a cache holding up to maxEntries results
// for ttl each.
func NewCachedIndex(next Index, maxEntries int64, ttl time.Duration) (*CachedIndex, error) {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &CachedIndex{next: next, cache: cache, ttl: ttl}, nil
}

// Search serves repeated queries from the cache. Errors are not cached.
func (c *CachedIndex) Search(ctx context.Context, q Query) ([]domain.SearchResult, error) {
	q = q.withDefaults()
	key := cacheKey(q)
	if v, ok := c.cache.Get(key); ok {
		return slices.Clone(v.([]domain.SearchResult)), nil
	}

	results, err := c.next.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	c.cache.SetWithTTL(key, slices.Clone(results), 1, c.ttl)
	c.cache.Wait()
	return results, nil
}

// Add forwards to the wrapped index and invalidates the cache.
func (c *CachedIndex) Add(ctx context.Context, docs ...domain.Document) error {
	defer c.cache.Clear()
	return c.next.Add(ctx, docs...)
}

// Delete forwards to the wrapped index and invalidates the cache.
func (c *CachedIndex) Delete(ctx context.Context, namespace, id string) error {
	defer c.cache.Clear()
	return c.next.Delete(ctx, namespace, id)
}

// Stats reports the wrapped index's stats.
func (c *CachedIndex) Stats() Stats { return c.next.Stats() }

// Close stops the cache's background goroutines.
func (c *CachedIndex) Close() { c.cache.Close() }

func cacheKey(q Query) string {
	var sb strings.Builder
	sb.WriteString(q.Namespace)
	sb.WriteByte(0)
	sb.WriteString(strconv.Itoa(q.TopK))
	sb.WriteByte(0)
	sb.WriteString(strconv.FormatFloat(q.Threshold, 'g', -1, 64))
	for _, k := range slices.Sorted(maps.Keys(q.Filter)) {
		sb.WriteByte(0)
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(q.Filter[k])
	}
	sb.WriteByte(0)
	sb.WriteString(q.Text)
	return sb.String()
}
