package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

// QueryCache exposes a Cache to the query pipeline with a fixed TTL.
type QueryCache struct {
	cache *Cache
	ttl   time.Duration
}

func NewQueryCache(c *Cache, ttl time.Duration) *QueryCache {
	return &QueryCache{cache: c, ttl: ttl}
}

func (q *QueryCache) Key(namespace string, version domain.CorpusVersion, query string, params any) string {
	return Key(namespace, version, query, params)
}

// Remember returns the stored value for key or computes it once for all
// concurrent callers. Values computed with store=false are shared but not kept.
func (q *QueryCache) Remember(
	ctx context.Context,
	key string,
	compute func(context.Context) ([]byte, bool, error),
) ([]byte, error) {
	value, _, err := q.cache.getOrCompute(ctx, key, q.ttl, compute)
	return value, err
}

func (q *QueryCache) Lookup(ctx context.Context, key string) ([]byte, bool) {
	if q.cache.store == nil {
		return nil, false
	}
	value, ok, err := q.cache.store.Get(ctx, key)
	if err != nil {
		slog.Warn("cache_store_failed", "operation", "get", "key", key, "error", err)
		ok = false
	}
	if ok {
		q.cache.observe(key, OutcomeHit)
	} else {
		q.cache.observe(key, OutcomeMiss)
	}
	return value, ok
}

func (q *QueryCache) Put(ctx context.Context, key string, value []byte) {
	if q.cache.store == nil {
		return
	}
	if err := q.cache.store.Set(ctx, key, value, q.ttl); err != nil {
		slog.Warn("cache_store_failed", "operation", "set", "key", key, "error", err)
	}
}
