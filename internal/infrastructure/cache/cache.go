package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

// Store is a best-effort key-value store with per-entry TTL.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type Outcome string

const (
	OutcomeHit    Outcome = "hit"
	OutcomeMiss   Outcome = "miss"
	OutcomeShared Outcome = "shared"
	OutcomeBypass Outcome = "bypass"
)

// Observer receives the outcome of every lookup, keyed by the key namespace.
type Observer func(namespace string, outcome Outcome)

type Option func(*Cache)

func WithObserver(observer Observer) Option {
	return func(c *Cache) {
		c.observer = observer
	}
}

type flight struct {
	done    chan struct{}
	value   []byte
	err     error
	waiters int
	cancel  context.CancelFunc
}

// Cache memoizes computations in a Store and deduplicates concurrent computations of one key.
// A computation outlives the caller that started it while other callers still wait for it,
// and is cancelled once the last waiter leaves.
type Cache struct {
	store    Store
	observer Observer

	mu      sync.Mutex
	flights map[string]*flight
}

func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:   store,
		flights: make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type computeFunc func(ctx context.Context) (value []byte, store bool, err error)

func (c *Cache) GetOrCompute(
	ctx context.Context,
	key string,
	ttl time.Duration,
	compute func(context.Context) ([]byte, error),
) ([]byte, Outcome, error) {
	return c.getOrCompute(ctx, key, ttl, func(ctx context.Context) ([]byte, bool, error) {
		value, err := compute(ctx)
		return value, true, err
	})
}

func (c *Cache) getOrCompute(ctx context.Context, key string, ttl time.Duration, compute computeFunc) ([]byte, Outcome, error) {
	if c.store != nil {
		value, ok, err := c.store.Get(ctx, key)
		switch {
		case err != nil:
			slog.Warn("cache_store_failed", "operation", "get", "key", key, "error", err)
		case ok:
			c.observe(key, OutcomeHit)
			return value, OutcomeHit, nil
		}
	}

	c.mu.Lock()
	fl, shared := c.flights[key]
	if !shared {
		flightCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		fl = &flight{done: make(chan struct{}), cancel: cancel}
		c.flights[key] = fl
		go c.run(flightCtx, key, ttl, fl, compute)
	}
	fl.waiters++
	c.mu.Unlock()

	outcome := OutcomeMiss
	if shared {
		outcome = OutcomeShared
	}
	c.observe(key, outcome)

	select {
	case <-fl.done:
		c.leave(key, fl)
		return fl.value, outcome, fl.err
	case <-ctx.Done():
		c.leave(key, fl)
		return nil, outcome, ctx.Err()
	}
}

func (c *Cache) run(ctx context.Context, key string, ttl time.Duration, fl *flight, compute computeFunc) {
	ctx, span := otel.Tracer("cache").Start(ctx, "cache.compute")
	span.SetAttributes(attribute.String("cache.namespace", namespaceOf(key)))
	defer span.End()
	defer fl.cancel()

	value, store, err := safeCompute(ctx, compute)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if err == nil && store && c.store != nil {
		if setErr := c.store.Set(ctx, key, value, ttl); setErr != nil {
			slog.Warn("cache_store_failed", "operation", "set", "key", key, "error", setErr)
		}
	}

	c.mu.Lock()
	fl.value, fl.err = value, err
	if c.flights[key] == fl {
		delete(c.flights, key)
	}
	c.mu.Unlock()
	close(fl.done)
}

func (c *Cache) leave(key string, fl *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fl.waiters--
	if fl.waiters > 0 {
		return
	}
	select {
	case <-fl.done:
	default:
		fl.cancel()
		if c.flights[key] == fl {
			delete(c.flights, key)
		}
	}
}

func (c *Cache) observe(key string, outcome Outcome) {
	if c.observer != nil {
		c.observer(namespaceOf(key), outcome)
	}
}

func safeCompute(ctx context.Context, compute computeFunc) (value []byte, store bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, store, err = nil, false, fmt.Errorf("cache compute panic: %v", r)
		}
	}()
	return compute(ctx)
}

// Key derives a cache key from the normalized query, retrieval parameters and corpus version.
// Entries of older versions become unaddressable once the version advances.
func Key(namespace string, version domain.CorpusVersion, query string, params any) string {
	encoded, err := json.Marshal(params)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%#v", params))
	}
	h := sha256.New()
	h.Write([]byte(NormalizeQuery(query)))
	h.Write([]byte{0})
	h.Write(encoded)
	return fmt.Sprintf("%s:v%d:%s", namespace, version, hex.EncodeToString(h.Sum(nil)))
}

// NormalizeQuery lowercases, trims and collapses internal whitespace.
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

func namespaceOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}
