package corpus

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

// Durable persists the corpus version so it survives restarts and is shared
// by every process writing to the same repository.
type Durable interface {
	LoadVersion(ctx context.Context) (domain.CorpusVersion, error)
	BumpVersion(ctx context.Context) (domain.CorpusVersion, error)
}

// Counter is the process-local view of the monotonic corpus version.
type Counter struct {
	value   atomic.Uint64
	durable Durable
}

func NewCounter() *Counter {
	return &Counter{}
}

// NewDurableCounter loads the current version from durable and bumps through it.
func NewDurableCounter(ctx context.Context, durable Durable) (*Counter, error) {
	c := &Counter{durable: durable}
	v, err := durable.LoadVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("load corpus version: %w", err)
	}
	c.value.Store(uint64(v))
	return c, nil
}

func (c *Counter) Current(context.Context) (domain.CorpusVersion, error) {
	return domain.CorpusVersion(c.value.Load()), nil
}

func (c *Counter) Bump(ctx context.Context) (domain.CorpusVersion, error) {
	if c.durable == nil {
		return domain.CorpusVersion(c.value.Add(1)), nil
	}
	v, err := c.durable.BumpVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("bump corpus version: %w", err)
	}
	c.Observe(v)
	return domain.CorpusVersion(c.value.Load()), nil
}

// Observe raises the local version to v. Lower values are ignored.
func (c *Counter) Observe(v domain.CorpusVersion) {
	for {
		current := c.value.Load()
		if uint64(v) <= current {
			return
		}
		if c.value.CompareAndSwap(current, uint64(v)) {
			return
		}
	}
}
