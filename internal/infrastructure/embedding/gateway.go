package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/cache"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/resilience"
)

type Config struct {
	BatchSize         int
	Concurrency       int
	RequestsPerSecond float64
	CacheTTL          time.Duration
}

func (c Config) normalize() Config {
	out := c
	if out.BatchSize <= 0 {
		out.BatchSize = 32
	}
	if out.Concurrency <= 0 {
		out.Concurrency = 4
	}
	if out.CacheTTL < 0 {
		out.CacheTTL = 0
	}
	return out
}

// Gateway fronts an EmbeddingProvider with content-hash caching, batching,
// bounded parallelism, pacing and retries. Failures are reported per item.
type Gateway struct {
	provider ports.EmbeddingProvider
	store    cache.Store
	executor *resilience.Executor
	limiter  *rate.Limiter
	cfg      Config
}

func NewGateway(provider ports.EmbeddingProvider, store cache.Store, executor *resilience.Executor, cfg Config) *Gateway {
	cfg = cfg.normalize()
	g := &Gateway{
		provider: provider,
		store:    store,
		executor: executor,
		cfg:      cfg,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := max(1, int(math.Ceil(cfg.RequestsPerSecond)))
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return g
}

func (g *Gateway) ModelVersion() string {
	return g.provider.ModelVersion()
}

type pendingText struct {
	key  string
	text string
}

// Embed returns one vector or one error per input text. The returned error is
// only set when ctx ended before every batch finished.
func (g *Gateway) Embed(ctx context.Context, texts []string) (*domain.EmbeddingBatch, error) {
	model := g.provider.ModelVersion()
	result := &domain.EmbeddingBatch{
		Vectors:      make([][]float32, len(texts)),
		Errors:       make([]error, len(texts)),
		ModelVersion: model,
	}
	if len(texts) == 0 {
		return result, nil
	}

	positions := make(map[string][]int, len(texts))
	unique := make([]pendingText, 0, len(texts))
	for i, text := range texts {
		key := ContentKey(model, text)
		if _, seen := positions[key]; !seen {
			unique = append(unique, pendingText{key: key, text: text})
		}
		positions[key] = append(positions[key], i)
	}

	misses := make([]pendingText, 0, len(unique))
	for _, p := range unique {
		if vec, ok := g.lookup(ctx, p.key); ok {
			for _, idx := range positions[p.key] {
				result.Vectors[idx] = vec
			}
			result.CacheHits += len(positions[p.key])
			continue
		}
		misses = append(misses, p)
	}

	var mu sync.Mutex
	var group errgroup.Group
	group.SetLimit(g.cfg.Concurrency)
	for start := 0; start < len(misses); start += g.cfg.BatchSize {
		batch := misses[start:min(start+g.cfg.BatchSize, len(misses))]
		group.Go(func() error {
			vectors, errs := g.embedBatch(ctx, batch)

			mu.Lock()
			for j, p := range batch {
				for _, idx := range positions[p.key] {
					if errs[j] != nil {
						result.Errors[idx] = errs[j]
					} else {
						result.Vectors[idx] = vectors[j]
					}
				}
			}
			mu.Unlock()

			for j, p := range batch {
				if errs[j] == nil {
					g.remember(ctx, p.key, vectors[j])
				}
			}
			return nil
		})
	}
	_ = group.Wait()

	if failed := result.Failed(); failed > 0 {
		slog.Warn("embedding_batch_failed", "model", model, "texts", len(texts), "failed", failed)
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// EmbedQuery embeds a single query text.
func (g *Gateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	batch, err := g.Embed(ctx, []string{text})
	if err != nil {
		return nil, domain.WrapError(domain.ErrEmbeddingUnavailable, "embed query", err)
	}
	if batch.Errors[0] != nil {
		return nil, batch.Errors[0]
	}
	return batch.Vectors[0], nil
}

// embedBatch halves batches the provider rejects as too large; a single rejected text fails alone.
func (g *Gateway) embedBatch(ctx context.Context, batch []pendingText) ([][]float32, []error) {
	texts := make([]string, len(batch))
	for i, p := range batch {
		texts[i] = p.text
	}

	var vectors [][]float32
	err := g.execute(ctx, func(ctx context.Context) error {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		out, err := g.provider.Embed(ctx, texts)
		if err != nil {
			return err
		}
		if len(out) != len(texts) {
			return fmt.Errorf("provider returned %d vectors for %d texts", len(out), len(texts))
		}
		vectors = out
		return nil
	})

	errs := make([]error, len(batch))
	switch {
	case err == nil:
		dimension := 0
		for i, vec := range vectors {
			if len(vec) == 0 || (dimension != 0 && len(vec) != dimension) {
				errs[i] = domain.WrapError(domain.ErrEmbeddingUnavailable, "embed batch", fmt.Errorf("invalid vector of dimension %d", len(vec)))
				continue
			}
			dimension = len(vec)
		}
		return vectors, errs
	case errors.Is(err, domain.ErrBatchTooLarge) && len(batch) > 1:
		mid := len(batch) / 2
		leftVectors, leftErrs := g.embedBatch(ctx, batch[:mid])
		rightVectors, rightErrs := g.embedBatch(ctx, batch[mid:])
		return append(leftVectors, rightVectors...), append(leftErrs, rightErrs...)
	default:
		wrapped := domain.WrapError(domain.ErrEmbeddingUnavailable, "embed batch", err)
		for i := range errs {
			errs[i] = wrapped
		}
		return make([][]float32, len(batch)), errs
	}
}

func (g *Gateway) execute(ctx context.Context, fn func(context.Context) error) error {
	if g.executor == nil {
		return fn(ctx)
	}
	return g.executor.Execute(ctx, "embedding.batch", fn, resilience.TransientClassifier)
}

func (g *Gateway) lookup(ctx context.Context, key string) ([]float32, bool) {
	if g.store == nil {
		return nil, false
	}
	raw, ok, err := g.store.Get(ctx, key)
	if err != nil {
		slog.Warn("cache_store_failed", "operation", "get", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	vec, err := decodeVector(raw)
	if err != nil {
		return nil, false
	}
	return vec, true
}

func (g *Gateway) remember(ctx context.Context, key string, vec []float32) {
	if g.store == nil {
		return
	}
	if err := g.store.Set(ctx, key, encodeVector(vec), g.cfg.CacheTTL); err != nil {
		slog.Warn("cache_store_failed", "operation", "set", "key", key, "error", err)
	}
}

// ContentKey identifies an embedding by model version and exact text.
func ContentKey(modelVersion, text string) string {
	h := sha256.New()
	h.Write([]byte(modelVersion))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return "emb:" + hex.EncodeToString(h.Sum(nil))
}

func encodeVector(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, x := range vec {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(x))
	}
	return out
}

func decodeVector(raw []byte) ([]float32, error) {
	if len(raw) == 0 || len(raw)%4 != 0 {
		return nil, fmt.Errorf("invalid encoded vector length %d", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out, nil
}
