package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

const (
	searchNamespace = "search"
	answerNamespace = "answer"
)

type QueryConfig struct {
	DefaultTopK      int
	MaxTopK          int
	MaxContextTokens int
	MaxTokens        int
}

func DefaultQueryConfig() QueryConfig {
	return QueryConfig{
		DefaultTopK:      5,
		MaxTopK:          50,
		MaxContextTokens: defaultMaxContextTokens,
		MaxTokens:        512,
	}
}

func (c QueryConfig) normalize() QueryConfig {
	def := DefaultQueryConfig()
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = def.DefaultTopK
	}
	if c.MaxTopK <= 0 {
		c.MaxTopK = def.MaxTopK
	}
	if c.DefaultTopK > c.MaxTopK {
		c.DefaultTopK = c.MaxTopK
	}
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = def.MaxContextTokens
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = def.MaxTokens
	}
	return c
}

type SearchRequest struct {
	Query  string              `json:"query"`
	TopK   int                 `json:"top_k"`
	Filter domain.SearchFilter `json:"filter"`
}

type AskRequest struct {
	Query            string              `json:"query"`
	TopK             int                 `json:"top_k"`
	Filter           domain.SearchFilter `json:"filter"`
	MaxTokens        int                 `json:"max_tokens"`
	MaxContextTokens int                 `json:"max_context_tokens"`
	Stream           bool                `json:"stream"`
}

func (r AskRequest) search() SearchRequest {
	return SearchRequest{Query: r.Query, TopK: r.TopK, Filter: r.Filter}
}

type QueryOption func(*QueryUseCase)

func WithResultCache(cache ports.ResultCache) QueryOption {
	return func(uc *QueryUseCase) {
		uc.cache = cache
	}
}

func WithQueryMetrics(metrics ports.QueryMetrics) QueryOption {
	return func(uc *QueryUseCase) {
		uc.metrics = metrics
	}
}

// QueryUseCase runs search and ask through retrieval, fusion, reranking and
// generation, memoizing results under the current corpus version.
type QueryUseCase struct {
	fusion   *FusionEngine
	reranker *Reranker
	answers  *AnswerGenerator
	versions ports.CorpusVersionStore
	cache    ports.ResultCache
	metrics  ports.QueryMetrics
	cfg      QueryConfig
	flights  *answerFlights
}

func NewQueryUseCase(
	fusion *FusionEngine,
	reranker *Reranker,
	answers *AnswerGenerator,
	versions ports.CorpusVersionStore,
	cfg QueryConfig,
	opts ...QueryOption,
) *QueryUseCase {
	uc := &QueryUseCase{
		fusion:   fusion,
		reranker: reranker,
		answers:  answers,
		versions: versions,
		cfg:      cfg.normalize(),
		flights:  newAnswerFlights(),
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

func (uc *QueryUseCase) Search(ctx context.Context, req SearchRequest) (*domain.SearchResponse, error) {
	ctx, span := tracer.Start(ctx, "query.search")
	defer span.End()
	run := newStageTracker(ctx, "search", uc.metrics, domain.StageReceived)

	req, err := uc.validateSearch(req)
	if err != nil {
		return nil, run.fail(err)
	}
	version, err := uc.versions.Current(ctx)
	if err != nil {
		return nil, run.fail(fmt.Errorf("read corpus version: %w", err))
	}
	span.SetAttributes(attribute.Int("query.top_k", req.TopK), attribute.Int64("corpus.version", int64(version)))

	resp, err := uc.search(ctx, req, version)
	if err != nil {
		return nil, run.fail(err)
	}
	uc.observeDegraded(resp.DegradedReasons)
	run.done()
	return resp, nil
}

// Ask answers req.Query from the corpus. The returned stream always ends with
// a done or error event; callers must drain it or call Close.
func (uc *QueryUseCase) Ask(ctx context.Context, req AskRequest) (*AnswerStream, error) {
	ctx, span := tracer.Start(ctx, "query.ask")
	run := newStageTracker(ctx, "ask", uc.metrics, domain.StageReceived)
	fail := func(err error) (*AnswerStream, error) {
		err = run.fail(err)
		span.End()
		return nil, err
	}

	search, err := uc.validateSearch(req.search())
	if err != nil {
		return fail(err)
	}
	req.TopK = search.TopK
	req.Query = search.Query
	if req.MaxTokens <= 0 {
		req.MaxTokens = uc.cfg.MaxTokens
	}
	if req.MaxContextTokens <= 0 {
		req.MaxContextTokens = uc.cfg.MaxContextTokens
	}
	version, err := uc.versions.Current(ctx)
	if err != nil {
		return fail(fmt.Errorf("read corpus version: %w", err))
	}
	span.SetAttributes(
		attribute.Int("query.top_k", req.TopK),
		attribute.Bool("query.stream", req.Stream),
		attribute.Int64("corpus.version", int64(version)),
	)
	key := uc.answerKey(req, version)

	if !req.Stream {
		answer, err := memoize(ctx, uc.cache, key, func(ctx context.Context) (*domain.Answer, error) {
			return uc.computeAnswer(ctx, req, version)
		}, func(a *domain.Answer) bool { return !a.Degraded })
		if err != nil {
			return fail(err)
		}
		uc.observeDegraded(answer.DegradedReasons)
		run.done()
		span.End()
		return ReplayAnswer(answer), nil
	}

	if cached, ok := uc.lookupAnswer(ctx, key); ok {
		run.done()
		span.End()
		return ReplayAnswer(cached), nil
	}

	resp, err := uc.search(ctx, search, version)
	if err != nil {
		return fail(err)
	}
	uc.observeDegraded(resp.DegradedReasons)

	run.enter(domain.StageContextAssembly)
	flightKey := key
	if flightKey == "" {
		flightKey = answerFlightKey(req, version)
	}
	flight, leader := uc.flights.join(flightKey)
	if leader {
		genCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		src, err := uc.answers.generate(genCtx, req.Query, resp.Results, req.MaxContextTokens, req.MaxTokens, answerHooks{
			decorate: decorateAnswer(resp, version),
			onComplete: func(answer *domain.Answer) {
				if !answer.Degraded {
					uc.storeAnswer(genCtx, key, answer)
				}
			},
			onGenerating: func() { run.enter(domain.StageGenerating) },
			onTokens:     uc.addTokens,
		})
		flight.start(src, cancel, err, func() { uc.flights.forget(flightKey, flight) })
	} else {
		select {
		case <-flight.ready:
		case <-ctx.Done():
			uc.flights.leave(flightKey, flight)
			return fail(ctx.Err())
		}
	}
	if flight.startErr != nil {
		uc.flights.leave(flightKey, flight)
		return fail(flight.startErr)
	}
	return flight.follow(ctx, func() { uc.flights.leave(flightKey, flight) }, func(err error) {
		if err != nil {
			_ = run.fail(err)
		} else {
			run.done()
		}
		span.End()
	}), nil
}

// answerFlightKey identifies identical asks when no result cache is configured.
func answerFlightKey(req AskRequest, version domain.CorpusVersion) string {
	return fmt.Sprintf("%d\x00%s\x00%d\x00%d\x00%d\x00%+v",
		version, req.Query, req.TopK, req.MaxTokens, req.MaxContextTokens, req.Filter)
}

func (uc *QueryUseCase) validateSearch(req SearchRequest) (SearchRequest, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return req, domain.InvalidParameter("query must not be empty")
	}
	switch {
	case req.TopK < 0:
		return req, domain.InvalidParameter("top_k must not be negative, got %d", req.TopK)
	case req.TopK == 0:
		req.TopK = uc.cfg.DefaultTopK
	case req.TopK > uc.cfg.MaxTopK:
		req.TopK = uc.cfg.MaxTopK
	}
	return req, nil
}

type searchKeyParams struct {
	TopK   int                 `json:"top_k"`
	Filter domain.SearchFilter `json:"filter"`
}

type answerKeyParams struct {
	TopK             int                 `json:"top_k"`
	Filter           domain.SearchFilter `json:"filter"`
	MaxTokens        int                 `json:"max_tokens"`
	MaxContextTokens int                 `json:"max_context_tokens"`
}

func (uc *QueryUseCase) search(ctx context.Context, req SearchRequest, version domain.CorpusVersion) (*domain.SearchResponse, error) {
	var key string
	if uc.cache != nil {
		key = uc.cache.Key(searchNamespace, version, req.Query, searchKeyParams{TopK: req.TopK, Filter: req.Filter})
	}
	return memoize(ctx, uc.cache, key, func(ctx context.Context) (*domain.SearchResponse, error) {
		return uc.computeSearch(ctx, req, version)
	}, func(r *domain.SearchResponse) bool { return !r.Degraded })
}

func (uc *QueryUseCase) computeSearch(ctx context.Context, req SearchRequest, version domain.CorpusVersion) (*domain.SearchResponse, error) {
	run := newStageTracker(ctx, "search.compute", uc.metrics, domain.StageRetrieving)
	defer run.close()

	headSize := uc.reranker.HeadSize(req.TopK)
	hits, err := uc.fusion.Gather(ctx, req.Query, headSize, req.Filter)
	if err != nil {
		return nil, run.fail(err)
	}

	run.enter(domain.StageFusing)
	fused, err := uc.fusion.Fuse(ctx, hits, headSize, req.Filter)
	if err != nil {
		return nil, run.fail(err)
	}

	run.enter(domain.StageReranking)
	outcome := uc.reranker.Rerank(ctx, req.Query, fused.Candidates, req.TopK)
	if err := ctx.Err(); err != nil {
		return nil, run.fail(err)
	}

	resp := &domain.SearchResponse{
		Query:           req.Query,
		Results:         outcome.Candidates,
		Degraded:        fused.Degraded || outcome.Degraded,
		DegradedReasons: append([]string(nil), fused.DegradedReasons...),
		CorpusVersion:   version,
	}
	if outcome.Degraded {
		resp.DegradedReasons = append(resp.DegradedReasons, domain.DegradedRerankUnavailable)
	}
	return resp, nil
}

func (uc *QueryUseCase) computeAnswer(ctx context.Context, req AskRequest, version domain.CorpusVersion) (*domain.Answer, error) {
	resp, err := uc.search(ctx, req.search(), version)
	if err != nil {
		return nil, err
	}

	run := newStageTracker(ctx, "ask.compute", uc.metrics, domain.StageContextAssembly)
	defer run.close()
	stream, err := uc.answers.generate(ctx, req.Query, resp.Results, req.MaxContextTokens, req.MaxTokens, answerHooks{
		decorate:     decorateAnswer(resp, version),
		onGenerating: func() { run.enter(domain.StageGenerating) },
		onTokens:     uc.addTokens,
	})
	if err != nil {
		return nil, run.fail(err)
	}
	answer, err := stream.Collect(ctx)
	if err != nil {
		return nil, run.fail(err)
	}
	return answer, nil
}

func decorateAnswer(resp *domain.SearchResponse, version domain.CorpusVersion) func(*domain.Answer) {
	return func(answer *domain.Answer) {
		answer.Degraded = resp.Degraded
		answer.DegradedReasons = resp.DegradedReasons
		answer.CorpusVersion = version
	}
}

func (uc *QueryUseCase) answerKey(req AskRequest, version domain.CorpusVersion) string {
	if uc.cache == nil {
		return ""
	}
	return uc.cache.Key(answerNamespace, version, req.Query, answerKeyParams{
		TopK:             req.TopK,
		Filter:           req.Filter,
		MaxTokens:        req.MaxTokens,
		MaxContextTokens: req.MaxContextTokens,
	})
}

func (uc *QueryUseCase) lookupAnswer(ctx context.Context, key string) (*domain.Answer, bool) {
	if uc.cache == nil {
		return nil, false
	}
	raw, ok := uc.cache.Lookup(ctx, key)
	if !ok {
		return nil, false
	}
	var answer domain.Answer
	if err := json.Unmarshal(raw, &answer); err != nil {
		slog.Warn("cache_decode_failed", "key", key, "error", err)
		return nil, false
	}
	return &answer, true
}

func (uc *QueryUseCase) storeAnswer(ctx context.Context, key string, answer *domain.Answer) {
	if uc.cache == nil {
		return
	}
	raw, err := json.Marshal(answer)
	if err != nil {
		slog.Warn("cache_encode_failed", "key", key, "error", err)
		return
	}
	uc.cache.Put(context.WithoutCancel(ctx), key, raw)
}

func (uc *QueryUseCase) observeDegraded(reasons []string) {
	if uc.metrics == nil {
		return
	}
	for _, reason := range reasons {
		uc.metrics.ObserveDegraded(reason)
	}
}

func (uc *QueryUseCase) addTokens(n int) {
	if uc.metrics != nil {
		uc.metrics.AddGeneratedTokens(n)
	}
}

// memoize runs compute through c, encoding values as JSON. Values for which
// cacheable returns false are shared with concurrent callers but never stored.
// A nil cache computes directly.
func memoize[T any](
	ctx context.Context,
	c ports.ResultCache,
	key string,
	compute func(context.Context) (T, error),
	cacheable func(T) bool,
) (T, error) {
	if c == nil {
		return compute(ctx)
	}

	var zero T
	raw, err := c.Remember(ctx, key, func(ctx context.Context) ([]byte, bool, error) {
		value, err := compute(ctx)
		if err != nil {
			return nil, false, err
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, false, fmt.Errorf("encode cache value: %w", err)
		}
		return encoded, cacheable == nil || cacheable(value), nil
	})
	if err != nil {
		return zero, err
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		slog.Warn("cache_decode_failed", "key", key, "error", err)
		return compute(ctx)
	}
	return out, nil
}
