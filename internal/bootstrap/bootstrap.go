package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/kirillkom/hybrid-rag/internal/config"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
	"github.com/kirillkom/hybrid-rag/internal/core/usecase"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/cache"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/chunking"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/corpus"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/embedding"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/keyword"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/queue/nats"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/repository/memory"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/rerank/crossencoder"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/rerank/heuristic"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/resilience"
	vectormemory "github.com/kirillkom/hybrid-rag/internal/infrastructure/vector/memory"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/vector/qdrant"
)

const redisKeyPrefix = "rag:"

// Telemetry receives the process-wide observability hooks. Each cmd passes
// its own metrics registry.
type Telemetry struct {
	Query       ports.QueryMetrics
	CacheLookup func(namespace, outcome string)
	Retry       resilience.RetryObserver
}

type App struct {
	Config config.Config

	// Queue is nil when NATS_URL is empty.
	Queue ports.MessageQueue

	Repo      ports.ChunkRepository
	Keywords  ports.KeywordIndex
	Versions  ports.CorpusVersionStore
	IngestUC  *usecase.IngestUseCase
	ProcessUC *usecase.ProcessUseCase
	QueryUC   *usecase.QueryUseCase
	SyncUC    *usecase.CorpusSyncUseCase

	closers []func()
}

func New(ctx context.Context, cfg config.Config, telemetry Telemetry) (*App, error) {
	app := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	executor := resilience.NewExecutor(cfg.Resilience())
	if telemetry.Retry != nil {
		executor.OnRetry(telemetry.Retry)
	}

	repo, versions, err := app.openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.Repo = repo
	app.Versions = versions

	var queue *nats.Queue
	if cfg.NATSURL != "" {
		queue, err = nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
			CorpusSubject:      cfg.NATSCorpusSubject,
			ResilienceExecutor: executor,
		})
		if err != nil {
			return nil, fmt.Errorf("init message queue: %w", err)
		}
		app.Queue = queue
		app.closers = append(app.closers, queue.Close)
	}

	store, err := app.openCacheStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	var cacheOpts []cache.Option
	if telemetry.CacheLookup != nil {
		observe := telemetry.CacheLookup
		cacheOpts = append(cacheOpts, cache.WithObserver(func(namespace string, outcome cache.Outcome) {
			observe(namespace, string(outcome))
		}))
	}
	resultCache := cache.NewQueryCache(cache.New(store, cacheOpts...), cfg.CacheTTL())

	ollamaClient := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel)
	provider := ollama.NewEmbedder(ollamaClient)
	embedder := embedding.NewGateway(provider, store, executor, embedding.Config{
		BatchSize:         cfg.EmbedBatchSize,
		Concurrency:       cfg.EmbedConcurrency,
		RequestsPerSecond: cfg.EmbedRPS,
	})

	var vectors ports.VectorIndex
	switch cfg.VectorBackend {
	case config.BackendQdrant:
		vectors = qdrant.New(cfg.QdrantURL, cfg.QdrantCollection, provider.ModelVersion(), qdrant.WithExecutor(executor))
	default:
		vectors = vectormemory.NewIndex()
	}

	keywords := keyword.NewIndex(keyword.WithStopWords(cfg.KeywordStopWords))
	app.Keywords = keywords

	chunker, err := chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap, chunking.WithBoundarySlack(cfg.ChunkBoundarySlack))
	if err != nil {
		return nil, fmt.Errorf("init chunker: %w", err)
	}

	var ingestOpts []usecase.IngestOption
	if queue != nil {
		ingestOpts = append(ingestOpts, usecase.WithCorpusEvents(queue))
	}
	app.IngestUC = usecase.NewIngestUseCase(repo, chunker, embedder, vectors, keywords, versions, ingestOpts...)
	if queue != nil {
		app.ProcessUC = usecase.NewProcessUseCase(repo, queue, app.IngestUC)
	}
	app.SyncUC = usecase.NewCorpusSyncUseCase(repo, keywords, versions)

	fusion := usecase.NewFusionEngine(embedder, vectors, keywords, repo, usecase.FusionConfig{
		Strategy:        usecase.FusionStrategy(cfg.FusionStrategy),
		Alpha:           cfg.FusionAlpha,
		OverFetchFactor: cfg.FusionOverFetch,
		RRFK:            cfg.FusionRRFK,
	})
	reranker := usecase.NewReranker(newRerankScorer(cfg, ollamaClient, executor), cfg.RerankOverFetch)
	answers := usecase.NewAnswerGenerator(ollama.NewGenerator(ollamaClient))

	queryOpts := []usecase.QueryOption{}
	if cfg.CacheBackend != config.BackendNone {
		queryOpts = append(queryOpts, usecase.WithResultCache(resultCache))
	}
	if telemetry.Query != nil {
		queryOpts = append(queryOpts, usecase.WithQueryMetrics(telemetry.Query))
	}
	app.QueryUC = usecase.NewQueryUseCase(fusion, reranker, answers, versions, usecase.QueryConfig{
		DefaultTopK:      cfg.RAGTopK,
		MaxTopK:          cfg.RAGMaxTopK,
		MaxContextTokens: cfg.RAGMaxContextTokens,
		MaxTokens:        cfg.RAGMaxTokens,
	}, queryOpts...)

	slog.Info("engine_bootstrapped",
		"repository", repositoryKind(cfg),
		"vector_backend", cfg.VectorBackend,
		"cache_backend", cfg.CacheBackend,
		"rerank_provider", cfg.RerankProvider,
		"fusion_strategy", cfg.FusionStrategy,
		"queue_enabled", queue != nil,
	)
	ok = true
	return app, nil
}

func (a *App) openRepository(ctx context.Context, cfg config.Config) (ports.ChunkRepository, *corpus.Counter, error) {
	if cfg.PostgresDSN == "" {
		return memory.New(), corpus.NewCounter(), nil
	}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	a.closers = append(a.closers, func() { closeDB(db) })

	repo := postgres.NewDocumentRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	versions, err := corpus.NewDurableCounter(ctx, postgres.NewCorpusRepository(db))
	if err != nil {
		return nil, nil, fmt.Errorf("load corpus version: %w", err)
	}
	return repo, versions, nil
}

// openCacheStore returns nil for the "none" backend; every cache consumer treats a nil store as always-miss.
func (a *App) openCacheStore(ctx context.Context, cfg config.Config) (cache.Store, error) {
	switch cfg.CacheBackend {
	case config.BackendNone:
		return nil, nil
	case config.BackendRedis:
		client, err := cache.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		return cache.NewRedisStore(client, redisKeyPrefix), nil
	default:
		return cache.NewMemoryStore(cfg.CacheMaxEntries), nil
	}
}

func newRerankScorer(cfg config.Config, client *ollama.Client, executor *resilience.Executor) ports.RerankScorer {
	switch cfg.RerankProvider {
	case config.RerankHeuristic:
		return heuristic.New()
	case config.RerankLLM:
		return ollama.NewScorer(client, executor, cfg.RerankConcurrency)
	case config.RerankCrossEncoder:
		return crossencoder.New(cfg.RerankURL, executor)
	default:
		return nil
	}
}

func repositoryKind(cfg config.Config) string {
	if cfg.PostgresDSN == "" {
		return config.BackendMemory
	}
	return "postgres"
}

func closeDB(db *sql.DB) {
	if err := db.Close(); err != nil {
		slog.Warn("postgres_close_failed", "error", err)
	}
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
