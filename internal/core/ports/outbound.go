package ports

import (
	"context"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

// ChunkRepository persists documents and the chunk to document mapping.
type ChunkRepository interface {
	SaveDocument(ctx context.Context, doc *domain.Document, chunks []domain.Chunk) error
	GetDocument(ctx context.Context, id string) (*domain.Document, error)
	ListDocuments(ctx context.Context) ([]domain.Document, error)
	DeleteDocument(ctx context.Context, id string) ([]string, error)
	GetChunks(ctx context.Context, ids []string) (map[string]domain.Chunk, error)
	ListDocumentChunks(ctx context.Context, documentID string) ([]domain.Chunk, error)
	ListChunks(ctx context.Context) ([]domain.Chunk, error)
	ListPendingChunks(ctx context.Context, limit int) ([]domain.Chunk, error)
	MarkEmbedded(ctx context.Context, chunkIDs []string) error
	MarkAllPending(ctx context.Context) error
	UpdateStatus(ctx context.Context, id string, status domain.DocumentStatus) error
}

// CorpusVersionStore keeps the monotonic corpus version.
type CorpusVersionStore interface {
	Current(ctx context.Context) (domain.CorpusVersion, error)
	Bump(ctx context.Context) (domain.CorpusVersion, error)
	// Observe raises the local version to v when another process advanced it.
	Observe(v domain.CorpusVersion)
}

// MessageQueue publishes/consumes ingestion jobs and corpus change events.
type MessageQueue interface {
	PublishIngestJob(ctx context.Context, job domain.IngestJob) error
	SubscribeIngestJobs(ctx context.Context, handler func(context.Context, domain.IngestJob) error) error
	PublishCorpusEvent(ctx context.Context, event domain.CorpusEvent) error
	SubscribeCorpusEvents(ctx context.Context, handler func(context.Context, domain.CorpusEvent) error) error
}

// IngestJobPublisher hands ingestion jobs to a worker.
type IngestJobPublisher interface {
	PublishIngestJob(ctx context.Context, job domain.IngestJob) error
}

// CorpusEventPublisher broadcasts corpus mutations to other processes.
type CorpusEventPublisher interface {
	PublishCorpusEvent(ctx context.Context, event domain.CorpusEvent) error
}

// EmbeddingProvider turns texts into vectors. It may reject oversized batches with domain.ErrBatchTooLarge.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	ModelVersion() string
}

// Embedder is the gateway view used by ingestion and query code.
type Embedder interface {
	Embed(ctx context.Context, texts []string) (*domain.EmbeddingBatch, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	ModelVersion() string
}

// Chunker splits document text into overlapping spans.
type Chunker interface {
	Split(documentID, text string, meta domain.DocumentMetadata) []domain.Chunk
}

// VectorIndex stores chunk embeddings and performs cosine nearest-neighbor search.
type VectorIndex interface {
	Upsert(ctx context.Context, records []domain.VectorRecord) error
	Search(ctx context.Context, vector []float32, k int, filter domain.SearchFilter) ([]domain.ScoredChunk, error)
	Delete(ctx context.Context, chunkIDs []string) error
	DeleteByDocument(ctx context.Context, documentID string) error
	Reset(ctx context.Context) error
}

// KeywordIndex is a BM25 inverted index over chunk text.
type KeywordIndex interface {
	Index(ctx context.Context, chunks ...domain.Chunk) error
	Remove(ctx context.Context, chunkIDs ...string) error
	RemoveDocument(ctx context.Context, documentID string) error
	Search(ctx context.Context, query string, k int, filter domain.SearchFilter) ([]domain.ScoredChunk, error)
	// Rebuild replaces the whole index with chunks.
	Rebuild(ctx context.Context, chunks []domain.Chunk) error
}

// RerankScorer scores each (query, passage) pair independently; one score per passage.
type RerankScorer interface {
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
	Name() string
}

// GenerationProvider streams tokens to emit. Returning an error from emit stops generation.
type GenerationProvider interface {
	Generate(ctx context.Context, req domain.GenerationRequest, emit func(token string) error) error
}

// ResultCache memoizes encoded query results under corpus-versioned keys.
// Store failures never surface to callers.
type ResultCache interface {
	Key(namespace string, version domain.CorpusVersion, query string, params any) string
	// Remember shares one computation among concurrent callers of key. Values
	// computed with store=false are returned but not kept.
	Remember(ctx context.Context, key string, compute func(context.Context) ([]byte, bool, error)) ([]byte, error)
	Lookup(ctx context.Context, key string) ([]byte, bool)
	Put(ctx context.Context, key string, value []byte)
}

// QueryMetrics records query pipeline telemetry.
type QueryMetrics interface {
	ObserveStage(stage domain.QueryStage, seconds float64)
	ObserveDegraded(reason string)
	ObserveGenerationError(kind string)
	AddGeneratedTokens(n int)
}
