package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/cache"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/repository/memory"
)

type embedderFake struct {
	mu         sync.Mutex
	queryErr   error
	failOn     string
	embedCalls int
	queryCalls atomic.Int32
	gate       chan struct{}
}

func (f *embedderFake) ModelVersion() string { return "fake-v1" }

func (f *embedderFake) Embed(ctx context.Context, texts []string) (*domain.EmbeddingBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.embedCalls++
	failOn := f.failOn
	f.mu.Unlock()

	batch := &domain.EmbeddingBatch{
		Vectors:      make([][]float32, len(texts)),
		Errors:       make([]error, len(texts)),
		ModelVersion: f.ModelVersion(),
	}
	for i, text := range texts {
		if failOn != "" && strings.Contains(text, failOn) {
			batch.Errors[i] = domain.WrapError(domain.ErrEmbeddingUnavailable, "embed", errors.New("provider down"))
			continue
		}
		batch.Vectors[i] = []float32{float32(len(text)%7) + 1, 1, 0.5}
	}
	return batch, nil
}

func (f *embedderFake) EmbedQuery(ctx context.Context, _ string) ([]float32, error) {
	f.queryCalls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return []float32{1, 0, 0}, nil
}

func (f *embedderFake) setFailOn(marker string) {
	f.mu.Lock()
	f.failOn = marker
	f.mu.Unlock()
}

type vectorIndexFake struct {
	mu        sync.Mutex
	hits      []domain.ScoredChunk
	searchErr error
	upsertErr error
	records   map[string]domain.VectorRecord
	resets    int
}

func (f *vectorIndexFake) Upsert(_ context.Context, records []domain.VectorRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	if f.records == nil {
		f.records = make(map[string]domain.VectorRecord)
	}
	for _, rec := range records {
		f.records[rec.ChunkID] = rec
	}
	return nil
}

func (f *vectorIndexFake) Search(ctx context.Context, _ []float32, k int, _ domain.SearchFilter) ([]domain.ScoredChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return limitHits(f.hits, k), nil
}

func (f *vectorIndexFake) Delete(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.records, id)
	}
	return nil
}

func (f *vectorIndexFake) DeleteByDocument(_ context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, rec := range f.records {
		if rec.DocumentID == documentID {
			delete(f.records, id)
		}
	}
	return nil
}

func (f *vectorIndexFake) Reset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = nil
	f.resets++
	return nil
}

func (f *vectorIndexFake) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type keywordIndexFake struct {
	mu        sync.Mutex
	hits      []domain.ScoredChunk
	searchErr error
	calls     atomic.Int32
	chunks    map[string]domain.Chunk
}

func (f *keywordIndexFake) Index(_ context.Context, chunks ...domain.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chunks == nil {
		f.chunks = make(map[string]domain.Chunk)
	}
	for _, c := range chunks {
		f.chunks[c.ID] = c
	}
	return nil
}

func (f *keywordIndexFake) Remove(_ context.Context, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.chunks, id)
	}
	return nil
}

func (f *keywordIndexFake) RemoveDocument(_ context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, c := range f.chunks {
		if c.DocumentID == documentID {
			delete(f.chunks, id)
		}
	}
	return nil
}

func (f *keywordIndexFake) Search(ctx context.Context, _ string, k int, _ domain.SearchFilter) ([]domain.ScoredChunk, error) {
	f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return limitHits(f.hits, k), nil
}

func (f *keywordIndexFake) Rebuild(_ context.Context, chunks []domain.Chunk) error {
	f.mu.Lock()
	f.chunks = nil
	f.mu.Unlock()
	return f.Index(context.Background(), chunks...)
}

func (f *keywordIndexFake) ids() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(f.chunks))
	for id := range f.chunks {
		out[id] = true
	}
	return out
}

type versionsFake struct {
	v atomic.Uint64
}

func (f *versionsFake) Current(context.Context) (domain.CorpusVersion, error) {
	return domain.CorpusVersion(f.v.Load()), nil
}

func (f *versionsFake) Bump(context.Context) (domain.CorpusVersion, error) {
	return domain.CorpusVersion(f.v.Add(1)), nil
}

func (f *versionsFake) Observe(v domain.CorpusVersion) {
	for {
		cur := f.v.Load()
		if uint64(v) <= cur || f.v.CompareAndSwap(cur, uint64(v)) {
			return
		}
	}
}

type scorerFake struct {
	scores []float64
	err    error
	calls  int
}

func (f *scorerFake) Name() string { return "fake" }

func (f *scorerFake) Score(ctx context.Context, _ string, passages []string) ([]float64, error) {
	f.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.scores != nil {
		return f.scores, nil
	}
	out := make([]float64, len(passages))
	for i, p := range passages {
		out[i] = float64(len(p))
	}
	return out, nil
}

// generatorFake emits tokens then returns err. With block set it waits for
// cancellation after the tokens. With gate set it waits for gate before the first token.
type generatorFake struct {
	tokens    []string
	err       error
	block     bool
	gate      chan struct{}
	calls     atomic.Int32
	cancelled chan struct{}
	lastReq   domain.GenerationRequest
}

func (f *generatorFake) Generate(ctx context.Context, req domain.GenerationRequest, emit func(string) error) error {
	f.calls.Add(1)
	f.lastReq = req
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, token := range f.tokens {
		if err := emit(token); err != nil {
			return err
		}
	}
	if f.block {
		<-ctx.Done()
		if f.cancelled != nil {
			close(f.cancelled)
		}
		return ctx.Err()
	}
	return f.err
}

type publisherFake struct {
	mu     sync.Mutex
	events []domain.CorpusEvent
	jobs   []domain.IngestJob
	err    error
}

func (f *publisherFake) PublishCorpusEvent(_ context.Context, event domain.CorpusEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return f.err
}

func (f *publisherFake) PublishIngestJob(_ context.Context, job domain.IngestJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func limitHits(hits []domain.ScoredChunk, k int) []domain.ScoredChunk {
	if k < len(hits) {
		return hits[:k]
	}
	return hits
}

// seedRepo stores one document per chunk id with the given texts.
func seedRepo(texts map[string]string) *memory.Repository {
	repo := memory.New()
	for id, text := range texts {
		doc := &domain.Document{ID: "doc-" + id, Status: domain.StatusReady, Metadata: domain.DocumentMetadata{Filename: id + ".txt"}}
		_ = repo.SaveDocument(context.Background(), doc, []domain.Chunk{{
			ID: id, DocumentID: doc.ID, Start: 0, End: len([]rune(text)), Text: text, Embedded: true,
		}})
	}
	return repo
}

func hit(id string, score float64) domain.ScoredChunk {
	return domain.ScoredChunk{ChunkID: id, DocumentID: "doc-" + id, Score: score}
}

func newTestResultCache() *cache.QueryCache {
	return cache.NewQueryCache(cache.New(cache.NewMemoryStore(0)), time.Minute)
}
