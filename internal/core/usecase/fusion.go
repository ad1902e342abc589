package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

type FusionStrategy string

const (
	FusionMinMax FusionStrategy = "minmax"
	FusionRRF    FusionStrategy = "rrf"
)

type FusionConfig struct {
	Strategy FusionStrategy
	// Alpha weights the vector score; 1-Alpha weights the keyword score.
	Alpha           float64
	OverFetchFactor int
	RRFK            int
}

func DefaultFusionConfig() FusionConfig {
	return FusionConfig{
		Strategy:        FusionMinMax,
		Alpha:           0.5,
		OverFetchFactor: 3,
		RRFK:            60,
	}
}

// FusionEngine queries the vector and keyword indexes in parallel and merges
// the two ranked lists into one candidate list.
type FusionEngine struct {
	embedder ports.Embedder
	vectors  ports.VectorIndex
	keywords ports.KeywordIndex
	chunks   ports.ChunkRepository
	cfg      FusionConfig
}

func NewFusionEngine(
	embedder ports.Embedder,
	vectors ports.VectorIndex,
	keywords ports.KeywordIndex,
	chunks ports.ChunkRepository,
	cfg FusionConfig,
) *FusionEngine {
	if cfg.Strategy == "" {
		cfg.Strategy = FusionMinMax
	}
	if cfg.Alpha < 0 || cfg.Alpha > 1 {
		cfg.Alpha = 0.5
	}
	if cfg.OverFetchFactor < 1 {
		cfg.OverFetchFactor = 3
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = 60
	}
	return &FusionEngine{
		embedder: embedder,
		vectors:  vectors,
		keywords: keywords,
		chunks:   chunks,
		cfg:      cfg,
	}
}

// SourceHits holds the raw results of both indexes. A failed source carries its error.
type SourceHits struct {
	Vector     []domain.ScoredChunk
	Keyword    []domain.ScoredChunk
	VectorErr  error
	KeywordErr error
}

// Retrieve gathers from both indexes and fuses the results into at most k candidates.
func (f *FusionEngine) Retrieve(ctx context.Context, query string, k int, filter domain.SearchFilter) (*domain.RetrievalResult, error) {
	if k <= 0 {
		return &domain.RetrievalResult{Candidates: []domain.Candidate{}}, nil
	}
	hits, err := f.Gather(ctx, query, k, filter)
	if err != nil {
		return nil, err
	}
	return f.Fuse(ctx, hits, k, filter)
}

// Gather runs the vector and keyword searches concurrently, fetching
// k*OverFetchFactor hits from each, and waits for both.
func (f *FusionEngine) Gather(ctx context.Context, query string, k int, filter domain.SearchFilter) (*SourceHits, error) {
	fetch := max(k, 1) * f.cfg.OverFetchFactor
	hits := &SourceHits{}

	var group errgroup.Group
	group.Go(func() error {
		hits.Vector, hits.VectorErr = f.searchVectors(ctx, query, fetch, filter)
		return nil
	})
	group.Go(func() error {
		hits.Keyword, hits.KeywordErr = f.keywords.Search(ctx, query, fetch, filter)
		if hits.KeywordErr != nil {
			hits.KeywordErr = fmt.Errorf("keyword search: %w", hits.KeywordErr)
		}
		return nil
	})
	_ = group.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if hits.VectorErr != nil && hits.KeywordErr != nil {
		return nil, domain.WrapError(domain.ErrRetrievalUnavailable, "retrieve", errors.Join(hits.VectorErr, hits.KeywordErr))
	}
	return hits, nil
}

// Fuse merges the gathered lists. When one source failed the other one
// carries the full weight and the result is marked degraded.
func (f *FusionEngine) Fuse(ctx context.Context, hits *SourceHits, k int, filter domain.SearchFilter) (*domain.RetrievalResult, error) {
	result := &domain.RetrievalResult{Candidates: []domain.Candidate{}}
	if k <= 0 {
		return result, nil
	}

	vectorHits, keywordHits := hits.Vector, hits.Keyword
	alpha := f.cfg.Alpha
	switch {
	case hits.VectorErr != nil && hits.KeywordErr != nil:
		return nil, domain.WrapError(domain.ErrRetrievalUnavailable, "fuse", errors.Join(hits.VectorErr, hits.KeywordErr))
	case hits.VectorErr != nil:
		slog.Warn("retrieval_degraded", "source", "vector", "error", hits.VectorErr)
		alpha = 0
		vectorHits = nil
		result.Degraded = true
		result.DegradedReasons = append(result.DegradedReasons, domain.DegradedVectorUnavailable)
	case hits.KeywordErr != nil:
		slog.Warn("retrieval_degraded", "source", "keyword", "error", hits.KeywordErr)
		alpha = 1
		keywordHits = nil
		result.Degraded = true
		result.DegradedReasons = append(result.DegradedReasons, domain.DegradedKeywordUnavailable)
	}

	var fused []domain.Candidate
	if f.cfg.Strategy == FusionRRF {
		fused = fuseRRF(vectorHits, keywordHits, alpha, f.cfg.RRFK)
	} else {
		fused = fuseMinMax(vectorHits, keywordHits, alpha)
	}

	hydrated, err := f.hydrate(ctx, fused, k, filter)
	if err != nil {
		return nil, err
	}
	result.Candidates = hydrated
	return result, nil
}

func (f *FusionEngine) searchVectors(ctx context.Context, query string, k int, filter domain.SearchFilter) ([]domain.ScoredChunk, error) {
	vector, err := f.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := f.vectors.Search(ctx, vector, k, filter)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return hits, nil
}

// hydrate attaches chunk text and metadata, drops ids that no longer resolve
// and truncates to k.
func (f *FusionEngine) hydrate(ctx context.Context, fused []domain.Candidate, k int, filter domain.SearchFilter) ([]domain.Candidate, error) {
	out := make([]domain.Candidate, 0, min(k, len(fused)))
	if len(fused) == 0 {
		return out, nil
	}
	ids := make([]string, len(fused))
	for i, c := range fused {
		ids[i] = c.ChunkID
	}
	chunks, err := f.chunks.GetChunks(ctx, ids)
	if err != nil {
		return nil, domain.WrapError(domain.ErrRetrievalUnavailable, "hydrate candidates", err)
	}

	for _, candidate := range fused {
		chunk, ok := chunks[candidate.ChunkID]
		if !ok {
			slog.Debug("retrieval_dangling_chunk", "chunk_id", candidate.ChunkID)
			continue
		}
		if !filter.Matches(chunk.DocumentID, chunk.Metadata) {
			continue
		}
		candidate.DocumentID = chunk.DocumentID
		candidate.Text = chunk.Text
		candidate.Metadata = chunk.Metadata
		candidate.Start = chunk.Start
		candidate.End = chunk.End
		out = append(out, candidate)
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// minMaxNormalize maps scores onto [0,1]. A list with one item or equal
// scores normalizes to 1 for every item.
func minMaxNormalize(hits []domain.ScoredChunk) []float64 {
	out := make([]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	lo, hi := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		lo = min(lo, h.Score)
		hi = max(hi, h.Score)
	}
	for i, h := range hits {
		if hi == lo {
			out[i] = 1
			continue
		}
		out[i] = (h.Score - lo) / (hi - lo)
	}
	return out
}

func fuseMinMax(vectorHits, keywordHits []domain.ScoredChunk, alpha float64) []domain.Candidate {
	acc := make(map[string]*domain.Candidate, len(vectorHits)+len(keywordHits))
	get := func(hit domain.ScoredChunk) *domain.Candidate {
		c, ok := acc[hit.ChunkID]
		if !ok {
			c = &domain.Candidate{ChunkID: hit.ChunkID, DocumentID: hit.DocumentID}
			acc[hit.ChunkID] = c
		}
		return c
	}

	for i, norm := range minMaxNormalize(vectorHits) {
		c := get(vectorHits[i])
		c.VectorScore = vectorHits[i].Score
		c.NormVector = norm
	}
	for i, norm := range minMaxNormalize(keywordHits) {
		c := get(keywordHits[i])
		c.KeywordScore = keywordHits[i].Score
		c.NormKeyword = norm
	}

	out := make([]domain.Candidate, 0, len(acc))
	for _, c := range acc {
		c.FusedScore = alpha*c.NormVector + (1-alpha)*c.NormKeyword
		out = append(out, *c)
	}
	sortByFusedScore(out)
	return out
}

// fuseRRF is weighted reciprocal rank fusion with 1-based ranks.
func fuseRRF(vectorHits, keywordHits []domain.ScoredChunk, alpha float64, rrfK int) []domain.Candidate {
	acc := make(map[string]*domain.Candidate, len(vectorHits)+len(keywordHits))
	addList := func(hits []domain.ScoredChunk, weight float64, vector bool) {
		for rank, hit := range hits {
			c, ok := acc[hit.ChunkID]
			if !ok {
				c = &domain.Candidate{ChunkID: hit.ChunkID, DocumentID: hit.DocumentID}
				acc[hit.ChunkID] = c
			}
			rr := 1.0 / float64(rrfK+rank+1)
			if vector {
				c.VectorScore = hit.Score
				c.NormVector = rr
			} else {
				c.KeywordScore = hit.Score
				c.NormKeyword = rr
			}
			c.FusedScore += weight * rr
		}
	}
	addList(vectorHits, alpha, true)
	addList(keywordHits, 1-alpha, false)

	out := make([]domain.Candidate, 0, len(acc))
	for _, c := range acc {
		out = append(out, *c)
	}
	sortByFusedScore(out)
	return out
}

func sortByFusedScore(candidates []domain.Candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].FusedScore != candidates[j].FusedScore {
			return candidates[i].FusedScore > candidates[j].FusedScore
		}
		return candidates[i].ChunkID < candidates[j].ChunkID
	})
}
