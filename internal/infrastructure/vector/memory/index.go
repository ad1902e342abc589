package memory

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

type point struct {
	documentID string
	vector     []float32
	norm       float64
	meta       domain.DocumentMetadata
}

// Index is a brute-force cosine similarity index. All vectors share one
// dimension and one embedding model version.
type Index struct {
	mu           sync.RWMutex
	points       map[string]point
	dimension    int
	modelVersion string
}

func NewIndex() *Index {
	return &Index{points: make(map[string]point)}
}

func (ix *Index) Upsert(_ context.Context, records []domain.VectorRecord) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	dimension, modelVersion := ix.dimension, ix.modelVersion
	if len(ix.points) == 0 {
		dimension, modelVersion = 0, ""
	}
	for _, rec := range records {
		if len(rec.Vector) == 0 {
			return domain.InvalidParameter("empty vector for chunk %s", rec.ChunkID)
		}
		if dimension == 0 {
			dimension, modelVersion = len(rec.Vector), rec.ModelVersion
		}
		if len(rec.Vector) != dimension {
			return domain.InvalidParameter("vector dimension %d does not match index dimension %d", len(rec.Vector), dimension)
		}
		if rec.ModelVersion != modelVersion {
			return domain.InvalidParameter("embedding model %q differs from index model %q, full reindex required", rec.ModelVersion, modelVersion)
		}
	}

	for _, rec := range records {
		vec := make([]float32, len(rec.Vector))
		copy(vec, rec.Vector)
		ix.points[rec.ChunkID] = point{
			documentID: rec.DocumentID,
			vector:     vec,
			norm:       l2Norm(vec),
			meta:       rec.Metadata,
		}
	}
	ix.dimension, ix.modelVersion = dimension, modelVersion
	return nil
}

func (ix *Index) Search(ctx context.Context, vector []float32, k int, filter domain.SearchFilter) ([]domain.ScoredChunk, error) {
	if k <= 0 {
		return []domain.ScoredChunk{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.points) == 0 {
		return []domain.ScoredChunk{}, nil
	}
	if len(vector) != ix.dimension {
		return nil, domain.InvalidParameter("query dimension %d does not match index dimension %d", len(vector), ix.dimension)
	}
	queryNorm := l2Norm(vector)

	out := make([]domain.ScoredChunk, 0, len(ix.points))
	for id, p := range ix.points {
		if !filter.IsZero() && !filter.Matches(p.documentID, p.meta) {
			continue
		}
		out = append(out, domain.ScoredChunk{
			ChunkID:    id,
			DocumentID: p.documentID,
			Score:      cosine(vector, queryNorm, p.vector, p.norm),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (ix *Index) Delete(_ context.Context, chunkIDs []string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, id := range chunkIDs {
		delete(ix.points, id)
	}
	return nil
}

func (ix *Index) DeleteByDocument(_ context.Context, documentID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for id, p := range ix.points {
		if p.documentID == documentID {
			delete(ix.points, id)
		}
	}
	return nil
}

func (ix *Index) Reset(context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.points = make(map[string]point)
	ix.dimension, ix.modelVersion = 0, ""
	return nil
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.points)
}

func l2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(a []float32, normA float64, b []float32, normB float64) float64 {
	if normA == 0 || normB == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (normA * normB)
}
