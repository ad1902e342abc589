package keyword

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

const (
	defaultK1 = 1.2
	defaultB  = 0.75
)

type Option func(*Index)

// WithStopWords toggles English stop word removal for both indexing and queries.
func WithStopWords(enabled bool) Option {
	return func(ix *Index) {
		ix.tokenizer = NewTokenizer(enabled)
	}
}

// WithBM25 overrides the term saturation (k1) and length normalization (b) parameters.
func WithBM25(k1, b float64) Option {
	return func(ix *Index) {
		if k1 > 0 {
			ix.k1 = k1
		}
		if b >= 0 && b <= 1 {
			ix.b = b
		}
	}
}

type entry struct {
	documentID string
	meta       domain.DocumentMetadata
	length     int
	terms      map[string]int
}

// Index is an in-memory BM25 inverted index. Postings are derived from chunk text
// and rebuilt from the chunk repository on startup.
type Index struct {
	tokenizer Tokenizer
	k1        float64
	b         float64

	mu          sync.RWMutex
	postings    map[string]map[string]int
	entries     map[string]*entry
	byDocument  map[string]map[string]struct{}
	totalLength int
}

func NewIndex(opts ...Option) *Index {
	ix := &Index{
		tokenizer:  NewTokenizer(false),
		k1:         defaultK1,
		b:          defaultB,
		postings:   make(map[string]map[string]int),
		entries:    make(map[string]*entry),
		byDocument: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

func (ix *Index) Index(_ context.Context, chunks ...domain.Chunk) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, chunk := range chunks {
		ix.removeLocked(chunk.ID)

		tokens := ix.tokenizer.Tokens(chunk.Text)
		terms := make(map[string]int, len(tokens))
		for _, token := range tokens {
			terms[token]++
		}
		ix.entries[chunk.ID] = &entry{
			documentID: chunk.DocumentID,
			meta:       chunk.Metadata,
			length:     len(tokens),
			terms:      terms,
		}
		for term, freq := range terms {
			list := ix.postings[term]
			if list == nil {
				list = make(map[string]int)
				ix.postings[term] = list
			}
			list[chunk.ID] = freq
		}
		docChunks := ix.byDocument[chunk.DocumentID]
		if docChunks == nil {
			docChunks = make(map[string]struct{})
			ix.byDocument[chunk.DocumentID] = docChunks
		}
		docChunks[chunk.ID] = struct{}{}
		ix.totalLength += len(tokens)
	}
	return nil
}

func (ix *Index) Remove(_ context.Context, chunkIDs ...string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, id := range chunkIDs {
		ix.removeLocked(id)
	}
	return nil
}

func (ix *Index) RemoveDocument(_ context.Context, documentID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for id := range ix.byDocument[documentID] {
		ix.removeLocked(id)
	}
	delete(ix.byDocument, documentID)
	return nil
}

// Rebuild replaces the whole index with chunks.
func (ix *Index) Rebuild(ctx context.Context, chunks []domain.Chunk) error {
	ix.mu.Lock()
	ix.postings = make(map[string]map[string]int)
	ix.entries = make(map[string]*entry)
	ix.byDocument = make(map[string]map[string]struct{})
	ix.totalLength = 0
	ix.mu.Unlock()
	return ix.Index(ctx, chunks...)
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

func (ix *Index) removeLocked(chunkID string) {
	e, ok := ix.entries[chunkID]
	if !ok {
		return
	}
	for term := range e.terms {
		list := ix.postings[term]
		delete(list, chunkID)
		if len(list) == 0 {
			delete(ix.postings, term)
		}
	}
	if docChunks := ix.byDocument[e.documentID]; docChunks != nil {
		delete(docChunks, chunkID)
		if len(docChunks) == 0 {
			delete(ix.byDocument, e.documentID)
		}
	}
	ix.totalLength -= e.length
	delete(ix.entries, chunkID)
}

// Search ranks chunks by BM25 against the distinct query terms.
// Equal scores are ordered by chunk id ascending.
func (ix *Index) Search(ctx context.Context, query string, k int, filter domain.SearchFilter) ([]domain.ScoredChunk, error) {
	if k <= 0 {
		return []domain.ScoredChunk{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	terms := uniqueTokens(ix.tokenizer.Tokens(query))

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := len(ix.entries)
	if n == 0 || len(terms) == 0 {
		return []domain.ScoredChunk{}, nil
	}
	avgLength := float64(ix.totalLength) / float64(n)
	if avgLength == 0 {
		avgLength = 1
	}

	scores := make(map[string]float64, 64)
	for _, term := range terms {
		list := ix.postings[term]
		df := len(list)
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
		for chunkID, freq := range list {
			e := ix.entries[chunkID]
			if !filter.IsZero() && !filter.Matches(e.documentID, e.meta) {
				continue
			}
			tf := float64(freq)
			norm := ix.k1 * (1 - ix.b + ix.b*float64(e.length)/avgLength)
			scores[chunkID] += idf * (tf * (ix.k1 + 1)) / (tf + norm)
		}
	}

	out := make([]domain.ScoredChunk, 0, len(scores))
	for chunkID, score := range scores {
		if score <= 0 {
			continue
		}
		out = append(out, domain.ScoredChunk{
			ChunkID:    chunkID,
			DocumentID: ix.entries[chunkID].documentID,
			Score:      score,
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

func uniqueTokens(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0:0]
	for _, token := range tokens {
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}
	return out
}
