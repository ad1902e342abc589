package domain

import "slices"

// SearchFilter restricts retrieval by denormalized chunk metadata. Empty fields match everything.
type SearchFilter struct {
	DocumentIDs []string `json:"document_ids,omitempty"`
	Filename    string   `json:"filename,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

func (f SearchFilter) IsZero() bool {
	return len(f.DocumentIDs) == 0 && f.Filename == "" && len(f.Tags) == 0
}

// Matches reports whether a chunk of documentID with meta passes the filter.
// All listed tags must be present on the chunk.
func (f SearchFilter) Matches(documentID string, meta DocumentMetadata) bool {
	if len(f.DocumentIDs) > 0 && !slices.Contains(f.DocumentIDs, documentID) {
		return false
	}
	if f.Filename != "" && f.Filename != meta.Filename {
		return false
	}
	for _, tag := range f.Tags {
		if !slices.Contains(meta.Tags, tag) {
			return false
		}
	}
	return true
}

// ScoredChunk is a raw search hit from one index.
type ScoredChunk struct {
	ChunkID    string
	DocumentID string
	Score      float64
}

// Candidate is a query-scoped fused hit.
type Candidate struct {
	ChunkID      string           `json:"chunk_id"`
	DocumentID   string           `json:"document_id"`
	Text         string           `json:"text"`
	Metadata     DocumentMetadata `json:"metadata"`
	Start        int              `json:"start"`
	End          int              `json:"end"`
	VectorScore  float64          `json:"vector_score"`
	KeywordScore float64          `json:"keyword_score"`
	NormVector   float64          `json:"norm_vector"`
	NormKeyword  float64          `json:"norm_keyword"`
	FusedScore   float64          `json:"fused_score"`
	RerankScore  float64          `json:"rerank_score,omitempty"`
	Reranked     bool             `json:"reranked"`
}

// Score is the score that governs final ordering.
func (c Candidate) Score() float64 {
	if c.Reranked {
		return c.RerankScore
	}
	return c.FusedScore
}

// RetrievalResult is the output of the fusion stage.
type RetrievalResult struct {
	Candidates      []Candidate
	Degraded        bool
	DegradedReasons []string
}

// SearchResponse is what callers of search receive.
type SearchResponse struct {
	Query           string        `json:"query"`
	Results         []Candidate   `json:"results"`
	Degraded        bool          `json:"degraded"`
	DegradedReasons []string      `json:"degraded_reasons,omitempty"`
	CorpusVersion   CorpusVersion `json:"corpus_version"`
}

type Citation struct {
	Index      int     `json:"index"`
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename,omitempty"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
	Truncated  bool    `json:"truncated,omitempty"`
}

type Answer struct {
	Text            string        `json:"text"`
	Citations       []Citation    `json:"citations"`
	Degraded        bool          `json:"degraded"`
	DegradedReasons []string      `json:"degraded_reasons,omitempty"`
	NoContext       bool          `json:"no_context,omitempty"`
	Confidence      float64       `json:"confidence"`
	CorpusVersion   CorpusVersion `json:"corpus_version"`
}

// Degraded reasons reported when a retrieval source or the reranker fails.
const (
	DegradedVectorUnavailable  = "vector_unavailable"
	DegradedKeywordUnavailable = "keyword_unavailable"
	DegradedRerankUnavailable  = "rerank_unavailable"
)
