package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

const defaultRerankOverFetch = 2

// RerankOutcome is the reordered head. On scorer failure Candidates keeps the
// fusion order, Degraded is set and Err carries the cause.
type RerankOutcome struct {
	Candidates []domain.Candidate
	Degraded   bool
	Err        error
}

// Reranker reorders the head of the fused list with a pairwise scorer.
// A nil scorer passes the fusion order through.
type Reranker struct {
	scorer    ports.RerankScorer
	overFetch int
}

func NewReranker(scorer ports.RerankScorer, overFetch int) *Reranker {
	if overFetch < 1 {
		overFetch = defaultRerankOverFetch
	}
	return &Reranker{scorer: scorer, overFetch: overFetch}
}

// Enabled reports whether a scorer is configured.
func (r *Reranker) Enabled() bool {
	return r != nil && r.scorer != nil
}

// HeadSize is how many fused candidates the reranker considers for topN results.
func (r *Reranker) HeadSize(topN int) int {
	if !r.Enabled() {
		return topN
	}
	return r.overFetch * topN
}

func (r *Reranker) Rerank(ctx context.Context, query string, candidates []domain.Candidate, topN int) RerankOutcome {
	if topN <= 0 || len(candidates) == 0 {
		return RerankOutcome{Candidates: []domain.Candidate{}}
	}
	if !r.Enabled() {
		return RerankOutcome{Candidates: trimCandidates(candidates, topN)}
	}

	head := make([]domain.Candidate, min(len(candidates), r.HeadSize(topN)))
	copy(head, candidates)

	passages := make([]string, len(head))
	for i, c := range head {
		passages[i] = c.Text
	}
	scores, err := r.scorer.Score(ctx, query, passages)
	if err == nil && len(scores) != len(head) {
		err = fmt.Errorf("scorer %s returned %d scores for %d passages", r.scorer.Name(), len(scores), len(head))
	}
	if err != nil {
		slog.Warn("rerank_failed", "scorer", r.scorer.Name(), "error", err)
		return RerankOutcome{
			Candidates: trimCandidates(head, topN),
			Degraded:   true,
			Err:        domain.WrapError(domain.ErrRerankUnavailable, "rerank", err),
		}
	}

	for i := range head {
		head[i].RerankScore = scores[i]
		head[i].Reranked = true
	}
	sort.Slice(head, func(i, j int) bool {
		if head[i].RerankScore != head[j].RerankScore {
			return head[i].RerankScore > head[j].RerankScore
		}
		if head[i].FusedScore != head[j].FusedScore {
			return head[i].FusedScore > head[j].FusedScore
		}
		return head[i].ChunkID < head[j].ChunkID
	})
	return RerankOutcome{Candidates: trimCandidates(head, topN)}
}

func trimCandidates(candidates []domain.Candidate, limit int) []domain.Candidate {
	if limit <= 0 || len(candidates) <= limit {
		return candidates
	}
	return candidates[:limit]
}
