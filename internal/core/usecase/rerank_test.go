package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

func fusedCandidates(ids ...string) []domain.Candidate {
	out := make([]domain.Candidate, len(ids))
	for i, id := range ids {
		out[i] = domain.Candidate{ChunkID: id, Text: id, FusedScore: float64(len(ids) - i)}
	}
	return out
}

func TestRerankReordersHeadByScore(t *testing.T) {
	scorer := &scorerFake{scores: []float64{0.1, 0.9, 0.5, 0.9}}
	reranker := NewReranker(scorer, 2)

	outcome := reranker.Rerank(context.Background(), "q", fusedCandidates("a", "b", "c", "d", "e"), 2)
	if outcome.Degraded || outcome.Err != nil {
		t.Fatalf("unexpected degraded outcome: %+v", outcome)
	}
	// b and d tie on rerank score; b has the higher fused score.
	if got := fmt.Sprint(candidateIDs(outcome.Candidates)); got != "[b d]" {
		t.Fatalf("unexpected order: %s", got)
	}
	if !outcome.Candidates[0].Reranked || outcome.Candidates[0].Score() != 0.9 {
		t.Fatalf("expected rerank score to govern ordering: %+v", outcome.Candidates[0])
	}
}

func TestRerankFallsBackToFusionOrderOnFailure(t *testing.T) {
	scorer := &scorerFake{err: domain.ErrTemporary}
	reranker := NewReranker(scorer, 2)

	outcome := reranker.Rerank(context.Background(), "q", fusedCandidates("a", "b", "c"), 2)
	if !outcome.Degraded {
		t.Fatalf("expected degraded outcome")
	}
	if !errors.Is(outcome.Err, domain.ErrRerankUnavailable) {
		t.Fatalf("expected ErrRerankUnavailable, got %v", outcome.Err)
	}
	if got := fmt.Sprint(candidateIDs(outcome.Candidates)); got != "[a b]" {
		t.Fatalf("expected fusion order, got %s", got)
	}
	if outcome.Candidates[0].Reranked {
		t.Fatalf("fallback candidates must not be marked reranked")
	}
}

func TestRerankTreatsScoreCountMismatchAsFailure(t *testing.T) {
	reranker := NewReranker(&scorerFake{scores: []float64{0.3}}, 2)

	outcome := reranker.Rerank(context.Background(), "q", fusedCandidates("a", "b"), 2)
	if !outcome.Degraded || !errors.Is(outcome.Err, domain.ErrRerankUnavailable) {
		t.Fatalf("expected degraded outcome, got %+v", outcome)
	}
}

func TestRerankWithoutScorerPassesThrough(t *testing.T) {
	reranker := NewReranker(nil, 2)
	if reranker.Enabled() {
		t.Fatalf("nil scorer must disable reranking")
	}
	if reranker.HeadSize(4) != 4 {
		t.Fatalf("disabled reranker should not over-fetch")
	}

	outcome := reranker.Rerank(context.Background(), "q", fusedCandidates("a", "b", "c"), 2)
	if outcome.Degraded || fmt.Sprint(candidateIDs(outcome.Candidates)) != "[a b]" {
		t.Fatalf("unexpected passthrough outcome: %+v", outcome)
	}
}

func TestRerankScoresOnlyTheHead(t *testing.T) {
	var seen int
	scorer := &countingScorer{seen: &seen}
	reranker := NewReranker(scorer, 2)

	reranker.Rerank(context.Background(), "q", fusedCandidates("a", "b", "c", "d", "e", "f"), 2)
	if seen != 4 {
		t.Fatalf("expected 4 passages scored, got %d", seen)
	}
}

type countingScorer struct {
	seen *int
}

func (s *countingScorer) Name() string { return "counting" }

func (s *countingScorer) Score(_ context.Context, _ string, passages []string) ([]float64, error) {
	*s.seen = len(passages)
	return make([]float64, len(passages)), nil
}
