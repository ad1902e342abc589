package ollama

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/hybrid-rag/internal/infrastructure/resilience"
)

const (
	defaultScorerConcurrency = 5
	unparsedRelevanceScore   = 0.5
	relevanceReplyTokens     = 8
)

// Scorer is a pairwise reranker that asks the generation model for a 0-10 relevance grade.
type Scorer struct {
	client      *Client
	executor    *resilience.Executor
	concurrency int
}

func NewScorer(client *Client, executor *resilience.Executor, concurrency int) *Scorer {
	if concurrency <= 0 {
		concurrency = defaultScorerConcurrency
	}
	return &Scorer{client: client, executor: executor, concurrency: concurrency}
}

func (s *Scorer) Name() string {
	return "llm"
}

func (s *Scorer) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	scores := make([]float64, len(passages))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.concurrency)

	for i, passage := range passages {
		group.Go(func() error {
			var reply string
			call := func(ctx context.Context) error {
				var err error
				reply, err = s.client.complete(ctx, buildRelevancePrompt(query, passage), relevanceReplyTokens)
				return err
			}
			var err error
			if s.executor != nil {
				err = s.executor.Execute(groupCtx, "rerank.llm", call, classify)
			} else {
				err = call(groupCtx)
			}
			if err != nil {
				return err
			}
			score, ok := parseRelevanceScore(reply)
			if !ok {
				slog.Debug("rerank_score_unparsed", "reply", reply)
				score = unparsedRelevanceScore
			}
			scores[i] = score
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return scores, nil
}
