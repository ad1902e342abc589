package heuristic

import (
	"context"
	"strings"

	"github.com/kirillkom/hybrid-rag/internal/infrastructure/keyword"
)

const (
	coverageWeight = 0.8
	phraseWeight   = 0.2
)

// Scorer is a local lexical pairwise scorer: query-token coverage plus a bonus
// when the passage contains the whole query phrase. Scores fall in [0,1].
type Scorer struct {
	tokenizer keyword.Tokenizer
}

func New() *Scorer {
	return &Scorer{tokenizer: keyword.NewTokenizer(true)}
}

func (s *Scorer) Name() string {
	return "heuristic"
}

func (s *Scorer) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	queryTokens := toTokenSet(s.tokenizer.Tokens(query))
	phrase := strings.Join(keyword.NewTokenizer(false).Tokens(query), " ")

	scores := make([]float64, len(passages))
	for i, passage := range passages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		passageTokens := keyword.NewTokenizer(false).Tokens(passage)
		score := coverageWeight * tokenOverlap(queryTokens, toTokenSet(passageTokens))
		if phrase != "" && strings.Contains(" "+strings.Join(passageTokens, " ")+" ", " "+phrase+" ") {
			score += phraseWeight
		}
		scores[i] = score
	}
	return scores, nil
}

func tokenOverlap(query, passage map[string]struct{}) float64 {
	if len(query) == 0 || len(passage) == 0 {
		return 0
	}
	matches := 0
	for token := range query {
		if _, ok := passage[token]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(query))
}

func toTokenSet(tokens []string) map[string]struct{} {
	out := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		out[token] = struct{}{}
	}
	return out
}
