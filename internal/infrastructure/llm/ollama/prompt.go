package ollama

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

const maxScoredPassage = 2000

func buildRelevancePrompt(query, passage string) string {
	runes := []rune(passage)
	if len(runes) > maxScoredPassage {
		passage = string(runes[:maxScoredPassage])
	}
	return fmt.Sprintf(`Rate how relevant the passage is to the query on a scale from 0 to 10.
0 means unrelated, 10 means it directly answers the query.
Reply with the number only.

Query:
%s

Passage:
%s
`, query, passage)
}

// parseRelevanceScore reads the first number of the reply and maps 0..10 onto 0..1.
func parseRelevanceScore(reply string) (float64, bool) {
	start := strings.IndexFunc(reply, unicode.IsDigit)
	if start < 0 {
		return 0, false
	}
	end := start
	for end < len(reply) && (unicode.IsDigit(rune(reply[end])) || reply[end] == '.') {
		end++
	}
	value, err := strconv.ParseFloat(strings.TrimRight(reply[start:end], "."), 64)
	if err != nil {
		return 0, false
	}
	return min(max(value, 0), 10) / 10, true
}
