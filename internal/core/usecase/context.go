package usecase

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

const (
	charsPerToken           = 4
	contextSeparator        = "\n\n---\n\n"
	minPartialChars         = 200
	defaultMaxContextTokens = 3000
)

// ContextWindow is the prompt context built from ranked passages.
type ContextWindow struct {
	Text      string
	Citations []domain.Citation
	// Tokens approximates the size of Text at four characters per token.
	Tokens int
}

// AssembleContext packs passages greedily in rank order into a budget of
// maxContextTokens. The first passage that does not fit is truncated at a word
// boundary when at least minPartialChars of budget remain; inclusion stops there.
func AssembleContext(passages []domain.Candidate, maxContextTokens int) ContextWindow {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	budget := maxContextTokens * charsPerToken
	sepLen := runeLen(contextSeparator)

	var b strings.Builder
	used := 0
	citations := make([]domain.Citation, 0, len(passages))

	for _, passage := range passages {
		index := len(citations) + 1
		header := passageHeader(index, passage)
		overhead := runeLen(header)
		if index > 1 {
			overhead += sepLen
		}
		text := passage.Text
		textLen := runeLen(text)
		truncated := false

		if used+overhead+textLen > budget {
			remaining := budget - used - overhead
			if remaining < minPartialChars {
				break
			}
			text = truncateAtWord(text, remaining)
			textLen = runeLen(text)
			truncated = true
		}

		if index > 1 {
			b.WriteString(contextSeparator)
		}
		b.WriteString(header)
		b.WriteString(text)
		used += overhead + textLen

		end := passage.End
		if truncated {
			end = passage.Start + textLen
		}
		citations = append(citations, domain.Citation{
			Index:      index,
			ChunkID:    passage.ChunkID,
			DocumentID: passage.DocumentID,
			Filename:   passage.Metadata.Filename,
			Start:      passage.Start,
			End:        end,
			Score:      passage.Score(),
			Truncated:  truncated,
		})
		if truncated {
			break
		}
	}

	return ContextWindow{
		Text:      b.String(),
		Citations: citations,
		Tokens:    (used + charsPerToken - 1) / charsPerToken,
	}
}

func passageHeader(index int, passage domain.Candidate) string {
	if passage.Metadata.Filename != "" {
		return fmt.Sprintf("[%d] (%s)\n", index, passage.Metadata.Filename)
	}
	return fmt.Sprintf("[%d]\n", index)
}

// truncateAtWord returns at most limit runes of s, cut before the last partial word.
func truncateAtWord(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !unicode.IsSpace(runes[cut]) {
		cut--
	}
	if cut == 0 {
		cut = limit
	}
	return strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace)
}

func runeLen(s string) int {
	return len([]rune(s))
}
