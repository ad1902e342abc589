package chunking

import (
	"fmt"
	"unicode"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

const (
	DefaultChunkSize = 1000
	DefaultOverlap   = 200
)

// Option customizes a Splitter.
type Option func(*Splitter)

// WithBoundarySlack bounds how far a cut may move to reach a natural boundary.
func WithBoundarySlack(slack int) Option {
	return func(s *Splitter) {
		s.BoundarySlack = slack
	}
}

// Splitter cuts text into overlapping windows of at most ChunkSize runes,
// preferring paragraph, line, sentence and word boundaries near the window end.
type Splitter struct {
	ChunkSize     int
	Overlap       int
	BoundarySlack int
}

func NewSplitter(chunkSize, overlap int, opts ...Option) (*Splitter, error) {
	if chunkSize <= 0 {
		return nil, domain.InvalidParameter("chunk size must be positive, got %d", chunkSize)
	}
	if overlap < 0 {
		return nil, domain.InvalidParameter("chunk overlap must not be negative, got %d", overlap)
	}
	if overlap >= chunkSize {
		return nil, domain.InvalidParameter("chunk overlap %d must be smaller than chunk size %d", overlap, chunkSize)
	}

	s := &Splitter{
		ChunkSize:     chunkSize,
		Overlap:       overlap,
		BoundarySlack: -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.BoundarySlack < 0 {
		s.BoundarySlack = chunkSize / 10
	}
	return s, nil
}

// endSlack keeps every window at least half a step long so the cursor always advances.
func (s *Splitter) endSlack() int {
	return min(s.BoundarySlack, (s.ChunkSize-s.Overlap)/2)
}

// startSlack keeps the next window starting inside the previous one and
// bounds the overlap loss to the cut slack.
func (s *Splitter) startSlack() int {
	return min(s.endSlack(), s.Overlap)
}

func (s *Splitter) Split(documentID, text string, meta domain.DocumentMetadata) []domain.Chunk {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	out := make([]domain.Chunk, 0, len(runes)/(s.ChunkSize-s.Overlap)+1)
	start := 0
	for seq := 0; ; seq++ {
		end := len(runes)
		if end-start > s.ChunkSize {
			end = s.cutPosition(runes, start)
		}

		out = append(out, domain.Chunk{
			ID:         ChunkID(documentID, seq),
			DocumentID: documentID,
			Seq:        seq,
			Start:      start,
			End:        end,
			Text:       string(runes[start:end]),
			Metadata:   meta,
		})
		if end == len(runes) {
			break
		}
		start = s.nextStart(runes, end)
	}
	return out
}

// ChunkID is the stable identifier of the seq-th chunk of a document.
func ChunkID(documentID string, seq int) string {
	return fmt.Sprintf("%s:%d", documentID, seq)
}

func (s *Splitter) cutPosition(runes []rune, start int) int {
	limit := start + s.ChunkSize
	lowest := limit - s.endSlack()

	best, bestRank := limit, 0
	for p := limit; p > lowest; p-- {
		rank := boundaryRank(runes, p)
		if rank > bestRank {
			best, bestRank = p, rank
		}
	}
	return best
}

// boundaryRank scores a cut before runes[p]: 4 paragraph, 3 line, 2 sentence, 1 word, 0 none.
func boundaryRank(runes []rune, p int) int {
	if p <= 0 || p > len(runes) {
		return 0
	}
	prev := runes[p-1]
	switch {
	case prev == '\n' && p >= 2 && runes[p-2] == '\n':
		return 4
	case prev == '\n':
		return 3
	case unicode.IsSpace(prev) && p >= 2 && isSentenceEnd(runes[p-2]):
		return 2
	case unicode.IsSpace(prev):
		return 1
	default:
		return 0
	}
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func (s *Splitter) nextStart(runes []rune, end int) int {
	base := end - s.Overlap
	for q := base; q <= base+s.startSlack() && q < end; q++ {
		if q == 0 || (unicode.IsSpace(runes[q-1]) && !unicode.IsSpace(runes[q])) {
			return q
		}
	}
	return base
}
