package chunking

import (
	"errors"
	"strings"
	"testing"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

func TestSplitProducesExpectedSpansForUnbrokenText(t *testing.T) {
	s, err := NewSplitter(1000, 200)
	if err != nil {
		t.Fatalf("new splitter: %v", err)
	}
	text := strings.Repeat("abcdefghij", 250)

	chunks := s.Split("A", text, domain.DocumentMetadata{Filename: "a.txt"})
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	want := [][2]int{{0, 1000}, {800, 1800}, {1600, 2500}}
	for i, c := range chunks {
		if c.Start != want[i][0] || c.End != want[i][1] {
			t.Fatalf("chunk %d span = [%d,%d), want [%d,%d)", i, c.Start, c.End, want[i][0], want[i][1])
		}
		if c.ID != ChunkID("A", i) || c.DocumentID != "A" || c.Seq != i {
			t.Fatalf("unexpected chunk identity: %+v", c)
		}
		if c.Metadata.Filename != "a.txt" {
			t.Fatalf("expected denormalized metadata, got %+v", c.Metadata)
		}
		if c.Text != text[c.Start:c.End] {
			t.Fatalf("chunk %d text does not match its span", i)
		}
	}
}

func TestSplitRejectsOverlapNotSmallerThanChunkSize(t *testing.T) {
	cases := []struct {
		size, overlap int
	}{
		{100, 100},
		{100, 150},
		{0, 0},
		{100, -1},
	}
	for _, tc := range cases {
		_, err := NewSplitter(tc.size, tc.overlap)
		if !errors.Is(err, domain.ErrInvalidParameter) {
			t.Fatalf("size=%d overlap=%d: expected ErrInvalidParameter, got %v", tc.size, tc.overlap, err)
		}
	}
}

func TestSplitInvariantsOnProse(t *testing.T) {
	sentence := "Refunds are issued within thirty days of purchase. "
	paragraph := strings.Repeat(sentence, 7) + "\n\n"
	text := strings.Repeat(paragraph, 12) + "Final line without a period"

	for _, params := range [][2]int{{200, 40}, {300, 0}, {512, 128}, {1000, 200}, {64, 63}} {
		s, err := NewSplitter(params[0], params[1])
		if err != nil {
			t.Fatalf("new splitter %v: %v", params, err)
		}
		assertChunkInvariants(t, s, text)
	}
}

func TestSplitKeepsOverlapWithNarrowStep(t *testing.T) {
	words := []string{"refund", "policy", "a", "window", "of", "fourteen", "days", "applies"}
	var b strings.Builder
	for i := 0; b.Len() < 4000; i++ {
		b.WriteString(words[i%len(words)])
		b.WriteByte(' ')
	}
	s, err := NewSplitter(210, 201)
	if err != nil {
		t.Fatalf("new splitter: %v", err)
	}
	assertChunkInvariants(t, s, b.String())

	chunks := s.Split("d", b.String(), domain.DocumentMetadata{})
	for i := 1; i < len(chunks); i++ {
		if overlap := chunks[i-1].End - chunks[i].Start; overlap < 197 {
			t.Fatalf("chunk %d overlap %d below 197", i, overlap)
		}
	}
}

func TestSplitInvariantsOnUnicodeAndWhitespace(t *testing.T) {
	text := strings.Repeat("Привет, мир! 你好世界。 ", 80) + "\n" + strings.Repeat(" ", 50) + "конец"
	s, err := NewSplitter(90, 30, WithBoundarySlack(12))
	if err != nil {
		t.Fatalf("new splitter: %v", err)
	}
	assertChunkInvariants(t, s, text)
}

func TestSplitIsDeterministic(t *testing.T) {
	text := strings.Repeat("Alpha beta gamma. Delta epsilon!\nZeta eta theta? ", 60)
	s, err := NewSplitter(150, 30)
	if err != nil {
		t.Fatalf("new splitter: %v", err)
	}

	first := s.Split("d", text, domain.DocumentMetadata{})
	second := s.Split("d", text, domain.DocumentMetadata{})
	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Start != second[i].Start || first[i].End != second[i].End || first[i].ID != second[i].ID {
			t.Fatalf("chunk %d differs between runs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestSplitPrefersParagraphBoundary(t *testing.T) {
	text := strings.Repeat("x", 95) + "\n\n" + strings.Repeat("y", 150)
	s, err := NewSplitter(100, 10, WithBoundarySlack(10))
	if err != nil {
		t.Fatalf("new splitter: %v", err)
	}
	chunks := s.Split("d", text, domain.DocumentMetadata{})
	if chunks[0].End != 97 {
		t.Fatalf("expected first cut after the blank line at 97, got %d", chunks[0].End)
	}
}

func TestSplitEmptyTextReturnsNoChunks(t *testing.T) {
	s, err := NewSplitter(100, 10)
	if err != nil {
		t.Fatalf("new splitter: %v", err)
	}
	if chunks := s.Split("d", "", domain.DocumentMetadata{}); len(chunks) != 0 {
		t.Fatalf("expected no chunks, got %d", len(chunks))
	}
}

func TestSplitShortTextIsSingleChunk(t *testing.T) {
	s, err := NewSplitter(100, 10)
	if err != nil {
		t.Fatalf("new splitter: %v", err)
	}
	chunks := s.Split("d", "short text", domain.DocumentMetadata{})
	if len(chunks) != 1 || chunks[0].Start != 0 || chunks[0].End != 10 {
		t.Fatalf("unexpected chunks: %+v", chunks)
	}
}

func assertChunkInvariants(t *testing.T, s *Splitter, text string) {
	t.Helper()

	runes := []rune(text)
	chunks := s.Split("doc", text, domain.DocumentMetadata{})
	if len(chunks) == 0 {
		t.Fatalf("expected chunks for non-empty text")
	}
	if chunks[0].Start != 0 {
		t.Fatalf("first chunk must start at 0, got %d", chunks[0].Start)
	}
	if last := chunks[len(chunks)-1]; last.End != len(runes) {
		t.Fatalf("last chunk must end at %d, got %d", len(runes), last.End)
	}

	slack := min(s.BoundarySlack, (s.ChunkSize-s.Overlap)/2, s.Overlap)
	for i, c := range chunks {
		if c.Len() <= 0 || c.Len() > s.ChunkSize {
			t.Fatalf("chunk %d length %d outside (0,%d]", i, c.Len(), s.ChunkSize)
		}
		if c.Text != string(runes[c.Start:c.End]) {
			t.Fatalf("chunk %d text does not match its span", i)
		}
		if i == 0 {
			continue
		}
		prev := chunks[i-1]
		if c.Start < prev.Start {
			t.Fatalf("chunk %d start %d decreases from %d", i, c.Start, prev.Start)
		}
		if c.Start > prev.End {
			t.Fatalf("gap between chunk %d end %d and chunk %d start %d", i-1, prev.End, i, c.Start)
		}
		overlap := prev.End - c.Start
		if overlap > s.Overlap || overlap < s.Overlap-slack {
			t.Fatalf("chunk %d overlap %d outside [%d,%d]", i, overlap, s.Overlap-slack, s.Overlap)
		}
	}
}
