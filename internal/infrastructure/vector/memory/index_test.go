package memory

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

func record(id, doc string, vec ...float32) domain.VectorRecord {
	return domain.VectorRecord{ChunkID: id, DocumentID: doc, Vector: vec, ModelVersion: "m1"}
}

func TestSearchOrdersByCosineWithChunkIDTieBreak(t *testing.T) {
	ix := NewIndex()
	ctx := context.Background()
	err := ix.Upsert(ctx, []domain.VectorRecord{
		record("c", "d", 1, 0),
		record("b", "d", 2, 0),
		record("a", "d", 0, 1),
		record("z", "d", -1, 0),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := ix.Search(ctx, []float32{1, 0}, 10, domain.SearchFilter{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	want := []string{"b", "c", "a", "z"}
	for i, id := range want {
		if got[i].ChunkID != id {
			t.Fatalf("position %d: want %s got %s (%+v)", i, id, got[i].ChunkID, got)
		}
	}
	if math.Abs(got[0].Score-1) > 1e-9 || math.Abs(got[3].Score+1) > 1e-9 {
		t.Fatalf("unexpected scores: %+v", got)
	}
}

func TestSearchNeverExceedsK(t *testing.T) {
	ix := NewIndex()
	ctx := context.Background()
	_ = ix.Upsert(ctx, []domain.VectorRecord{record("a", "d", 1, 1), record("b", "d", 1, 2), record("c", "d", 2, 1)})

	got, _ := ix.Search(ctx, []float32{1, 1}, 2, domain.SearchFilter{})
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
}

func TestDeletesAreVisibleImmediately(t *testing.T) {
	ix := NewIndex()
	ctx := context.Background()
	_ = ix.Upsert(ctx, []domain.VectorRecord{record("a:0", "a", 1, 0), record("a:1", "a", 1, 0), record("b:0", "b", 1, 0)})

	_ = ix.DeleteByDocument(ctx, "a")
	got, _ := ix.Search(ctx, []float32{1, 0}, 10, domain.SearchFilter{})
	if len(got) != 1 || got[0].ChunkID != "b:0" {
		t.Fatalf("expected only b:0, got %+v", got)
	}
	_ = ix.Delete(ctx, []string{"b:0"})
	if ix.Len() != 0 {
		t.Fatalf("expected empty index, got %d", ix.Len())
	}
}

func TestUpsertRejectsMixedDimensionsAndModels(t *testing.T) {
	ix := NewIndex()
	ctx := context.Background()
	if err := ix.Upsert(ctx, []domain.VectorRecord{record("a", "d", 1, 0)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	err := ix.Upsert(ctx, []domain.VectorRecord{record("b", "d", 1, 0, 0)})
	if !errors.Is(err, domain.ErrInvalidParameter) {
		t.Fatalf("expected dimension mismatch error, got %v", err)
	}

	other := record("c", "d", 0, 1)
	other.ModelVersion = "m2"
	if err := ix.Upsert(ctx, []domain.VectorRecord{other}); !errors.Is(err, domain.ErrInvalidParameter) {
		t.Fatalf("expected model mismatch error, got %v", err)
	}

	if err := ix.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := ix.Upsert(ctx, []domain.VectorRecord{other}); err != nil {
		t.Fatalf("upsert after reset: %v", err)
	}
}

func TestSearchAppliesMetadataFilter(t *testing.T) {
	ix := NewIndex()
	ctx := context.Background()
	a := record("a:0", "a", 1, 0)
	a.Metadata = domain.DocumentMetadata{Filename: "refunds.md"}
	b := record("b:0", "b", 1, 0)
	b.Metadata = domain.DocumentMetadata{Filename: "shipping.md"}
	_ = ix.Upsert(ctx, []domain.VectorRecord{a, b})

	got, _ := ix.Search(ctx, []float32{1, 0}, 10, domain.SearchFilter{Filename: "shipping.md"})
	if len(got) != 1 || got[0].ChunkID != "b:0" {
		t.Fatalf("unexpected filtered hits: %+v", got)
	}
}
