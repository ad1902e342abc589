package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

func seed(t *testing.T, repo *Repository, docID string, n int) {
	t.Helper()
	chunks := make([]domain.Chunk, n)
	for i := range chunks {
		chunks[i] = domain.Chunk{ID: fmt.Sprintf("%s:%d", docID, i), Seq: i, Text: "text"}
	}
	doc := &domain.Document{ID: docID, Text: "raw", Metadata: domain.DocumentMetadata{Filename: docID + ".txt"}, Status: domain.StatusReady}
	if err := repo.SaveDocument(context.Background(), doc, chunks); err != nil {
		t.Fatalf("SaveDocument() error = %v", err)
	}
}

func TestSaveDocumentReplacesChunkSet(t *testing.T) {
	repo := New()
	seed(t, repo, "doc-1", 3)
	seed(t, repo, "doc-1", 1)

	chunks, _ := repo.ListDocumentChunks(context.Background(), "doc-1")
	if len(chunks) != 1 {
		t.Fatalf("expected replaced chunk set, got %d", len(chunks))
	}
	got, _ := repo.GetChunks(context.Background(), []string{"doc-1:0", "doc-1:2"})
	if len(got) != 1 {
		t.Fatalf("expected stale chunk to be gone, got %v", got)
	}
	if got["doc-1:0"].Metadata.Filename != "doc-1.txt" || got["doc-1:0"].DocumentID != "doc-1" {
		t.Fatalf("expected denormalized metadata, got %+v", got["doc-1:0"])
	}
	doc, _ := repo.GetDocument(context.Background(), "doc-1")
	if doc.Text != "" {
		t.Fatalf("raw text must not be persisted")
	}
}

func TestDeleteDocumentCascades(t *testing.T) {
	repo := New()
	seed(t, repo, "doc-1", 2)
	seed(t, repo, "doc-2", 1)

	ids, err := repo.DeleteDocument(context.Background(), "doc-1")
	if err != nil || len(ids) != 2 {
		t.Fatalf("DeleteDocument() = %v, %v", ids, err)
	}
	all, _ := repo.ListChunks(context.Background())
	if len(all) != 1 || all[0].DocumentID != "doc-2" {
		t.Fatalf("unexpected remaining chunks: %+v", all)
	}
	if _, err := repo.DeleteDocument(context.Background(), "doc-1"); !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestPendingChunksFollowEmbeddedFlag(t *testing.T) {
	repo := New()
	seed(t, repo, "doc-1", 3)

	pending, _ := repo.ListPendingChunks(context.Background(), 2)
	if len(pending) != 2 || pending[0].ID != "doc-1:0" {
		t.Fatalf("unexpected pending: %+v", pending)
	}
	_ = repo.MarkEmbedded(context.Background(), []string{"doc-1:0", "doc-1:1"})
	pending, _ = repo.ListPendingChunks(context.Background(), 0)
	if len(pending) != 1 || pending[0].ID != "doc-1:2" {
		t.Fatalf("unexpected pending after mark: %+v", pending)
	}
	_ = repo.MarkAllPending(context.Background())
	pending, _ = repo.ListPendingChunks(context.Background(), 0)
	if len(pending) != 3 {
		t.Fatalf("expected all chunks pending, got %d", len(pending))
	}
}

func TestUpdateStatusUnknownDocument(t *testing.T) {
	repo := New()
	if err := repo.UpdateStatus(context.Background(), "missing", domain.StatusReady); !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}
