package usecase

import (
	"context"
	"testing"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

func TestApplyReloadsIngestedDocument(t *testing.T) {
	writer := newIngestFixture(t)
	ctx := context.Background()
	if _, err := writer.uc.Ingest(ctx, domain.IngestJob{DocumentID: "doc", Text: longText()}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	local := &keywordIndexFake{}
	versions := &versionsFake{}
	syncer := NewCorpusSyncUseCase(writer.repo, local, versions)

	if err := syncer.Apply(ctx, domain.CorpusEvent{Kind: domain.CorpusEventIngested, DocumentID: "doc", Version: 7}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	chunks, _ := writer.repo.ListDocumentChunks(ctx, "doc")
	if len(local.ids()) != len(chunks) {
		t.Fatalf("expected %d chunks indexed, got %d", len(chunks), len(local.ids()))
	}
	if v, _ := versions.Current(ctx); v != 7 {
		t.Fatalf("expected observed version 7, got %d", v)
	}

	if err := syncer.Apply(ctx, domain.CorpusEvent{Kind: domain.CorpusEventDeleted, DocumentID: "doc", Version: 5}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(local.ids()) != 0 {
		t.Fatalf("expected document removed from local index")
	}
	if v, _ := versions.Current(ctx); v != 7 {
		t.Fatalf("version must never move backwards, got %d", v)
	}
}

func TestWarmRebuildsKeywordIndex(t *testing.T) {
	writer := newIngestFixture(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, err := writer.uc.Ingest(ctx, domain.IngestJob{DocumentID: id, Text: "text of " + id}); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	local := &keywordIndexFake{}
	_ = local.Index(ctx, domain.Chunk{ID: "stale:0", DocumentID: "stale"})

	n, err := NewCorpusSyncUseCase(writer.repo, local, &versionsFake{}).Warm(ctx)
	if err != nil {
		t.Fatalf("warm: %v", err)
	}
	ids := local.ids()
	if n != 2 || len(ids) != 2 || ids["stale:0"] {
		t.Fatalf("unexpected warmed index: n=%d ids=%v", n, ids)
	}
}
