package ports

import (
	"context"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

// DocumentIngestor is the inbound contract for corpus mutation.
type DocumentIngestor interface {
	Ingest(ctx context.Context, req domain.IngestJob) (*domain.IngestResult, error)
	Delete(ctx context.Context, documentID string) error
}

// DocumentReader is the inbound read model for document metadata/state.
type DocumentReader interface {
	GetDocument(ctx context.Context, id string) (*domain.Document, error)
	ListDocuments(ctx context.Context) ([]domain.Document, error)
}

// DocumentProcessor is the inbound contract for asynchronous ingestion.
type DocumentProcessor interface {
	Enqueue(ctx context.Context, job domain.IngestJob) (*domain.Document, error)
}
