package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

// ProcessUseCase moves ingestion off the request path: Enqueue records a
// pending document and publishes the job, Handle runs it inside a worker.
type ProcessUseCase struct {
	repo   ports.ChunkRepository
	queue  ports.IngestJobPublisher
	ingest *IngestUseCase
	now    func() time.Time
}

func NewProcessUseCase(repo ports.ChunkRepository, queue ports.IngestJobPublisher, ingest *IngestUseCase) *ProcessUseCase {
	return &ProcessUseCase{
		repo:   repo,
		queue:  queue,
		ingest: ingest,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (uc *ProcessUseCase) Enqueue(ctx context.Context, job domain.IngestJob) (*domain.Document, error) {
	if strings.TrimSpace(job.Text) == "" {
		return nil, domain.InvalidParameter("document text must not be empty")
	}
	job.DocumentID = strings.TrimSpace(job.DocumentID)
	if job.DocumentID == "" {
		job.DocumentID = uuid.NewString()
	}
	now := uc.now()
	if job.Metadata.UploadedAt.IsZero() {
		job.Metadata.UploadedAt = now
	}

	doc, err := uc.placeholder(ctx, job, now)
	if err != nil {
		return nil, err
	}
	if err := uc.queue.PublishIngestJob(ctx, job); err != nil {
		return nil, fmt.Errorf("publish ingest job: %w", err)
	}
	slog.Info("ingest_job_enqueued", "document_id", job.DocumentID)
	return doc, nil
}

// placeholder makes a new document visible as pending before the worker picks
// it up. A reingested document keeps serving its current chunks meanwhile.
func (uc *ProcessUseCase) placeholder(ctx context.Context, job domain.IngestJob, now time.Time) (*domain.Document, error) {
	existing, err := uc.repo.GetDocument(ctx, job.DocumentID)
	if err == nil {
		return existing, nil
	}
	if !domain.IsKind(err, domain.ErrDocumentNotFound) {
		return nil, fmt.Errorf("load document: %w", err)
	}
	doc := &domain.Document{
		ID:          job.DocumentID,
		Metadata:    job.Metadata,
		ContentHash: contentHash(job.Text),
		Status:      domain.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := uc.repo.SaveDocument(ctx, doc, nil); err != nil {
		return nil, fmt.Errorf("save pending document: %w", err)
	}
	return doc, nil
}

// Handle ingests one queued job. Invalid jobs are dropped since redelivery
// cannot fix them.
func (uc *ProcessUseCase) Handle(ctx context.Context, job domain.IngestJob) error {
	result, err := uc.ingest.Ingest(ctx, job)
	if err != nil {
		if domain.IsKind(err, domain.ErrInvalidParameter) {
			slog.Warn("ingest_job_rejected", "document_id", job.DocumentID, "error", err)
			return nil
		}
		return fmt.Errorf("ingest document %s: %w", job.DocumentID, err)
	}
	slog.Info("ingest_job_done",
		"document_id", result.Document.ID,
		"status", string(result.Document.Status),
		"pending", len(result.PendingChunks),
	)
	return nil
}
