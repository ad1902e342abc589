package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

const (
	defaultRetryBatch = 256
	reindexBatch      = 256
)

type IngestOption func(*IngestUseCase)

// WithCorpusEvents publishes a corpus event after every mutation.
func WithCorpusEvents(publisher ports.CorpusEventPublisher) IngestOption {
	return func(uc *IngestUseCase) {
		uc.events = publisher
	}
}

// IngestUseCase owns corpus mutation: it keeps the chunk repository, both
// indexes and the corpus version consistent with each other.
type IngestUseCase struct {
	repo     ports.ChunkRepository
	chunker  ports.Chunker
	embedder ports.Embedder
	vectors  ports.VectorIndex
	keywords ports.KeywordIndex
	versions ports.CorpusVersionStore
	events   ports.CorpusEventPublisher
	now      func() time.Time
}

func NewIngestUseCase(
	repo ports.ChunkRepository,
	chunker ports.Chunker,
	embedder ports.Embedder,
	vectors ports.VectorIndex,
	keywords ports.KeywordIndex,
	versions ports.CorpusVersionStore,
	opts ...IngestOption,
) *IngestUseCase {
	uc := &IngestUseCase{
		repo:     repo,
		chunker:  chunker,
		embedder: embedder,
		vectors:  vectors,
		keywords: keywords,
		versions: versions,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Ingest chunks, persists and indexes one document. Chunks whose embedding
// failed stay keyword-searchable and are reported as pending.
func (uc *IngestUseCase) Ingest(ctx context.Context, job domain.IngestJob) (*domain.IngestResult, error) {
	ctx, span := tracer.Start(ctx, "ingest.document")
	defer span.End()

	if strings.TrimSpace(job.Text) == "" {
		return nil, domain.InvalidParameter("document text must not be empty")
	}
	now := uc.now()
	doc := &domain.Document{
		ID:          strings.TrimSpace(job.DocumentID),
		Metadata:    job.Metadata,
		ContentHash: contentHash(job.Text),
		Status:      domain.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Metadata.UploadedAt.IsZero() {
		doc.Metadata.UploadedAt = now
	}

	chunks := uc.chunker.Split(doc.ID, job.Text, doc.Metadata)
	if len(chunks) == 0 {
		return nil, domain.InvalidParameter("document %s produced no chunks", doc.ID)
	}
	doc.ChunkCount = len(chunks)

	replacing, err := uc.dropStaleChunks(ctx, doc, chunks)
	if err != nil {
		return nil, uc.abandon(ctx, doc.ID, replacing, err)
	}
	if err := uc.repo.SaveDocument(ctx, doc, chunks); err != nil {
		return nil, uc.abandon(ctx, doc.ID, replacing, fmt.Errorf("save document: %w", err))
	}
	if err := uc.keywords.Index(ctx, chunks...); err != nil {
		return nil, uc.abandon(ctx, doc.ID, replacing, fmt.Errorf("keyword index chunks: %w", err))
	}

	embedded, pending, err := uc.embedAndUpsert(ctx, chunks)
	if err != nil {
		return nil, uc.abandon(ctx, doc.ID, replacing, err)
	}

	doc.Status = domain.StatusReady
	if len(pending) > 0 {
		doc.Status = domain.StatusPartial
	}
	if err := uc.repo.UpdateStatus(ctx, doc.ID, doc.Status); err != nil {
		return nil, uc.abandon(ctx, doc.ID, replacing, fmt.Errorf("update document status: %w", err))
	}

	version, err := uc.bump(ctx, domain.CorpusEvent{Kind: domain.CorpusEventIngested, DocumentID: doc.ID})
	if err != nil {
		return nil, err
	}
	slog.Info("document_ingested",
		"document_id", doc.ID,
		"chunks", len(chunks),
		"embedded", embedded,
		"pending", len(pending),
		"corpus_version", uint64(version),
	)
	return &domain.IngestResult{
		Document:      doc,
		ChunkCount:    len(chunks),
		EmbeddedCount: embedded,
		PendingChunks: pending,
		CorpusVersion: version,
	}, nil
}

// abandon undoes a failed ingest. A new document is removed from the
// repository and both indexes. A replaced document cannot be restored, so the
// corpus version is bumped instead and its chunks stay pending for retry.
func (uc *IngestUseCase) abandon(ctx context.Context, documentID string, replacing bool, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if !replacing {
		_, err := uc.repo.DeleteDocument(ctx, documentID)
		if err == nil || domain.IsKind(err, domain.ErrDocumentNotFound) {
			uc.removeFromIndexes(ctx, documentID)
			slog.Warn("ingest_rolled_back", "document_id", documentID, "error", cause)
			return cause
		}
		slog.Warn("ingest_rollback_failed", "document_id", documentID, "error", err)
	}
	if _, err := uc.bump(ctx, domain.CorpusEvent{Kind: domain.CorpusEventIngested, DocumentID: documentID}); err != nil {
		slog.Warn("ingest_abandon_bump_failed", "document_id", documentID, "error", err)
	}
	slog.Warn("ingest_failed", "document_id", documentID, "error", cause)
	return cause
}

// dropStaleChunks removes chunk ids of a previous version of doc that the
// new chunk set no longer contains. It reports whether doc replaces a stored document.
func (uc *IngestUseCase) dropStaleChunks(ctx context.Context, doc *domain.Document, chunks []domain.Chunk) (bool, error) {
	previous, err := uc.repo.GetDocument(ctx, doc.ID)
	if err != nil {
		if domain.IsKind(err, domain.ErrDocumentNotFound) {
			return false, nil
		}
		return true, fmt.Errorf("load previous document: %w", err)
	}
	doc.CreatedAt = previous.CreatedAt

	old, err := uc.repo.ListDocumentChunks(ctx, doc.ID)
	if err != nil {
		return true, fmt.Errorf("list previous chunks: %w", err)
	}
	current := make(map[string]struct{}, len(chunks))
	for _, c := range chunks {
		current[c.ID] = struct{}{}
	}
	stale := make([]string, 0)
	for _, c := range old {
		if _, ok := current[c.ID]; !ok {
			stale = append(stale, c.ID)
		}
	}
	if len(stale) == 0 {
		return true, nil
	}
	if err := uc.vectors.Delete(ctx, stale); err != nil {
		return true, fmt.Errorf("delete stale vectors: %w", err)
	}
	if err := uc.keywords.Remove(ctx, stale...); err != nil {
		return true, fmt.Errorf("remove stale keyword entries: %w", err)
	}
	return true, nil
}

// embedAndUpsert embeds chunks, upserts the successful ones and marks them
// embedded. It returns the embedded count and the ids still pending.
func (uc *IngestUseCase) embedAndUpsert(ctx context.Context, chunks []domain.Chunk) (int, []string, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	batch, err := uc.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, nil, fmt.Errorf("embed chunks: %w", err)
	}

	records := make([]domain.VectorRecord, 0, len(chunks))
	ids := make([]string, 0, len(chunks))
	pending := make([]string, 0)
	for i, c := range chunks {
		if batch.Errors[i] != nil {
			pending = append(pending, c.ID)
			continue
		}
		records = append(records, domain.VectorRecord{
			ChunkID:      c.ID,
			DocumentID:   c.DocumentID,
			Vector:       batch.Vectors[i],
			ModelVersion: batch.ModelVersion,
			Metadata:     c.Metadata,
			Text:         c.Text,
		})
		ids = append(ids, c.ID)
	}
	if failed := batch.Failed(); failed > 0 {
		slog.Warn("embedding_partial_failure", "failed", failed, "total", len(chunks))
	}
	if len(records) == 0 {
		return 0, pending, nil
	}

	if err := uc.vectors.Upsert(ctx, records); err != nil {
		if domain.IsKind(err, domain.ErrInvalidParameter) {
			return 0, nil, fmt.Errorf("upsert vectors: %w", err)
		}
		slog.Warn("vector_upsert_failed", "chunks", len(records), "error", err)
		return 0, append(pending, ids...), nil
	}
	if err := uc.repo.MarkEmbedded(ctx, ids); err != nil {
		return 0, nil, fmt.Errorf("mark chunks embedded: %w", err)
	}
	return len(ids), pending, nil
}

// Delete removes a document from the repository and both indexes.
func (uc *IngestUseCase) Delete(ctx context.Context, documentID string) error {
	ctx, span := tracer.Start(ctx, "ingest.delete")
	defer span.End()

	chunkIDs, err := uc.repo.DeleteDocument(ctx, documentID)
	if err != nil {
		return err
	}
	uc.removeFromIndexes(ctx, documentID)
	version, err := uc.bump(ctx, domain.CorpusEvent{Kind: domain.CorpusEventDeleted, DocumentID: documentID})
	if err != nil {
		return err
	}
	slog.Info("document_deleted", "document_id", documentID, "chunks", len(chunkIDs), "corpus_version", uint64(version))
	return nil
}

// removeFromIndexes is best effort: ids left behind in an index no longer
// resolve in the repository and are dropped at query time.
func (uc *IngestUseCase) removeFromIndexes(ctx context.Context, documentID string) {
	if err := uc.vectors.DeleteByDocument(ctx, documentID); err != nil {
		slog.Warn("vector_delete_failed", "document_id", documentID, "error", err)
	}
	if err := uc.keywords.RemoveDocument(ctx, documentID); err != nil {
		slog.Warn("keyword_delete_failed", "document_id", documentID, "error", err)
	}
}

// ClearCorpus deletes every document and returns how many were removed.
func (uc *IngestUseCase) ClearCorpus(ctx context.Context) (int, error) {
	docs, err := uc.repo.ListDocuments(ctx)
	if err != nil {
		return 0, fmt.Errorf("list documents: %w", err)
	}
	removed := 0
	for _, doc := range docs {
		if _, err := uc.repo.DeleteDocument(ctx, doc.ID); err != nil {
			if domain.IsKind(err, domain.ErrDocumentNotFound) {
				continue
			}
			return removed, fmt.Errorf("delete document %s: %w", doc.ID, err)
		}
		if err := uc.keywords.RemoveDocument(ctx, doc.ID); err != nil {
			slog.Warn("keyword_delete_failed", "document_id", doc.ID, "error", err)
		}
		removed++
	}
	if err := uc.vectors.Reset(ctx); err != nil {
		return removed, fmt.Errorf("reset vector index: %w", err)
	}
	if _, err := uc.bump(ctx, domain.CorpusEvent{Kind: domain.CorpusEventReset}); err != nil {
		return removed, err
	}
	slog.Info("corpus_cleared", "documents", removed)
	return removed, nil
}

// RetryPending re-embeds up to limit chunks that still lack a vector and
// returns how many were embedded.
func (uc *IngestUseCase) RetryPending(ctx context.Context, limit int) (int, error) {
	embedded, err := uc.retryPending(ctx, limit)
	if err != nil || embedded == 0 {
		return embedded, err
	}
	if _, err := uc.bump(ctx, domain.CorpusEvent{Kind: domain.CorpusEventIngested}); err != nil {
		return embedded, err
	}
	return embedded, nil
}

func (uc *IngestUseCase) retryPending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultRetryBatch
	}
	chunks, err := uc.repo.ListPendingChunks(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending chunks: %w", err)
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	embedded, _, err := uc.embedAndUpsert(ctx, chunks)
	if err != nil {
		return 0, err
	}
	if embedded > 0 {
		if err := uc.refreshStatuses(ctx, chunks); err != nil {
			return embedded, err
		}
	}
	slog.Info("pending_chunks_retried", "chunks", len(chunks), "embedded", embedded)
	return embedded, nil
}

// refreshStatuses marks documents ready once none of their chunks is pending.
func (uc *IngestUseCase) refreshStatuses(ctx context.Context, chunks []domain.Chunk) error {
	seen := make(map[string]struct{})
	for _, c := range chunks {
		if _, ok := seen[c.DocumentID]; ok {
			continue
		}
		seen[c.DocumentID] = struct{}{}

		docChunks, err := uc.repo.ListDocumentChunks(ctx, c.DocumentID)
		if err != nil {
			return fmt.Errorf("list document chunks: %w", err)
		}
		status := domain.StatusReady
		for _, dc := range docChunks {
			if !dc.Embedded {
				status = domain.StatusPartial
				break
			}
		}
		if err := uc.repo.UpdateStatus(ctx, c.DocumentID, status); err != nil && !domain.IsKind(err, domain.ErrDocumentNotFound) {
			return fmt.Errorf("update document status: %w", err)
		}
	}
	return nil
}

// Reindex drops every vector and re-embeds the whole corpus with the current
// embedding model. It returns the number of chunks embedded.
func (uc *IngestUseCase) Reindex(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "ingest.reindex")
	defer span.End()

	if err := uc.vectors.Reset(ctx); err != nil {
		return 0, fmt.Errorf("reset vector index: %w", err)
	}
	if err := uc.repo.MarkAllPending(ctx); err != nil {
		return 0, fmt.Errorf("mark chunks pending: %w", err)
	}
	docs, err := uc.repo.ListDocuments(ctx)
	if err != nil {
		return 0, fmt.Errorf("list documents: %w", err)
	}
	for _, doc := range docs {
		if err := uc.repo.UpdateStatus(ctx, doc.ID, domain.StatusPartial); err != nil && !domain.IsKind(err, domain.ErrDocumentNotFound) {
			return 0, fmt.Errorf("update document status: %w", err)
		}
	}

	total := 0
	for {
		embedded, err := uc.retryPending(ctx, reindexBatch)
		total += embedded
		if err != nil {
			return total, err
		}
		if embedded == 0 {
			break
		}
	}
	if _, err := uc.bump(ctx, domain.CorpusEvent{Kind: domain.CorpusEventReset}); err != nil {
		return total, err
	}
	slog.Info("corpus_reindexed", "documents", len(docs), "embedded", total, "model", uc.embedder.ModelVersion())
	return total, nil
}

// CountPending reports how many chunks lack an embedding, counting at most limit.
func (uc *IngestUseCase) CountPending(ctx context.Context, limit int) (int, error) {
	chunks, err := uc.repo.ListPendingChunks(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending chunks: %w", err)
	}
	return len(chunks), nil
}

func (uc *IngestUseCase) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	return uc.repo.GetDocument(ctx, id)
}

func (uc *IngestUseCase) ListDocuments(ctx context.Context) ([]domain.Document, error) {
	return uc.repo.ListDocuments(ctx)
}

func (uc *IngestUseCase) bump(ctx context.Context, event domain.CorpusEvent) (domain.CorpusVersion, error) {
	version, err := uc.versions.Bump(ctx)
	if err != nil {
		return 0, fmt.Errorf("bump corpus version: %w", err)
	}
	if uc.events != nil {
		event.Version = version
		if err := uc.events.PublishCorpusEvent(ctx, event); err != nil {
			slog.Warn("corpus_event_publish_failed", "kind", string(event.Kind), "document_id", event.DocumentID, "error", err)
		}
	}
	return version, nil
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
