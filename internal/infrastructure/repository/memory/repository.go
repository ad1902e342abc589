package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

// Repository is an in-process ChunkRepository used when no database is configured.
type Repository struct {
	mu        sync.RWMutex
	documents map[string]domain.Document
	chunks    map[string]domain.Chunk
	byDoc     map[string][]string
	now       func() time.Time
}

func New() *Repository {
	return &Repository{
		documents: make(map[string]domain.Document),
		chunks:    make(map[string]domain.Chunk),
		byDoc:     make(map[string][]string),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (r *Repository) SaveDocument(_ context.Context, doc *domain.Document, chunks []domain.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.byDoc[doc.ID] {
		delete(r.chunks, id)
	}
	stored := *doc
	stored.Text = ""
	stored.Metadata.Tags = slices.Clone(doc.Metadata.Tags)
	r.documents[doc.ID] = stored

	ids := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		chunk.DocumentID = doc.ID
		chunk.Metadata = stored.Metadata
		r.chunks[chunk.ID] = chunk
		ids = append(ids, chunk.ID)
	}
	r.byDoc[doc.ID] = ids
	return nil
}

func (r *Repository) GetDocument(_ context.Context, id string) (*domain.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc, ok := r.documents[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
	}
	return &doc, nil
}

func (r *Repository) ListDocuments(context.Context) ([]domain.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Document, 0, len(r.documents))
	for _, doc := range r.documents {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *Repository) DeleteDocument(_ context.Context, id string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.documents[id]; !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "delete document", fmt.Errorf("id=%s", id))
	}
	ids := r.byDoc[id]
	for _, chunkID := range ids {
		delete(r.chunks, chunkID)
	}
	delete(r.byDoc, id)
	delete(r.documents, id)
	return ids, nil
}

func (r *Repository) GetChunks(_ context.Context, ids []string) (map[string]domain.Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]domain.Chunk, len(ids))
	for _, id := range ids {
		if chunk, ok := r.chunks[id]; ok {
			out[id] = chunk
		}
	}
	return out, nil
}

func (r *Repository) ListDocumentChunks(_ context.Context, documentID string) ([]domain.Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byDoc[documentID]
	out := make([]domain.Chunk, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.chunks[id])
	}
	return out, nil
}

func (r *Repository) ListChunks(context.Context) ([]domain.Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedChunksLocked(func(domain.Chunk) bool { return true }, 0), nil
}

func (r *Repository) ListPendingChunks(_ context.Context, limit int) ([]domain.Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedChunksLocked(func(c domain.Chunk) bool { return !c.Embedded }, limit), nil
}

func (r *Repository) MarkEmbedded(_ context.Context, chunkIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range chunkIDs {
		if chunk, ok := r.chunks[id]; ok {
			chunk.Embedded = true
			r.chunks[id] = chunk
		}
	}
	return nil
}

func (r *Repository) MarkAllPending(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, chunk := range r.chunks {
		chunk.Embedded = false
		r.chunks[id] = chunk
	}
	return nil
}

func (r *Repository) UpdateStatus(_ context.Context, id string, status domain.DocumentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.documents[id]
	if !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "update document status", fmt.Errorf("id=%s", id))
	}
	doc.Status = status
	doc.UpdatedAt = r.now()
	r.documents[id] = doc
	return nil
}

func (r *Repository) sortedChunksLocked(keep func(domain.Chunk) bool, limit int) []domain.Chunk {
	docIDs := make([]string, 0, len(r.byDoc))
	for id := range r.byDoc {
		docIDs = append(docIDs, id)
	}
	sort.Strings(docIDs)

	out := make([]domain.Chunk, 0)
	for _, docID := range docIDs {
		for _, id := range r.byDoc[docID] {
			chunk := r.chunks[id]
			if !keep(chunk) {
				continue
			}
			out = append(out, chunk)
			if limit > 0 && len(out) == limit {
				return out
			}
		}
	}
	return out
}
