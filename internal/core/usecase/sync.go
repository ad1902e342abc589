package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

// CorpusSyncUseCase keeps process-local derived state (the keyword index and
// the corpus version) in line with mutations made by other processes.
type CorpusSyncUseCase struct {
	repo     ports.ChunkRepository
	keywords ports.KeywordIndex
	versions ports.CorpusVersionStore
}

func NewCorpusSyncUseCase(repo ports.ChunkRepository, keywords ports.KeywordIndex, versions ports.CorpusVersionStore) *CorpusSyncUseCase {
	return &CorpusSyncUseCase{repo: repo, keywords: keywords, versions: versions}
}

// Warm rebuilds the keyword index from the repository.
func (uc *CorpusSyncUseCase) Warm(ctx context.Context) (int, error) {
	chunks, err := uc.repo.ListChunks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list chunks: %w", err)
	}
	if err := uc.keywords.Rebuild(ctx, chunks); err != nil {
		return 0, fmt.Errorf("rebuild keyword index: %w", err)
	}
	slog.Info("keyword_index_warmed", "chunks", len(chunks))
	return len(chunks), nil
}

func (uc *CorpusSyncUseCase) Apply(ctx context.Context, event domain.CorpusEvent) error {
	switch event.Kind {
	case domain.CorpusEventIngested:
		if event.DocumentID == "" {
			break
		}
		if err := uc.reloadDocument(ctx, event.DocumentID); err != nil {
			return err
		}
	case domain.CorpusEventDeleted:
		if err := uc.keywords.RemoveDocument(ctx, event.DocumentID); err != nil {
			return fmt.Errorf("remove document from keyword index: %w", err)
		}
	case domain.CorpusEventReset:
		if _, err := uc.Warm(ctx); err != nil {
			return err
		}
	default:
		slog.Warn("corpus_event_unknown", "kind", string(event.Kind))
		return nil
	}
	uc.versions.Observe(event.Version)
	slog.Debug("corpus_event_applied", "kind", string(event.Kind), "document_id", event.DocumentID, "version", uint64(event.Version))
	return nil
}

func (uc *CorpusSyncUseCase) reloadDocument(ctx context.Context, documentID string) error {
	chunks, err := uc.repo.ListDocumentChunks(ctx, documentID)
	if err != nil {
		return fmt.Errorf("list document chunks: %w", err)
	}
	if err := uc.keywords.RemoveDocument(ctx, documentID); err != nil {
		return fmt.Errorf("remove document from keyword index: %w", err)
	}
	if len(chunks) == 0 {
		return nil
	}
	if err := uc.keywords.Index(ctx, chunks...); err != nil {
		return fmt.Errorf("keyword index chunks: %w", err)
	}
	return nil
}
