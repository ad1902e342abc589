package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

// CorpusRepository keeps the shared corpus version in corpus_state.
type CorpusRepository struct {
	db *sql.DB
}

func NewCorpusRepository(db *sql.DB) *CorpusRepository {
	return &CorpusRepository{db: db}
}

func (r *CorpusRepository) LoadVersion(ctx context.Context) (domain.CorpusVersion, error) {
	var version int64
	if err := r.db.QueryRowContext(ctx, `SELECT version FROM corpus_state WHERE id = 1`).Scan(&version); err != nil {
		return 0, fmt.Errorf("load corpus version: %w", err)
	}
	return domain.CorpusVersion(version), nil
}

func (r *CorpusRepository) BumpVersion(ctx context.Context) (domain.CorpusVersion, error) {
	var version int64
	err := r.db.QueryRowContext(ctx, `
UPDATE corpus_state SET version = version + 1
WHERE id = 1
RETURNING version
`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("bump corpus version: %w", err)
	}
	return domain.CorpusVersion(version), nil
}
