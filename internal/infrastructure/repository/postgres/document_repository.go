package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

// DocumentRepository stores documents and their chunks. Chunk text is the
// durable source from which the keyword index is rebuilt.
type DocumentRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *DocumentRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101401)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	filename TEXT NOT NULL DEFAULT '',
	tags JSONB NOT NULL DEFAULT '[]'::jsonb,
	uploaded_at TIMESTAMPTZ NOT NULL,
	content_hash TEXT NOT NULL,
	status TEXT NOT NULL,
	chunk_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	start_offset INTEGER NOT NULL,
	end_offset INTEGER NOT NULL,
	text TEXT NOT NULL,
	embedded BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, seq);
CREATE INDEX IF NOT EXISTS idx_chunks_pending ON chunks(document_id, seq) WHERE NOT embedded;

CREATE TABLE IF NOT EXISTS corpus_state (
	id SMALLINT PRIMARY KEY,
	version BIGINT NOT NULL
);

INSERT INTO corpus_state (id, version) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// SaveDocument upserts doc and replaces its chunk set in one transaction.
func (r *DocumentRepository) SaveDocument(ctx context.Context, doc *domain.Document, chunks []domain.Chunk) error {
	tagsJSON, err := marshalTags(doc.Metadata.Tags)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
INSERT INTO documents (id, filename, tags, uploaded_at, content_hash, status, chunk_count, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE SET
	filename = EXCLUDED.filename,
	tags = EXCLUDED.tags,
	uploaded_at = EXCLUDED.uploaded_at,
	content_hash = EXCLUDED.content_hash,
	status = EXCLUDED.status,
	chunk_count = EXCLUDED.chunk_count,
	updated_at = EXCLUDED.updated_at
`,
		doc.ID, doc.Metadata.Filename, tagsJSON, doc.Metadata.UploadedAt, doc.ContentHash,
		string(doc.Status), doc.ChunkCount, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, doc.ID); err != nil {
		return fmt.Errorf("delete previous chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO chunks (id, document_id, seq, start_offset, end_offset, text, embedded)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, chunk := range chunks {
		if _, err := stmt.ExecContext(ctx, chunk.ID, doc.ID, chunk.Seq, chunk.Start, chunk.End, chunk.Text, chunk.Embedded); err != nil {
			return fmt.Errorf("insert chunk %s: %w", chunk.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save tx: %w", err)
	}
	return nil
}

const documentColumns = `id, filename, tags, uploaded_at, content_hash, status, chunk_count, created_at, updated_at`

func (r *DocumentRepository) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return &doc, nil
}

func (r *DocumentRepository) ListDocuments(ctx context.Context) ([]domain.Document, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

// DeleteDocument removes the document and its chunks and returns the removed chunk ids.
func (r *DocumentRepository) DeleteDocument(ctx context.Context, id string) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM chunks WHERE document_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("list document chunk ids: %w", err)
	}
	chunkIDs := make([]string, 0)
	for rows.Next() {
		var chunkID string
		if err := rows.Scan(&chunkID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan chunk id: %w", err)
		}
		chunkIDs = append(chunkIDs, chunkID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunk ids: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("delete document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("delete document rows affected: %w", err)
	}
	if affected == 0 {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "delete document", fmt.Errorf("id=%s", id))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete tx: %w", err)
	}
	return chunkIDs, nil
}

const chunkQuery = `
SELECT c.id, c.document_id, c.seq, c.start_offset, c.end_offset, c.text, c.embedded, d.filename, d.tags, d.uploaded_at
FROM chunks c
JOIN documents d ON d.id = c.document_id
`

// GetChunks returns the chunks that still exist; unknown ids are omitted.
func (r *DocumentRepository) GetChunks(ctx context.Context, ids []string) (map[string]domain.Chunk, error) {
	out := make(map[string]domain.Chunk, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("marshal chunk ids: %w", err)
	}
	chunks, err := r.queryChunks(ctx, chunkQuery+`WHERE c.id IN (SELECT jsonb_array_elements_text($1::jsonb))`, idsJSON)
	if err != nil {
		return nil, err
	}
	for _, chunk := range chunks {
		out[chunk.ID] = chunk
	}
	return out, nil
}

func (r *DocumentRepository) ListDocumentChunks(ctx context.Context, documentID string) ([]domain.Chunk, error) {
	return r.queryChunks(ctx, chunkQuery+`WHERE c.document_id = $1 ORDER BY c.seq`, documentID)
}

func (r *DocumentRepository) ListChunks(ctx context.Context) ([]domain.Chunk, error) {
	return r.queryChunks(ctx, chunkQuery+`ORDER BY c.document_id, c.seq`)
}

func (r *DocumentRepository) ListPendingChunks(ctx context.Context, limit int) ([]domain.Chunk, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryChunks(ctx, chunkQuery+`WHERE NOT c.embedded ORDER BY c.document_id, c.seq LIMIT $1`, limit)
}

func (r *DocumentRepository) MarkEmbedded(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	idsJSON, err := json.Marshal(chunkIDs)
	if err != nil {
		return fmt.Errorf("marshal chunk ids: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `
UPDATE chunks SET embedded = TRUE
WHERE id IN (SELECT jsonb_array_elements_text($1::jsonb))
`, idsJSON); err != nil {
		return fmt.Errorf("mark chunks embedded: %w", err)
	}
	return nil
}

func (r *DocumentRepository) MarkAllPending(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE chunks SET embedded = FALSE`); err != nil {
		return fmt.Errorf("mark chunks pending: %w", err)
	}
	return nil
}

func (r *DocumentRepository) UpdateStatus(ctx context.Context, id string, status domain.DocumentStatus) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE documents
SET status = $2, updated_at = $3
WHERE id = $1
`, id, string(status), r.now())
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document status rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrDocumentNotFound, "update document status", fmt.Errorf("id=%s", id))
	}
	return nil
}

func (r *DocumentRepository) queryChunks(ctx context.Context, query string, args ...any) ([]domain.Chunk, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Chunk, 0)
	for rows.Next() {
		var chunk domain.Chunk
		var tagsRaw []byte
		if err := rows.Scan(
			&chunk.ID, &chunk.DocumentID, &chunk.Seq, &chunk.Start, &chunk.End, &chunk.Text, &chunk.Embedded,
			&chunk.Metadata.Filename, &tagsRaw, &chunk.Metadata.UploadedAt,
		); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if err := unmarshalTags(tagsRaw, &chunk.Metadata.Tags); err != nil {
			return nil, err
		}
		out = append(out, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (domain.Document, error) {
	var doc domain.Document
	var tagsRaw []byte
	var status string
	err := row.Scan(
		&doc.ID, &doc.Metadata.Filename, &tagsRaw, &doc.Metadata.UploadedAt, &doc.ContentHash,
		&status, &doc.ChunkCount, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return domain.Document{}, err
	}
	if err := unmarshalTags(tagsRaw, &doc.Metadata.Tags); err != nil {
		return domain.Document{}, err
	}
	doc.Status = domain.DocumentStatus(status)
	return doc, nil
}

func marshalTags(tags []string) ([]byte, error) {
	if tags == nil {
		tags = []string{}
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	return raw, nil
}

func unmarshalTags(raw []byte, dst *[]string) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("unmarshal tags: %w", err)
	}
	if len(*dst) == 0 {
		*dst = nil
	}
	return nil
}
