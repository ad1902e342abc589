package domain

import "time"

type DocumentStatus string

const (
	StatusPending DocumentStatus = "pending"
	StatusReady   DocumentStatus = "ready"
	// StatusPartial means some chunks are indexed for keywords but still await an embedding.
	StatusPartial DocumentStatus = "partial"
)

type DocumentMetadata struct {
	Filename   string    `json:"filename,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	UploadedAt time.Time `json:"uploaded_at"`
}

type Document struct {
	ID          string           `json:"id"`
	Text        string           `json:"-"`
	Metadata    DocumentMetadata `json:"metadata"`
	ContentHash string           `json:"content_hash"`
	Status      DocumentStatus   `json:"status"`
	ChunkCount  int              `json:"chunk_count"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Chunk is a contiguous span [Start, End) of a document, in rune offsets.
type Chunk struct {
	ID         string           `json:"id"`
	DocumentID string           `json:"document_id"`
	Seq        int              `json:"seq"`
	Start      int              `json:"start"`
	End        int              `json:"end"`
	Text       string           `json:"text"`
	Metadata   DocumentMetadata `json:"metadata"`
	Embedded   bool             `json:"embedded"`
}

func (c Chunk) Len() int {
	return c.End - c.Start
}

// VectorRecord is the vector index representation of one embedded chunk.
type VectorRecord struct {
	ChunkID      string
	DocumentID   string
	Vector       []float32
	ModelVersion string
	Metadata     DocumentMetadata
	Text         string
}

// EmbeddingBatch reports per-item results so callers can proceed with the items that succeeded.
type EmbeddingBatch struct {
	Vectors      [][]float32
	Errors       []error
	ModelVersion string
	CacheHits    int
}

func (b *EmbeddingBatch) Failed() int {
	n := 0
	for _, err := range b.Errors {
		if err != nil {
			n++
		}
	}
	return n
}

// CorpusVersion is a monotonic counter bumped on every corpus mutation.
type CorpusVersion uint64

type CorpusEventKind string

const (
	CorpusEventIngested CorpusEventKind = "ingested"
	CorpusEventDeleted  CorpusEventKind = "deleted"
	CorpusEventReset    CorpusEventKind = "reset"
)

// CorpusEvent is broadcast after a mutation so other processes can refresh derived state.
type CorpusEvent struct {
	Kind       CorpusEventKind `json:"kind"`
	DocumentID string          `json:"document_id,omitempty"`
	Version    CorpusVersion   `json:"version"`
}

// IngestJob is the queued form of an ingestion request.
type IngestJob struct {
	DocumentID string           `json:"document_id"`
	Text       string           `json:"text"`
	Metadata   DocumentMetadata `json:"metadata"`
}

// IngestResult reports what an ingestion indexed and which chunks still need an embedding.
type IngestResult struct {
	Document      *Document     `json:"document"`
	ChunkCount    int           `json:"chunk_count"`
	EmbeddedCount int           `json:"embedded_count"`
	PendingChunks []string      `json:"pending_chunks,omitempty"`
	CorpusVersion CorpusVersion `json:"corpus_version"`
}
