package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/usecase"
)

type documentsFake struct {
	ingested  []domain.IngestJob
	deleted   []string
	reindexed int
	docs      []domain.Document
	err       error
}

func (f *documentsFake) Ingest(_ context.Context, job domain.IngestJob) (*domain.IngestResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.ingested = append(f.ingested, job)
	return &domain.IngestResult{
		Document:      &domain.Document{ID: "doc-1", Metadata: job.Metadata},
		ChunkCount:    3,
		EmbeddedCount: 2,
		PendingChunks: []string{"doc-1:2"},
		CorpusVersion: 7,
	}, nil
}

func (f *documentsFake) Delete(_ context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *documentsFake) GetDocument(_ context.Context, id string) (*domain.Document, error) {
	for i := range f.docs {
		if f.docs[i].ID == id {
			return &f.docs[i], nil
		}
	}
	return nil, domain.ErrDocumentNotFound
}

func (f *documentsFake) ListDocuments(context.Context) ([]domain.Document, error) {
	return f.docs, f.err
}

func (f *documentsFake) Reindex(context.Context) (int, error) {
	return f.reindexed, f.err
}

type queryServiceFake struct {
	lastSearch usecase.SearchRequest
	lastAsk    usecase.AskRequest
	response   *domain.SearchResponse
	answer     *domain.Answer
}

func (f *queryServiceFake) Search(_ context.Context, req usecase.SearchRequest) (*domain.SearchResponse, error) {
	f.lastSearch = req
	return f.response, nil
}

func (f *queryServiceFake) Ask(_ context.Context, req usecase.AskRequest) (*usecase.AnswerStream, error) {
	f.lastAsk = req
	return usecase.ReplayAnswer(f.answer), nil
}

func run(t *testing.T, engine *Engine, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand(func(context.Context) (*Engine, func(), error) {
		return engine, func() {}, nil
	})
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestIngestCommandReadsFileAndReportsPending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.md")
	require.NoError(t, os.WriteFile(path, []byte("Refunds are issued within 14 days."), 0o600))

	docs := &documentsFake{}
	out, err := run(t, &Engine{Documents: docs}, "ingest", path, "--tag", "billing")

	require.NoError(t, err)
	require.Len(t, docs.ingested, 1)
	assert.Equal(t, "policy.md", docs.ingested[0].Metadata.Filename)
	assert.Equal(t, []string{"billing"}, docs.ingested[0].Metadata.Tags)
	assert.Contains(t, out, "Ingested doc-1: 3 chunks, 2 embedded (corpus version 7)")
	assert.Contains(t, out, "1 chunks await embedding")
}

func TestIngestCommandRequiresExactlyOneArg(t *testing.T) {
	_, err := run(t, &Engine{Documents: &documentsFake{}}, "ingest")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg(s)")
}

func TestSearchCommandPassesFlags(t *testing.T) {
	query := &queryServiceFake{response: &domain.SearchResponse{
		Results: []domain.Candidate{{
			ChunkID:    "doc-1:0",
			Text:       "Refunds are issued within 14 days.",
			FusedScore: 0.75,
			Metadata:   domain.DocumentMetadata{Filename: "policy.md"},
		}},
		Degraded:        true,
		DegradedReasons: []string{domain.DegradedVectorUnavailable},
	}}
	out, err := run(t, &Engine{Query: query}, "search", "refund window", "-n", "3", "--tag", "billing")

	require.NoError(t, err)
	assert.Equal(t, "refund window", query.lastSearch.Query)
	assert.Equal(t, 3, query.lastSearch.TopK)
	assert.Equal(t, []string{"billing"}, query.lastSearch.Filter.Tags)
	assert.Contains(t, out, "warning: degraded result (vector_unavailable)")
	assert.Contains(t, out, "[1] doc-1:0 (0.750)")
	assert.Contains(t, out, "File: policy.md")
}

func TestSearchCommandNoResults(t *testing.T) {
	query := &queryServiceFake{response: &domain.SearchResponse{}}
	out, err := run(t, &Engine{Query: query}, "search", "nothing")

	require.NoError(t, err)
	assert.Contains(t, out, "No results found.")
}

func TestAskCommandStreamsTokensAndSources(t *testing.T) {
	query := &queryServiceFake{answer: &domain.Answer{
		Text:       "Within 14 days [1].",
		Citations:  []domain.Citation{{Index: 1, ChunkID: "doc-1:0", DocumentID: "doc-1", Filename: "policy.md", End: 34}},
		Confidence: 0.5,
	}}
	out, err := run(t, &Engine{Query: query}, "ask", "refund window?", "--stream")

	require.NoError(t, err)
	assert.True(t, query.lastAsk.Stream)
	assert.Contains(t, out, "Within 14 days [1].")
	assert.Contains(t, out, "Sources (confidence 0.50):")
	assert.Contains(t, out, "[1] policy.md doc-1:0 [0:34]")
}

func TestAskCommandPrintsCollectedAnswer(t *testing.T) {
	query := &queryServiceFake{answer: &domain.Answer{Text: "No relevant context.", NoContext: true}}
	out, err := run(t, &Engine{Query: query}, "ask", "unknown topic")

	require.NoError(t, err)
	assert.False(t, query.lastAsk.Stream)
	assert.Contains(t, out, "No relevant context.")
	assert.NotContains(t, out, "Sources")
}

func TestDeleteReindexAndDocsCommands(t *testing.T) {
	docs := &documentsFake{
		reindexed: 12,
		docs: []domain.Document{{
			ID:         "doc-1",
			Metadata:   domain.DocumentMetadata{Filename: "policy.md", Tags: []string{"a", "b"}},
			Status:     domain.StatusReady,
			ChunkCount: 3,
		}},
	}
	engine := &Engine{Documents: docs}

	out, err := run(t, engine, "delete", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1"}, docs.deleted)
	assert.Contains(t, out, "Deleted doc-1")

	out, err = run(t, engine, "reindex")
	require.NoError(t, err)
	assert.Contains(t, out, "Reindexed 12 chunks")

	out, err = run(t, engine, "docs")
	require.NoError(t, err)
	assert.Contains(t, out, "doc-1\tpolicy.md\tready\t3 chunks\ta,b")
}

func TestCommandErrorsAreWrapped(t *testing.T) {
	docs := &documentsFake{err: domain.ErrDocumentNotFound}
	_, err := run(t, &Engine{Documents: docs}, "delete", "missing")

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDocumentNotFound))
	assert.Contains(t, err.Error(), "delete failed")
}

func TestOpenFailureSurfaces(t *testing.T) {
	root := NewRootCommand(func(context.Context) (*Engine, func(), error) {
		return nil, nil, errors.New("postgres unreachable")
	})
	root.SetOut(new(bytes.Buffer))
	root.SetArgs([]string{"docs"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open engine: postgres unreachable")
}

func TestHelpDoesNotOpenEngine(t *testing.T) {
	opened := false
	root := NewRootCommand(func(context.Context) (*Engine, func(), error) {
		opened = true
		return &Engine{}, nil, nil
	})
	root.SetOut(new(bytes.Buffer))
	root.SetArgs([]string{"search", "--help"})

	require.NoError(t, root.Execute())
	assert.False(t, opened)
}
