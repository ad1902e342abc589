// Package cli implements the ragctl command tree on top of the engine use cases.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
	"github.com/kirillkom/hybrid-rag/internal/core/usecase"
)

type DocumentService interface {
	ports.DocumentIngestor
	ports.DocumentReader
	Reindex(ctx context.Context) (int, error)
}

type QueryService interface {
	Search(ctx context.Context, req usecase.SearchRequest) (*domain.SearchResponse, error)
	Ask(ctx context.Context, req usecase.AskRequest) (*usecase.AnswerStream, error)
}

type Engine struct {
	Documents DocumentService
	Query     QueryService
}

// Opener builds the engine on first use so that --help never touches a backend.
type Opener func(ctx context.Context) (*Engine, func(), error)

type runner struct {
	open Opener
}

func NewRootCommand(open Opener) *cobra.Command {
	r := &runner{open: open}
	root := &cobra.Command{
		Use:           "ragctl",
		Short:         "Operate the hybrid retrieval engine",
		Long:          "ragctl ingests documents, runs hybrid (BM25 + vector) searches and asks grounded questions against the local engine.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		r.ingestCommand(),
		r.searchCommand(),
		r.askCommand(),
		r.deleteCommand(),
		r.reindexCommand(),
		r.docsCommand(),
	)
	return root
}

// with opens the engine for the duration of fn.
func (r *runner) with(cmd *cobra.Command, fn func(ctx context.Context, engine *Engine) error) error {
	if r.open == nil {
		return errors.New("engine not configured")
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	engine, closeFn, err := r.open(ctx)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	if closeFn != nil {
		defer closeFn()
	}
	return fn(ctx, engine)
}

func printJSON(cmd *cobra.Command, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	cmd.Println(string(data))
	return nil
}
