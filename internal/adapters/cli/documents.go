package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

func (r *runner) ingestCommand() *cobra.Command {
	var (
		documentID string
		tags       []string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Chunk, embed and index a text file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read document: %w", err)
			}
			job := domain.IngestJob{
				DocumentID: documentID,
				Text:       string(raw),
				Metadata: domain.DocumentMetadata{
					Filename: filepath.Base(args[0]),
					Tags:     tags,
				},
			}
			return r.with(cmd, func(ctx context.Context, engine *Engine) error {
				result, err := engine.Documents.Ingest(ctx, job)
				if err != nil {
					return fmt.Errorf("ingest failed: %w", err)
				}
				if asJSON {
					return printJSON(cmd, result)
				}
				cmd.Printf("Ingested %s: %d chunks, %d embedded (corpus version %d)\n",
					result.Document.ID, result.ChunkCount, result.EmbeddedCount, result.CorpusVersion)
				if n := len(result.PendingChunks); n > 0 {
					cmd.Printf("  %d chunks await embedding; run `ragctl reindex` once the provider is back\n", n)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&documentID, "id", "", "document id (generated when empty)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag to attach; repeatable")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output the ingest result as JSON")
	return cmd
}

func (r *runner) deleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a document and all of its chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.with(cmd, func(ctx context.Context, engine *Engine) error {
				if err := engine.Documents.Delete(ctx, args[0]); err != nil {
					return fmt.Errorf("delete failed: %w", err)
				}
				cmd.Printf("Deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func (r *runner) reindexCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Re-embed every chunk into a fresh vector index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.with(cmd, func(ctx context.Context, engine *Engine) error {
				n, err := engine.Documents.Reindex(ctx)
				if err != nil {
					return fmt.Errorf("reindex failed: %w", err)
				}
				cmd.Printf("Reindexed %d chunks\n", n)
				return nil
			})
		},
	}
}

func (r *runner) docsCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "docs",
		Short: "List ingested documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.with(cmd, func(ctx context.Context, engine *Engine) error {
				docs, err := engine.Documents.ListDocuments(ctx)
				if err != nil {
					return fmt.Errorf("list documents: %w", err)
				}
				if asJSON {
					return printJSON(cmd, docs)
				}
				if len(docs) == 0 {
					cmd.Println("No documents.")
					return nil
				}
				for _, doc := range docs {
					name := doc.Metadata.Filename
					if name == "" {
						name = "-"
					}
					line := fmt.Sprintf("%s\t%s\t%s\t%d chunks", doc.ID, name, doc.Status, doc.ChunkCount)
					if len(doc.Metadata.Tags) > 0 {
						line += "\t" + strings.Join(doc.Metadata.Tags, ",")
					}
					cmd.Println(line)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output documents as JSON")
	return cmd
}
