package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/usecase"
)

type filterFlags struct {
	documents []string
	filename  string
	tags      []string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.documents, "doc", nil, "restrict to document id; repeatable")
	cmd.Flags().StringVar(&f.filename, "filename", "", "restrict to one filename")
	cmd.Flags().StringSliceVar(&f.tags, "tag", nil, "require tag; repeatable")
}

func (f *filterFlags) filter() domain.SearchFilter {
	return domain.SearchFilter{DocumentIDs: f.documents, Filename: f.filename, Tags: f.tags}
}

func (r *runner) searchCommand() *cobra.Command {
	var (
		topK    int
		asJSON  bool
		filters filterFlags
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a hybrid search",
		Long: `Performs hybrid search across all indexed chunks.
Combines keyword (BM25) and semantic (vector) search, then reranks the head.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.with(cmd, func(ctx context.Context, engine *Engine) error {
				resp, err := engine.Query.Search(ctx, usecase.SearchRequest{
					Query:  args[0],
					TopK:   topK,
					Filter: filters.filter(),
				})
				if err != nil {
					return fmt.Errorf("search failed: %w", err)
				}
				if asJSON {
					return printJSON(cmd, resp)
				}
				printDegraded(cmd, resp.Degraded, resp.DegradedReasons)
				if len(resp.Results) == 0 {
					cmd.Println("No results found.")
					return nil
				}
				for i, c := range resp.Results {
					cmd.Printf("  [%d] %s (%.3f)\n", i+1, c.ChunkID, c.Score())
					if c.Metadata.Filename != "" {
						cmd.Printf("      File: %s\n", c.Metadata.Filename)
					}
					cmd.Printf("      %s\n", snippet(c.Text, 160))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&topK, "top-k", "n", 0, "number of results (0 uses the configured default)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output results as JSON")
	filters.register(cmd)
	return cmd
}

func (r *runner) askCommand() *cobra.Command {
	var (
		topK      int
		maxTokens int
		stream    bool
		asJSON    bool
		filters   filterFlags
	)
	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Answer a question from the indexed corpus with citations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.with(cmd, func(ctx context.Context, engine *Engine) error {
				answerStream, err := engine.Query.Ask(ctx, usecase.AskRequest{
					Query:     args[0],
					TopK:      topK,
					Filter:    filters.filter(),
					MaxTokens: maxTokens,
					Stream:    stream,
				})
				if err != nil {
					return fmt.Errorf("ask failed: %w", err)
				}
				if !stream {
					answer, err := answerStream.Collect(ctx)
					if err != nil {
						return fmt.Errorf("ask failed: %w", err)
					}
					if asJSON {
						return printJSON(cmd, answer)
					}
					cmd.Println(answer.Text)
					printSources(cmd, answer)
					return nil
				}
				return streamAnswer(ctx, cmd, answerStream)
			})
		},
	}
	cmd.Flags().IntVarP(&topK, "top-k", "n", 0, "number of passages (0 uses the configured default)")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "generation budget (0 uses the configured default)")
	cmd.Flags().BoolVar(&stream, "stream", false, "print tokens as they are generated")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output the answer as JSON (ignored with --stream)")
	filters.register(cmd)
	return cmd
}

func streamAnswer(ctx context.Context, cmd *cobra.Command, stream *usecase.AnswerStream) error {
	defer stream.Close()
	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-stream.Events():
			if !ok {
				return nil
			}
			switch event.Type {
			case domain.EventToken:
				fmt.Fprint(out, event.Token)
			case domain.EventError:
				fmt.Fprintln(out)
				return fmt.Errorf("ask failed: %w", event.Err)
			case domain.EventDone:
				fmt.Fprintln(out)
				printSources(cmd, event.Answer)
				return nil
			}
		}
	}
}

func printSources(cmd *cobra.Command, answer *domain.Answer) {
	printDegraded(cmd, answer.Degraded, answer.DegradedReasons)
	if len(answer.Citations) == 0 {
		return
	}
	cmd.Println()
	cmd.Printf("Sources (confidence %.2f):\n", answer.Confidence)
	for _, c := range answer.Citations {
		name := c.Filename
		if name == "" {
			name = c.DocumentID
		}
		cmd.Printf("  [%d] %s %s [%d:%d]\n", c.Index, name, c.ChunkID, c.Start, c.End)
	}
}

func printDegraded(cmd *cobra.Command, degraded bool, reasons []string) {
	if degraded {
		cmd.Printf("warning: degraded result (%s)\n", strings.Join(reasons, ", "))
	}
}

func snippet(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
