package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kirillkom/hybrid-rag/internal/adapters/cli"
	"github.com/kirillkom/hybrid-rag/internal/bootstrap"
	"github.com/kirillkom/hybrid-rag/internal/config"
	"github.com/kirillkom/hybrid-rag/internal/observability/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.NewRootCommand(openEngine)
	root.SetOut(os.Stdout)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func openEngine(ctx context.Context) (*cli.Engine, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	// stdout carries command output.
	slog.SetDefault(logging.NewJSONLoggerTo(os.Stderr, "ragctl", cfg.LogLevel))
	app, err := bootstrap.New(ctx, cfg, bootstrap.Telemetry{})
	if err != nil {
		return nil, nil, err
	}
	// The keyword index lives in process memory and must be rebuilt from the repository.
	if _, err := app.SyncUC.Warm(ctx); err != nil {
		app.Close()
		return nil, nil, err
	}
	return &cli.Engine{Documents: app.IngestUC, Query: app.QueryUC}, app.Close, nil
}
