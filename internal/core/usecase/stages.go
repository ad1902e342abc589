package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

var tracer = otel.Tracer("github.com/kirillkom/hybrid-rag/internal/core/usecase")

// stageTracker walks one goroutine through query stages, with one span and
// one debug log line per stage.
type stageTracker struct {
	ctx       context.Context
	operation string
	metrics   ports.QueryMetrics

	stage   domain.QueryStage
	started time.Time
	span    trace.Span
}

func newStageTracker(ctx context.Context, operation string, metrics ports.QueryMetrics, first domain.QueryStage) *stageTracker {
	t := &stageTracker{ctx: ctx, operation: operation, metrics: metrics}
	t.enter(first)
	return t
}

func (t *stageTracker) enter(stage domain.QueryStage) {
	t.closeStage()
	t.stage = stage
	t.started = time.Now()
	_, t.span = tracer.Start(t.ctx, "query."+strings.ToLower(string(stage)),
		trace.WithAttributes(attribute.String("query.operation", t.operation)))
	slog.Debug("query_stage", "operation", t.operation, "stage", string(stage))
}

func (t *stageTracker) closeStage() {
	if t.span == nil {
		return
	}
	t.span.End()
	t.span = nil
	if t.metrics != nil {
		t.metrics.ObserveStage(t.stage, time.Since(t.started).Seconds())
	}
}

// fail ends the current stage and tags err with the stage it failed in.
// An error already tagged by a nested tracker keeps its stage.
func (t *stageTracker) fail(err error) error {
	var stageErr *domain.StageError
	if !errors.As(err, &stageErr) {
		stageErr = &domain.StageError{Stage: t.stage, Err: err}
	}
	if t.span != nil {
		t.span.RecordError(err)
		t.span.SetStatus(codes.Error, err.Error())
	}
	t.closeStage()
	if t.metrics != nil && domain.IsKind(err, domain.ErrGeneration) {
		t.metrics.ObserveGenerationError(domain.ErrorKind(err))
	}
	slog.Debug("query_stage",
		"operation", t.operation,
		"stage", string(domain.StageFailed),
		"failed_stage", string(stageErr.Stage),
		"error", err,
	)
	t.stage = domain.StageFailed
	return stageErr
}

func (t *stageTracker) done() {
	t.enter(domain.StageDone)
	t.closeStage()
}

// close ends the current stage without entering DONE.
func (t *stageTracker) close() {
	t.closeStage()
}
