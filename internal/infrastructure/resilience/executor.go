package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type ErrorClassification struct {
	Retryable     bool
	RecordFailure bool
}

type ErrorClassifier func(err error) ErrorClassification

// RetryObserver is notified of every retry so callers can export it as a metric.
type RetryObserver func(operation string, attempt int, err error)

// ExhaustedError is returned when every attempt of a retryable operation failed.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: exhausted %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Executor wraps outbound calls with bounded retries and one circuit breaker per operation name.
type Executor struct {
	cfg     Config
	onRetry RetryObserver
	rnd     func() float64

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
}

func NewExecutor(cfg Config) *Executor {
	return &Executor{
		cfg:      cfg.normalize(),
		rnd:      defaultRand,
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
}

// OnRetry installs a retry observer. It must be called before the executor is shared.
func (e *Executor) OnRetry(observer RetryObserver) *Executor {
	e.onRetry = observer
	return e
}

// Execute runs fn under the operation's breaker, retrying while classifier reports Retryable.
func (e *Executor) Execute(
	ctx context.Context,
	operation string,
	fn func(context.Context) error,
	classifier ErrorClassifier,
) error {
	if fn == nil {
		return errors.New("resilience: operation callback is nil")
	}
	if classifier == nil {
		classifier = defaultClassifier
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}

	run := func() error { return e.retry(ctx, op, fn, classifier) }
	if !e.cfg.BreakerEnabled {
		return run()
	}
	_, err := e.breaker(op, classifier).Execute(func() (struct{}, error) {
		return struct{}{}, run()
	})
	return err
}

func (e *Executor) retry(ctx context.Context, op string, fn func(context.Context) error, classifier ErrorClassifier) error {
	limit := e.cfg.RetryMaxAttempts
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempt++
		err := fn(ctx)
		switch {
		case err == nil:
			return nil
		case !classifier(err).Retryable:
			return err
		case attempt >= limit && limit == 1:
			return err
		case attempt >= limit:
			return &ExhaustedError{Operation: op, Attempts: attempt, Err: err}
		}

		wait := e.cfg.delay(attempt, e.rnd)
		e.noteRetry(ctx, op, attempt, wait, err)
		if !sleep(ctx, wait) {
			return err
		}
	}
}

func (e *Executor) noteRetry(ctx context.Context, op string, attempt int, wait time.Duration, err error) {
	slog.WarnContext(ctx, "retry_attempt",
		"operation", op,
		"attempt", attempt,
		"max_attempts", e.cfg.RetryMaxAttempts,
		"backoff_ms", wait.Milliseconds(),
		"error", err,
	)
	trace.SpanFromContext(ctx).AddEvent("retry", trace.WithAttributes(
		attribute.String("operation", op),
		attribute.Int("attempt", attempt),
		attribute.String("error", err.Error()),
	))
	if e.onRetry != nil {
		e.onRetry(op, attempt, err)
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func defaultClassifier(error) ErrorClassification {
	return ErrorClassification{Retryable: false, RecordFailure: true}
}
