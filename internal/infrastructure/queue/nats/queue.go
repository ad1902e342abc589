package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/resilience"
)

const (
	DefaultJobSubject    = "documents.ingest"
	DefaultCorpusSubject = "corpus.changed"
	workerQueueGroup     = "workers"
)

// Queue carries ingestion jobs to a worker queue group and broadcasts corpus
// change events to every subscribed process.
type Queue struct {
	conn          *nats.Conn
	jobSubject    string
	corpusSubject string
	executor      *resilience.Executor
}

type Options struct {
	CorpusSubject        string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

func New(url, subject string) (*Queue, error) {
	return NewWithOptions(url, subject, Options{})
}

func NewWithOptions(url, subject string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	if subject == "" {
		subject = DefaultJobSubject
	}
	corpusSubject := options.CorpusSubject
	if corpusSubject == "" {
		corpusSubject = DefaultCorpusSubject
	}

	conn, err := nats.Connect(
		url,
		nats.Name("hybrid-rag"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:          conn,
		jobSubject:    subject,
		corpusSubject: corpusSubject,
		executor:      options.ResilienceExecutor,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishIngestJob(ctx context.Context, job domain.IngestJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode ingest job: %w", err)
	}
	return q.publish(ctx, q.jobSubject, payload)
}

func (q *Queue) PublishCorpusEvent(ctx context.Context, event domain.CorpusEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode corpus event: %w", err)
	}
	return q.publish(ctx, q.corpusSubject, payload)
}

func (q *Queue) publish(ctx context.Context, subject string, payload []byte) error {
	call := func(_ context.Context) error {
		if err := q.conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	var err error
	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyPublish)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return publishError(err)
	}
	return nil
}

// SubscribeIngestJobs delivers each job to exactly one member of the worker
// queue group. It blocks until ctx is done, then drains the subscription.
func (q *Queue) SubscribeIngestJobs(ctx context.Context, handler func(context.Context, domain.IngestJob) error) error {
	sub, err := q.conn.QueueSubscribe(q.jobSubject, workerQueueGroup, func(msg *nats.Msg) {
		handleMessage(ctx, msg, "ingest_job", handler)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	return q.serve(ctx, sub)
}

// SubscribeCorpusEvents delivers every corpus event to this process.
func (q *Queue) SubscribeCorpusEvents(ctx context.Context, handler func(context.Context, domain.CorpusEvent) error) error {
	sub, err := q.conn.Subscribe(q.corpusSubject, func(msg *nats.Msg) {
		handleMessage(ctx, msg, "corpus_event", handler)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	return q.serve(ctx, sub)
}

func (q *Queue) serve(ctx context.Context, sub *nats.Subscription) error {
	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

// handleMessage decodes msg into T and runs handler. Undecodable messages and
// handler errors are logged; core NATS has no redelivery to hand them back to.
func handleMessage[T any](ctx context.Context, msg *nats.Msg, kind string, handler func(context.Context, T) error) {
	if errors.Is(ctx.Err(), context.Canceled) {
		return
	}
	var payload T
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		slog.Warn("nats_message_invalid", "kind", kind, "subject", msg.Subject, "error", err)
		return
	}

	handlerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := handler(handlerCtx, payload); err != nil {
		slog.Error("nats_handler_failed", "kind", kind, "subject", msg.Subject, "error", err)
	}
}
