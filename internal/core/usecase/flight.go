package usecase

import (
	"context"
	"errors"
	"sync"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

// answerFlights shares one live generation among concurrent identical
// streaming asks. The generation is cancelled when its last follower leaves.
type answerFlights struct {
	mu      sync.Mutex
	flights map[string]*answerFlight
}

func newAnswerFlights() *answerFlights {
	return &answerFlights{flights: make(map[string]*answerFlight)}
}

// answerFlight records every event of one generation so followers that join
// late still see the whole answer.
type answerFlight struct {
	// ready is closed once the generation started or failed to start.
	ready     chan struct{}
	startErr  error
	citations []domain.Citation
	cancel    context.CancelFunc

	refs int // guarded by answerFlights.mu

	mu      sync.Mutex
	events  []domain.AnswerEvent
	changed chan struct{}
	ended   bool
}

// join returns the flight for key and whether the caller must start it.
func (f *answerFlights) join(key string) (*answerFlight, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fl, ok := f.flights[key]; ok {
		fl.refs++
		return fl, false
	}
	fl := &answerFlight{
		ready:   make(chan struct{}),
		changed: make(chan struct{}),
		cancel:  func() {},
		refs:    1,
	}
	f.flights[key] = fl
	return fl, true
}

func (f *answerFlights) leave(key string, fl *answerFlight) {
	f.mu.Lock()
	fl.refs--
	last := fl.refs == 0
	if last && f.flights[key] == fl {
		delete(f.flights, key)
	}
	f.mu.Unlock()
	if last {
		<-fl.ready
		fl.cancel()
	}
}

// forget stops new callers from joining fl once its outcome is final.
func (f *answerFlights) forget(key string, fl *answerFlight) {
	f.mu.Lock()
	if f.flights[key] == fl {
		delete(f.flights, key)
	}
	f.mu.Unlock()
}

// start publishes the outcome of starting the generation. On success the
// source stream is relayed to every follower; onEnd runs after the last event.
func (fl *answerFlight) start(src *AnswerStream, cancel context.CancelFunc, err error, onEnd func()) {
	if err != nil {
		fl.startErr = err
		cancel()
		close(fl.ready)
		onEnd()
		return
	}
	fl.citations = src.Citations()
	fl.cancel = cancel
	close(fl.ready)
	go fl.relay(src, onEnd)
}

func (fl *answerFlight) relay(src *AnswerStream, onEnd func()) {
	for event := range src.Events() {
		fl.mu.Lock()
		fl.events = append(fl.events, event)
		close(fl.changed)
		fl.changed = make(chan struct{})
		fl.mu.Unlock()
	}
	onEnd()
	fl.mu.Lock()
	fl.ended = true
	close(fl.changed)
	fl.mu.Unlock()
}

// follow returns a stream replaying fl from its first event. leave runs when
// the follower stops reading; finish receives the follower's terminal error.
func (fl *answerFlight) follow(ctx context.Context, leave func(), finish func(error)) *AnswerStream {
	ctx, cancel := context.WithCancel(ctx)
	stream := newAnswerStream(cancel, fl.citations)
	go func() {
		err := fl.feed(ctx, stream)
		close(stream.events)
		cancel()
		leave()
		finish(err)
	}()
	return stream
}

func (fl *answerFlight) feed(ctx context.Context, stream *AnswerStream) error {
	next := 0
	for {
		fl.mu.Lock()
		pending := fl.events[next:]
		changed, ended := fl.changed, fl.ended
		fl.mu.Unlock()

		for _, event := range pending {
			next++
			if !stream.send(ctx, event) {
				return ctx.Err()
			}
			switch event.Type {
			case domain.EventDone:
				return nil
			case domain.EventError:
				return event.Err
			}
		}
		if ended {
			err := domain.WrapError(domain.ErrGeneration, "follow answer", errors.New("generation ended without a result"))
			stream.send(ctx, domain.AnswerEvent{Type: domain.EventError, Err: err})
			return err
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
