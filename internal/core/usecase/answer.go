package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

// NoContextAnswer is returned without calling the model when retrieval found nothing.
const NoContextAnswer = "I couldn't find any relevant information in the documents to answer your question."

const answerSystemPrompt = `You answer questions using only the numbered passages provided.
Cite the passages you use as [n]. If the passages do not contain the answer, say that you do not know.
Answer in the language of the question.`

// AnswerGenerator grounds a streamed answer in ranked passages.
type AnswerGenerator struct {
	provider ports.GenerationProvider
}

func NewAnswerGenerator(provider ports.GenerationProvider) *AnswerGenerator {
	return &AnswerGenerator{provider: provider}
}

// answerHooks let the query pipeline decorate and persist the final answer
// before the done event is delivered.
type answerHooks struct {
	decorate     func(*domain.Answer)
	onComplete   func(*domain.Answer)
	onGenerating func()
	onTokens     func(int)
	// onFinish runs once when the stream ends, with the terminal error if any.
	onFinish func(err error)
}

func (h answerHooks) finish(err error) {
	if h.onFinish != nil {
		h.onFinish(err)
	}
}

func (g *AnswerGenerator) Generate(
	ctx context.Context,
	query string,
	passages []domain.Candidate,
	maxContextTokens int,
	maxTokens int,
) (*AnswerStream, error) {
	return g.generate(ctx, query, passages, maxContextTokens, maxTokens, answerHooks{})
}

func (g *AnswerGenerator) generate(
	ctx context.Context,
	query string,
	passages []domain.Candidate,
	maxContextTokens int,
	maxTokens int,
	hooks answerHooks,
) (*AnswerStream, error) {
	if strings.TrimSpace(query) == "" {
		return nil, domain.InvalidParameter("query must not be empty")
	}

	window := AssembleContext(passages, maxContextTokens)
	if len(window.Citations) == 0 {
		answer := &domain.Answer{Text: NoContextAnswer, Citations: []domain.Citation{}, NoContext: true}
		if hooks.decorate != nil {
			hooks.decorate(answer)
		}
		if hooks.onComplete != nil {
			hooks.onComplete(answer)
		}
		hooks.finish(nil)
		return ReplayAnswer(answer), nil
	}
	if hooks.onGenerating != nil {
		hooks.onGenerating()
	}

	req := domain.GenerationRequest{
		System:    answerSystemPrompt,
		Prompt:    buildAnswerPrompt(query, window.Text),
		MaxTokens: maxTokens,
	}

	genCtx, cancel := context.WithCancel(ctx)
	stream := newAnswerStream(cancel, window.Citations)
	go stream.produce(genCtx, func(ctx context.Context, emit func(string) error) error {
		return g.provider.Generate(ctx, req, emit)
	}, hooks)
	return stream, nil
}

func buildAnswerPrompt(query, passages string) string {
	return fmt.Sprintf("Passages:\n\n%s\n\nQuestion: %s\n\nAnswer:", passages, strings.TrimSpace(query))
}

// AnswerStream delivers answer tokens followed by exactly one terminal done
// or error event. Close cancels the upstream generation.
type AnswerStream struct {
	events    chan domain.AnswerEvent
	cancel    context.CancelFunc
	citations []domain.Citation
	closeOnce sync.Once
}

func newAnswerStream(cancel context.CancelFunc, citations []domain.Citation) *AnswerStream {
	return &AnswerStream{
		events:    make(chan domain.AnswerEvent),
		cancel:    cancel,
		citations: citations,
	}
}

// ReplayAnswer streams a finished answer as one token and a done event.
func ReplayAnswer(answer *domain.Answer) *AnswerStream {
	stream := &AnswerStream{
		events:    make(chan domain.AnswerEvent, 2),
		cancel:    func() {},
		citations: answer.Citations,
	}
	stream.events <- domain.AnswerEvent{Type: domain.EventToken, Token: answer.Text}
	stream.events <- domain.AnswerEvent{Type: domain.EventDone, Answer: answer}
	close(stream.events)
	return stream
}

func (s *AnswerStream) Events() <-chan domain.AnswerEvent {
	return s.events
}

// Citations are known before the first token.
func (s *AnswerStream) Citations() []domain.Citation {
	return s.citations
}

// Close cancels generation and drains pending events. It is safe to call more than once.
func (s *AnswerStream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		for range s.events {
		}
	})
}

// Collect consumes the stream into the final answer.
func (s *AnswerStream) Collect(ctx context.Context) (*domain.Answer, error) {
	defer s.Close()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case event, ok := <-s.events:
			if !ok {
				return nil, domain.WrapError(domain.ErrGeneration, "collect answer", errors.New("stream ended without a result"))
			}
			switch event.Type {
			case domain.EventDone:
				return event.Answer, nil
			case domain.EventError:
				return nil, event.Err
			}
		}
	}
}

func (s *AnswerStream) produce(
	ctx context.Context,
	generate func(context.Context, func(string) error) error,
	hooks answerHooks,
) {
	defer close(s.events)
	defer s.cancel()

	err := s.run(ctx, generate, hooks)
	hooks.finish(err)
}

func (s *AnswerStream) run(
	ctx context.Context,
	generate func(context.Context, func(string) error) error,
	hooks answerHooks,
) error {
	var text strings.Builder
	tokens := 0
	err := generate(ctx, func(token string) error {
		text.WriteString(token)
		tokens++
		if !s.send(ctx, domain.AnswerEvent{Type: domain.EventToken, Token: token}) {
			return ctx.Err()
		}
		return nil
	})
	if hooks.onTokens != nil && tokens > 0 {
		hooks.onTokens(tokens)
	}
	if err == nil && strings.TrimSpace(text.String()) == "" {
		err = errors.New("model returned an empty answer")
	}
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return err
		}
		err = &domain.StageError{Stage: domain.StageGenerating, Err: domain.WrapError(domain.ErrGeneration, "generate answer", err)}
		s.send(ctx, domain.AnswerEvent{Type: domain.EventError, Err: err})
		return err
	}

	answer := &domain.Answer{
		Text:       strings.TrimSpace(text.String()),
		Citations:  s.citations,
		Confidence: meanCitationScore(s.citations),
	}
	if hooks.decorate != nil {
		hooks.decorate(answer)
	}
	if hooks.onComplete != nil {
		hooks.onComplete(answer)
	}
	s.send(ctx, domain.AnswerEvent{Type: domain.EventDone, Answer: answer})
	return nil
}

// send delivers event unless the consumer has gone away.
func (s *AnswerStream) send(ctx context.Context, event domain.AnswerEvent) bool {
	select {
	case s.events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func meanCitationScore(citations []domain.Citation) float64 {
	if len(citations) == 0 {
		return 0
	}
	total := 0.0
	for _, c := range citations {
		total += c.Score
	}
	return total / float64(len(citations))
}
