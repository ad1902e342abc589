package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

func TestGeneratorStreamsTokens(t *testing.T) {
	var payload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		for _, tok := range []string{"Re", "funds", " take", " 30 days."} {
			fmt.Fprintf(w, `{"response":%q,"done":false}`+"\n", tok)
		}
		fmt.Fprintln(w, `{"response":"","done":true}`)
	}))
	defer server.Close()

	gen := NewGenerator(New(server.URL, "gen", "embed"))
	var tokens []string
	err := gen.Generate(context.Background(), domain.GenerationRequest{Prompt: "question?", System: "sys", MaxTokens: 64}, func(tok string) error {
		tokens = append(tokens, tok)
		return nil
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if strings.Join(tokens, "") != "Refunds take 30 days." {
		t.Fatalf("unexpected tokens: %q", tokens)
	}
	if payload["stream"] != true || payload["prompt"] != "question?" || payload["system"] != "sys" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	options, _ := payload["options"].(map[string]any)
	if options["num_predict"] != float64(64) {
		t.Fatalf("expected num_predict=64, got %v", options)
	}
}

func TestGeneratorReportsMidStreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"partial","done":false}`)
		fmt.Fprintln(w, `{"error":"model crashed"}`)
	}))
	defer server.Close()

	gen := NewGenerator(New(server.URL, "gen", "embed"))
	var tokens []string
	err := gen.Generate(context.Background(), domain.GenerationRequest{Prompt: "q"}, func(tok string) error {
		tokens = append(tokens, tok)
		return nil
	})
	if err == nil || !strings.Contains(err.Error(), "model crashed") {
		t.Fatalf("expected mid-stream error, got %v", err)
	}
	if len(tokens) != 1 || tokens[0] != "partial" {
		t.Fatalf("expected delivered token to be kept, got %v", tokens)
	}
}

func TestGeneratorStopsWhenEmitFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 100; i++ {
			fmt.Fprintln(w, `{"response":"x","done":false}`)
		}
		fmt.Fprintln(w, `{"done":true}`)
	}))
	defer server.Close()

	errStop := errors.New("consumer gone")
	gen := NewGenerator(New(server.URL, "gen", "embed"))
	calls := 0
	err := gen.Generate(context.Background(), domain.GenerationRequest{Prompt: "q"}, func(string) error {
		calls++
		if calls == 3 {
			return errStop
		}
		return nil
	})
	if !errors.Is(err, errStop) || calls != 3 {
		t.Fatalf("expected generation to stop after emit error, got %v after %d calls", err, calls)
	}
}

func TestGeneratorMapsRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	gen := NewGenerator(New(server.URL, "gen", "embed"))
	err := gen.Generate(context.Background(), domain.GenerationRequest{Prompt: "q"}, func(string) error { return nil })
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestEmbedIncludesHTTPBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	embedder := NewEmbedder(New(server.URL, "gen", "embed"))
	_, err := embedder.Embed(context.Background(), []string{"hello"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("expected response body in error, got %v", err)
	}
	if !errors.Is(err, domain.ErrTemporary) {
		t.Fatalf("expected 502 to be temporary, got %v", err)
	}
}

func TestEmbedMapsOversizedBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many inputs", http.StatusRequestEntityTooLarge)
	}))
	defer server.Close()

	embedder := NewEmbedder(New(server.URL, "gen", "embed"))
	if _, err := embedder.Embed(context.Background(), []string{"a", "b"}); !errors.Is(err, domain.ErrBatchTooLarge) {
		t.Fatalf("expected ErrBatchTooLarge, got %v", err)
	}
}

func TestEmbedReturnsVectors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"embeddings":[[0.1,0.2],[0.3,0.4]]}`))
	}))
	defer server.Close()

	embedder := NewEmbedder(New(server.URL, "gen", "nomic"))
	vectors, err := embedder.Embed(context.Background(), []string{"a", "b"})
	if err != nil || len(vectors) != 2 || vectors[1][1] != 0.4 {
		t.Fatalf("unexpected vectors %v %v", vectors, err)
	}
	if embedder.ModelVersion() != "ollama/nomic" {
		t.Fatalf("unexpected model version %q", embedder.ModelVersion())
	}
}

func TestScorerParsesGradesConcurrently(t *testing.T) {
	var inFlight, peak int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)

		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		prompt, _ := payload["prompt"].(string)
		reply := "2"
		switch {
		case strings.Contains(prompt, "refund window"):
			reply = "Score: 9"
		case strings.Contains(prompt, "gibberish"):
			reply = "I cannot rate that"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"response": reply})
	}))
	defer server.Close()

	scorer := NewScorer(New(server.URL, "gen", "embed"), nil, 2)
	scores, err := scorer.Score(context.Background(), "refund policy", []string{
		"the refund window is 30 days",
		"shipping is free",
		"gibberish",
		"another",
	})
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	want := []float64{0.9, 0.2, 0.5, 0.2}
	for i := range want {
		if diff := scores[i] - want[i]; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("score %d = %v, want %v", i, scores[i], want[i])
		}
	}
	if atomic.LoadInt32(&peak) > 2 {
		t.Fatalf("expected at most 2 concurrent calls, saw %d", peak)
	}
}

func TestScorerFailsWhenModelFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	scorer := NewScorer(New(server.URL, "gen", "embed"), nil, 2)
	if _, err := scorer.Score(context.Background(), "q", []string{"a", "b"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseRelevanceScore(t *testing.T) {
	cases := map[string]float64{
		"7":          0.7,
		"10/10":      1,
		"score 3.5.": 0.35,
		"42":         1,
	}
	for reply, want := range cases {
		got, ok := parseRelevanceScore(reply)
		if !ok || got-want > 1e-9 || want-got > 1e-9 {
			t.Fatalf("%q: got %v %v, want %v", reply, got, ok, want)
		}
	}
	if _, ok := parseRelevanceScore("none"); ok {
		t.Fatalf("expected parse failure")
	}
}

func TestClassifyStatusErrors(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
		record    bool
	}{
		{http.StatusServiceUnavailable, true, true},
		{http.StatusTooManyRequests, true, true},
		{http.StatusBadRequest, false, false},
		{http.StatusRequestEntityTooLarge, false, false},
	}
	for _, tc := range cases {
		got := classify(&StatusError{Operation: "embed", StatusCode: tc.status})
		if got.Retryable != tc.retryable || got.RecordFailure != tc.record {
			t.Fatalf("status %d: got %+v", tc.status, got)
		}
	}
}
