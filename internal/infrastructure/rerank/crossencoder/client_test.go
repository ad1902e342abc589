package crossencoder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/resilience"
)

func TestScoreMapsResultsByIndex(t *testing.T) {
	var got rerankRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/rerank" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"results":[{"index":2,"score":0.1},{"index":0,"score":0.9},{"index":1,"score":0.4}]}`))
	}))
	defer server.Close()

	scores, err := New(server.URL, nil).Score(context.Background(), "refund policy", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if got.Query != "refund policy" || len(got.Documents) != 3 {
		t.Fatalf("unexpected request: %+v", got)
	}
	if scores[0] != 0.9 || scores[1] != 0.4 || scores[2] != 0.1 {
		t.Fatalf("unexpected scores: %v", scores)
	}
}

func TestScoreRejectsMissingResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"index":0,"score":0.9}]}`))
	}))
	defer server.Close()

	if _, err := New(server.URL, nil).Score(context.Background(), "q", []string{"a", "b"}); err == nil {
		t.Fatalf("expected count mismatch error")
	}
}

func TestScoreRejectsDuplicateIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"index":0,"score":0.9},{"index":0,"score":0.3}]}`))
	}))
	defer server.Close()

	if _, err := New(server.URL, nil).Score(context.Background(), "q", []string{"a", "b"}); err == nil {
		t.Fatalf("expected duplicate index error")
	}
}

func TestScoreRetriesTransientStatus(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"results":[{"index":0,"score":0.5}]}`))
	}))
	defer server.Close()

	executor := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
	})
	scores, err := New(server.URL, executor).Score(context.Background(), "q", []string{"a"})
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if calls != 2 || scores[0] != 0.5 {
		t.Fatalf("expected retry then success, calls=%d scores=%v", calls, scores)
	}
}

func TestScoreSurfacesRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := New(server.URL, nil).Score(context.Background(), "q", []string{"a"})
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}
