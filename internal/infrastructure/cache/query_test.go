package cache

import (
	"context"
	"testing"
	"time"
)

func TestRememberSkipsStoringUncacheableValues(t *testing.T) {
	store := NewMemoryStore(10)
	q := NewQueryCache(New(store), time.Minute)

	got, err := q.Remember(context.Background(), "search:v1:k", func(context.Context) ([]byte, bool, error) {
		return []byte("degraded"), false, nil
	})
	if err != nil || string(got) != "degraded" {
		t.Fatalf("unexpected value %q %v", got, err)
	}
	if store.Len() != 0 {
		t.Fatalf("uncacheable value must not be stored")
	}

	_, _ = q.Remember(context.Background(), "search:v1:k", func(context.Context) ([]byte, bool, error) {
		return []byte("full"), true, nil
	})
	got, _ = q.Remember(context.Background(), "search:v1:k", func(context.Context) ([]byte, bool, error) {
		t.Fatalf("expected cache hit")
		return nil, false, nil
	})
	if string(got) != "full" {
		t.Fatalf("expected stored value, got %q", got)
	}
}

func TestLookupAndPutReportOutcomes(t *testing.T) {
	var seen []Outcome
	q := NewQueryCache(New(NewMemoryStore(10), WithObserver(func(_ string, o Outcome) {
		seen = append(seen, o)
	})), time.Minute)

	if _, ok := q.Lookup(context.Background(), "answer:v1:k"); ok {
		t.Fatalf("expected miss")
	}
	q.Put(context.Background(), "answer:v1:k", []byte("answer"))
	value, ok := q.Lookup(context.Background(), "answer:v1:k")
	if !ok || string(value) != "answer" {
		t.Fatalf("expected hit, got %q %v", value, ok)
	}
	if len(seen) != 2 || seen[0] != OutcomeMiss || seen[1] != OutcomeHit {
		t.Fatalf("unexpected outcomes: %v", seen)
	}
}

func TestLookupTreatsStoreFailureAsMiss(t *testing.T) {
	q := NewQueryCache(New(failingStore{}), time.Minute)
	if _, ok := q.Lookup(context.Background(), "k"); ok {
		t.Fatalf("expected miss on store failure")
	}
	q.Put(context.Background(), "k", []byte("v"))
}
