package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("store down")
}

func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("store down")
}

func waitForWaiters(t *testing.T, c *Cache, key string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		fl := c.flights[key]
		waiting := fl != nil && fl.waiters == n
		c.mu.Unlock()
		if waiting {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d waiters on %s", n, key)
}

func TestGetOrComputeSharesInFlightComputation(t *testing.T) {
	c := New(NewMemoryStore(10))
	var calls int32
	release := make(chan struct{})
	compute := func(context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []byte("result"), nil
	}

	type res struct {
		value   string
		outcome Outcome
		err     error
	}
	results := make(chan res, 2)
	var wg sync.WaitGroup
	run := func() {
		defer wg.Done()
		v, o, err := c.GetOrCompute(context.Background(), "search:v1:k", time.Minute, compute)
		results <- res{string(v), o, err}
	}

	wg.Add(1)
	go run()
	waitForWaiters(t, c, "search:v1:k", 1)
	wg.Add(1)
	go run()
	waitForWaiters(t, c, "search:v1:k", 2)
	close(release)
	wg.Wait()
	close(results)

	outcomes := map[Outcome]int{}
	for r := range results {
		if r.err != nil || r.value != "result" {
			t.Fatalf("unexpected result: %+v", r)
		}
		outcomes[r.outcome]++
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly one computation, got %d", got)
	}
	if outcomes[OutcomeMiss] != 1 || outcomes[OutcomeShared] != 1 {
		t.Fatalf("expected one miss and one shared outcome, got %v", outcomes)
	}

	v, o, err := c.GetOrCompute(context.Background(), "search:v1:k", time.Minute, compute)
	if err != nil || string(v) != "result" || o != OutcomeHit {
		t.Fatalf("expected stored hit, got %q %s %v", v, o, err)
	}
}

func TestEntriesExpireAfterTTL(t *testing.T) {
	store := NewMemoryStore(10)
	now := time.Unix(1000, 0)
	store.now = func() time.Time { return now }
	c := New(store)

	var calls int
	compute := func(context.Context) ([]byte, error) {
		calls++
		return []byte("v"), nil
	}
	_, _, _ = c.GetOrCompute(context.Background(), "k", time.Second, compute)
	_, o, _ := c.GetOrCompute(context.Background(), "k", time.Second, compute)
	if o != OutcomeHit {
		t.Fatalf("expected hit before expiry, got %s", o)
	}
	now = now.Add(2 * time.Second)
	_, o, _ = c.GetOrCompute(context.Background(), "k", time.Second, compute)
	if o != OutcomeMiss || calls != 2 {
		t.Fatalf("expected recompute after expiry, got %s with %d calls", o, calls)
	}
}

func TestStoreFailureDegradesToCompute(t *testing.T) {
	c := New(failingStore{})
	var calls int32
	for i := 0; i < 3; i++ {
		v, _, err := c.GetOrCompute(context.Background(), "k", time.Minute, func(context.Context) ([]byte, error) {
			atomic.AddInt32(&calls, 1)
			return []byte("v"), nil
		})
		if err != nil || string(v) != "v" {
			t.Fatalf("expected computed value despite store failure, got %q %v", v, err)
		}
	}
	if calls != 3 {
		t.Fatalf("expected compute on every call, got %d", calls)
	}
}

func TestLastWaiterLeavingCancelsComputation(t *testing.T) {
	c := New(NewMemoryStore(10))
	cancelled := make(chan struct{})
	started := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrCompute(ctx, "k", time.Minute, func(computeCtx context.Context) ([]byte, error) {
			close(started)
			<-computeCtx.Done()
			close(cancelled)
			return nil, computeCtx.Err()
		})
		errCh <- err
	}()

	<-started
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected caller cancellation, got %v", err)
	}
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatalf("computation was not cancelled after its last waiter left")
	}
}

func TestComputationCompletesForRemainingWaiters(t *testing.T) {
	c := New(NewMemoryStore(10))
	release := make(chan struct{})
	var computeCancelled atomic.Bool

	compute := func(computeCtx context.Context) ([]byte, error) {
		<-release
		if computeCtx.Err() != nil {
			computeCancelled.Store(true)
		}
		return []byte("done"), nil
	}

	leavingCtx, leave := context.WithCancel(context.Background())
	leavingErr := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrCompute(leavingCtx, "k", time.Minute, compute)
		leavingErr <- err
	}()
	waitForWaiters(t, c, "k", 1)

	stayingResult := make(chan string, 1)
	go func() {
		v, _, _ := c.GetOrCompute(context.Background(), "k", time.Minute, compute)
		stayingResult <- string(v)
	}()
	waitForWaiters(t, c, "k", 2)

	leave()
	if err := <-leavingErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected leaving waiter to be cancelled, got %v", err)
	}
	close(release)

	if got := <-stayingResult; got != "done" {
		t.Fatalf("remaining waiter got %q", got)
	}
	if computeCancelled.Load() {
		t.Fatalf("computation must not be cancelled while a waiter remains")
	}
}

func TestKeySpaceIsDisjointAcrossCorpusVersions(t *testing.T) {
	params := map[string]any{"top_k": 5}
	a := Key("search", 1, "Refund  Policy ", params)
	b := Key("search", 1, "refund policy", params)
	c := Key("search", 2, "refund policy", params)
	d := Key("search", 1, "refund policy", map[string]any{"top_k": 6})

	if a != b {
		t.Fatalf("normalized queries must share a key: %s vs %s", a, b)
	}
	if b == c {
		t.Fatalf("keys of different corpus versions must differ")
	}
	if b == d {
		t.Fatalf("keys with different parameters must differ")
	}
}

func TestObserverReceivesNamespace(t *testing.T) {
	var seen []string
	c := New(NewMemoryStore(10), WithObserver(func(ns string, o Outcome) {
		seen = append(seen, ns+"/"+string(o))
	}))
	_, _, _ = c.GetOrCompute(context.Background(), "answer:v3:abc", time.Minute, func(context.Context) ([]byte, error) {
		return []byte("x"), nil
	})
	_, _, _ = c.GetOrCompute(context.Background(), "answer:v3:abc", time.Minute, func(context.Context) ([]byte, error) {
		return []byte("x"), nil
	})
	if len(seen) != 2 || seen[0] != "answer/miss" || seen[1] != "answer/hit" {
		t.Fatalf("unexpected observations: %v", seen)
	}
}

func TestMemoryStoreEvictsLeastRecentlyUsed(t *testing.T) {
	store := NewMemoryStore(2)
	ctx := context.Background()
	_ = store.Set(ctx, "a", []byte("1"), time.Minute)
	_ = store.Set(ctx, "b", []byte("2"), time.Hour)
	if _, ok, _ := store.Get(ctx, "a"); !ok {
		t.Fatalf("expected a to be cached")
	}
	_ = store.Set(ctx, "c", []byte("3"), time.Hour)

	if store.Len() != 2 {
		t.Fatalf("expected bounded store, got %d", store.Len())
	}
	if _, ok, _ := store.Get(ctx, "b"); ok {
		t.Fatalf("expected least recently used entry to be evicted")
	}
	for _, key := range []string{"a", "c"} {
		if _, ok, _ := store.Get(ctx, key); !ok {
			t.Fatalf("expected %s to survive eviction", key)
		}
	}
}

func TestMemoryStoreOverwriteRefreshesRecency(t *testing.T) {
	store := NewMemoryStore(2)
	ctx := context.Background()
	_ = store.Set(ctx, "a", []byte("1"), 0)
	_ = store.Set(ctx, "b", []byte("2"), 0)
	_ = store.Set(ctx, "a", []byte("1b"), 0)
	_ = store.Set(ctx, "c", []byte("3"), 0)

	if _, ok, _ := store.Get(ctx, "b"); ok {
		t.Fatalf("expected b to be evicted")
	}
	value, ok, _ := store.Get(ctx, "a")
	if !ok || string(value) != "1b" {
		t.Fatalf("expected overwritten a, got %q ok=%v", value, ok)
	}
}
