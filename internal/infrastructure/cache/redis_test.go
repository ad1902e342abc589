package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisStoreRoundTripAndExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStore(client, "rag:")
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}
	if err := store.Set(ctx, "k", []byte("value"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !mr.Exists("rag:k") {
		t.Fatalf("expected prefixed key in redis")
	}
	value, ok, err := store.Get(ctx, "k")
	if err != nil || !ok || string(value) != "value" {
		t.Fatalf("unexpected get: %q %v %v", value, ok, err)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestCacheOverUnavailableRedisStillComputes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	c := New(NewRedisStore(client, ""))
	v, _, err := c.GetOrCompute(context.Background(), "k", time.Minute, func(context.Context) ([]byte, error) {
		return []byte("computed"), nil
	})
	if err != nil || string(v) != "computed" {
		t.Fatalf("expected compute when redis is down, got %q %v", v, err)
	}
}
