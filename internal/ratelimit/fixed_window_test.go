package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestFixedWindowLimiterRedis(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()
	limiter, err := NewRedisFixedWindowLimiter(client, "test:ratelimit", 2, time.Minute)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	ctx := context.Background()
	if !limiter.Allow(ctx, "user-1") || !limiter.Allow(ctx, "user-1") {
		t.Fatalf("first two uploads should pass")
	}
	if limiter.Allow(ctx, "user-1") {
		t.Fatalf("third upload should be blocked")
	}
	if !limiter.Allow(ctx, "user-2") {
		t.Fatalf("other user should have its own quota")
	}
}

func TestFixedWindowLimiterRedisFailClosed(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()
	limiter, err := NewRedisFixedWindowLimiter(client, "test:ratelimit", 1, time.Second)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	srv.Close()
	if limiter.Allow(context.Background(), "user-1") {
		t.Fatalf("limiter should fail closed on redis errors")
	}
}

func TestFixedWindowLimiterValidates(t *testing.T) {
	if _, err := NewRedisFixedWindowLimiter(nil, "", 1, time.Second); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if _, err := NewMemoryLimiter(0, time.Second); err == nil {
		t.Fatalf("expected error for zero limit")
	}
}

func TestMemoryLimiterResetsEachWindow(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	limiter, err := NewMemoryLimiter(1, time.Minute)
	if err != nil {
		t.Fatalf("new memory limiter: %v", err)
	}
	limiter.now = func() time.Time { return now }
	ctx := context.Background()
	if !limiter.Allow(ctx, "u") {
		t.Fatalf("first event should pass")
	}
	if limiter.Allow(ctx, "u") {
		t.Fatalf("second event in window should be blocked")
	}
	now = now.Add(time.Minute)
	if !limiter.Allow(ctx, "u") {
		t.Fatalf("new window should reset quota")
	}
}
