package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucketPerCaller(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	allowed, _, err := bucket.Allow(ctx, "discord:art-channel")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed, got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "discord:art-channel")
	if !allowed {
		t.Fatal("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "discord:art-channel")
	if allowed {
		t.Fatal("expected third token rejected")
	}

	// Buckets are per caller: a different caller has a full bucket.
	allowed, _, _ = bucket.Allow(ctx, "dashboard:admin")
	if !allowed {
		t.Fatal("expected separate caller to be allowed")
	}

	// Note: refill cannot be tested with miniredis.FastForward() because the
	// Lua script receives time from Go's time.Now(), not Redis's clock.
}
