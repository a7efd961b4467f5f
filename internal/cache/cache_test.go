package cache

import (
	"context"
	"testing"
	"time"

	"github.com/memorize-mcp/memorize-mcp/internal/engine"
)

// These tests exercise QueryCache against an unreachable Redis address —
// no live Redis server is assumed in this environment (matching the
// teacher's own lack of a redis integration-test harness). They verify the
// cache degrades to "always miss, never panics or errors out the caller"
// rather than asserting hit behaviour, which would need a real server.

func TestKey_IsStableAndNamespaced(t *testing.T) {
	c := New("localhost:0", 0)
	k1 := c.key("rust", "what is ownership")
	k2 := c.key("rust", "what is ownership")
	if k1 != k2 {
		t.Fatalf("expected stable key, got %q vs %q", k1, k2)
	}
	if k1 == c.key("go", "what is ownership") {
		t.Fatal("expected distinct topics to produce distinct keys")
	}
}

func TestGet_UnreachableRedisIsCacheMiss(t *testing.T) {
	c := New("127.0.0.1:0", time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, ok := c.Get(ctx, "rust", "what is ownership")
	if ok {
		t.Fatal("expected a cache miss against an unreachable redis address")
	}
}

func TestSet_UnreachableRedisDoesNotPanic(t *testing.T) {
	c := New("127.0.0.1:0", time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c.Set(ctx, "rust", "what is ownership", engine.QueryResult{Topic: "rust"})
}

func TestNew_DefaultsTTLWhenNonPositive(t *testing.T) {
	c := New("127.0.0.1:0", 0)
	if c.ttl != 5*time.Minute {
		t.Fatalf("expected default TTL of 5m, got %v", c.ttl)
	}
}
