// Package cache provides an optional read-through cache for query_qa
// results, backed by Redis. It is a pure performance layer keyed by the
// query's context text plus question — never the coordination point between processes (the
// sqlite vector store plus JSON snapshot remain the only sources of truth;
// spec Non-goal: "no distributed replication").
//
// Grounded on the TTL-entry shape of the teacher's multiagent.SharedMemory
// (multiagent/memory.go), reimplemented here over redis/go-redis instead of
// an in-process map so a cached entry survives process restarts of a
// short-lived hook server without forcing a full re-embed.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/memorize-mcp/memorize-mcp/internal/engine"
	"github.com/memorize-mcp/memorize-mcp/internal/model"
)

// QueryCache wraps a redis client with the key scheme and TTL for cached
// query_qa responses.
type QueryCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New builds a QueryCache. addr is a host:port Redis address (e.g. from
// MEMORIZE_REDIS_ADDR); ttl of 0 defaults to 5 minutes.
func New(addr string, ttl time.Duration) *QueryCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &QueryCache{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
		ttl: ttl,
	}
}

func (c *QueryCache) key(topicContext, question string) string {
	return fmt.Sprintf("memorize-mcp:query:%s:%s", topicContext, question)
}

// Get returns a cached QueryResult, if present and unexpired.
func (c *QueryCache) Get(ctx context.Context, topicContext, question string) (engine.QueryResult, bool) {
	raw, err := c.rdb.Get(ctx, c.key(topicContext, question)).Bytes()
	if err != nil {
		return engine.QueryResult{}, false
	}
	var result engine.QueryResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return engine.QueryResult{}, false
	}
	return result, true
}

// Set caches a QueryResult for the configured TTL. Errors are swallowed —
// a cache write failure must never fail the underlying query.
func (c *QueryCache) Set(ctx context.Context, topicContext, question string, result engine.QueryResult) {
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	_ = c.rdb.Set(ctx, c.key(topicContext, question), raw, c.ttl).Err()
}

// Invalidate drops the cached result for topicContext+question. CachingEngine
// calls it after a successful store_qa with that same context and question;
// entries under other keys are left to expire by TTL.
func (c *QueryCache) Invalidate(ctx context.Context, topicContext, question string) {
	_ = c.rdb.Del(ctx, c.key(topicContext, question)).Err()
}

// Close releases the underlying redis connection pool.
func (c *QueryCache) Close() error { return c.rdb.Close() }

// Ping verifies connectivity at startup so a misconfigured cache fails fast
// rather than silently missing on every request.
func (c *QueryCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Inner is the subset of engine.Engine CachingEngine wraps — matches
// dispatch.Engine's shape so a *CachingEngine can stand in wherever a bare
// *engine.Engine would be passed to dispatch.New.
type Inner interface {
	StoreQA(ctx context.Context, contextText, question, answer string) (string, error)
	QueryQA(ctx context.Context, contextText, question string, limit int) (engine.QueryResult, error)
	MergeKnowledge(ctx context.Context, topic string, threshold float32) (engine.MergeResult, error)
}

// CachingEngine adds a read-through cache in front of QueryQA. A successful
// StoreQA drops the cached entry for its own context+question key only;
// MergeKnowledge invalidates nothing, and other cached entries for the same
// topic are served until their TTL expires.
type CachingEngine struct {
	inner Inner
	cache *QueryCache
}

// NewCachingEngine wraps inner with cache. cache must not be nil.
func NewCachingEngine(inner Inner, cache *QueryCache) *CachingEngine {
	return &CachingEngine{inner: inner, cache: cache}
}

func (c *CachingEngine) StoreQA(ctx context.Context, contextText, question, answer string) (string, error) {
	topic, err := c.inner.StoreQA(ctx, contextText, question, answer)
	if err == nil {
		c.cache.Invalidate(ctx, contextText, question)
	}
	return topic, err
}

func (c *CachingEngine) QueryQA(ctx context.Context, contextText, question string, limit int) (engine.QueryResult, error) {
	if result, ok := c.cache.Get(ctx, contextText, question); ok {
		return result, nil
	}
	result, err := c.inner.QueryQA(ctx, contextText, question, limit)
	if err != nil {
		return result, err
	}
	c.cache.Set(ctx, contextText, question, result)
	return result, nil
}

func (c *CachingEngine) MergeKnowledge(ctx context.Context, topic string, threshold float32) (engine.MergeResult, error) {
	result, err := c.inner.MergeKnowledge(ctx, topic, threshold)
	if err == nil {
		// merge_knowledge rewrites answers into consolidated knowledge under
		// topic; any cached query_qa keyed on this topic context may now be
		// stale, but topic is the resolved name, not the original context
		// text used as the cache key — safe to leave in place until its TTL
		// expires rather than guess at every context string that resolved here.
		_ = topic
	}
	return result, err
}

// SearchKnowledge forwards knowledge resource reads to inner, uncached, so
// dispatch's resources/read works the same with or without the cache.
func (c *CachingEngine) SearchKnowledge(ctx context.Context, topic, query string, limit int) ([]model.Knowledge, error) {
	reader, ok := c.inner.(interface {
		SearchKnowledge(ctx context.Context, topic, query string, limit int) ([]model.Knowledge, error)
	})
	if !ok {
		return nil, fmt.Errorf("cache: inner engine does not support knowledge search")
	}
	return reader.SearchKnowledge(ctx, topic, query, limit)
}

var _ Inner = (*CachingEngine)(nil)
