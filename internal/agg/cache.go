package agg

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

/*
 * TTL result cache.
 *
 * The same aggregation is frequently referenced by multiple rules within
 * one pipeline execution; caching per (metric, filter hash, window, op,
 * asOf bucket) bounds repeated store round-trips. AsOf is bucketed by the
 * TTL so every reference within one execution (same asOf) maps to one
 * entry, while entries age out across executions.
 *
 * The cache is the one resource shared across concurrent evaluations, so
 * access is sharded: 16 shards keyed by xxhash of the entry key, each with
 * its own mutex. Single-flight per entry prevents a thundering herd on a
 * cold key.
 */

const cacheShards = 16

// CachedProvider wraps a Provider with a sharded TTL result cache.
type CachedProvider struct {
	inner  Provider
	ttl    time.Duration
	shards [cacheShards]cacheShard

	// OnHit and OnMiss are optional observation hooks (metrics).
	OnHit  func()
	OnMiss func()
}

type cacheShard struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	ready   chan struct{} // closed once value/err are set
	value   float64
	err     error
	expires time.Time
}

// NewCachedProvider wraps inner with a result cache. A zero or negative
// ttl disables caching entirely.
func NewCachedProvider(inner Provider, ttl time.Duration) *CachedProvider {
	c := &CachedProvider{inner: inner, ttl: ttl}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]*cacheEntry)
	}
	return c
}

// Query answers from cache when a fresh entry exists, otherwise delegates
// to the inner provider. Concurrent callers for the same key share one
// in-flight query. Errors are not cached.
func (c *CachedProvider) Query(ctx context.Context, q Query) (float64, error) {
	if c.ttl <= 0 {
		return c.inner.Query(ctx, q)
	}

	key := c.entryKey(q)
	shard := &c.shards[xxhash.Sum64String(key)%cacheShards]
	now := time.Now()

	shard.mu.Lock()
	entry, ok := shard.entries[key]
	if ok {
		select {
		case <-entry.ready:
			if entry.err == nil && now.Before(entry.expires) {
				shard.mu.Unlock()
				if c.OnHit != nil {
					c.OnHit()
				}
				return entry.value, nil
			}
			// Expired or failed; evict and refetch
			delete(shard.entries, key)
		default:
			// In flight: wait outside the lock
			shard.mu.Unlock()
			select {
			case <-entry.ready:
				if entry.err != nil {
					return 0, entry.err
				}
				if c.OnHit != nil {
					c.OnHit()
				}
				return entry.value, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
	}

	entry = &cacheEntry{ready: make(chan struct{})}
	shard.entries[key] = entry
	shard.mu.Unlock()

	if c.OnMiss != nil {
		c.OnMiss()
	}

	value, err := c.inner.Query(ctx, q)

	shard.mu.Lock()
	entry.value = value
	entry.err = err
	entry.expires = time.Now().Add(c.ttl)
	if err != nil {
		delete(shard.entries, key)
	}
	shard.mu.Unlock()
	close(entry.ready)

	return value, err
}

// entryKey builds the cache key. AsOf is truncated to the TTL bucket so
// evaluations within one execution share an entry.
func (c *CachedProvider) entryKey(q Query) string {
	bucket := q.AsOf.Truncate(c.ttl).UnixNano()
	return fmt.Sprintf("%s|%x|%s|%s|%g|%d",
		q.Metric, q.FilterHash, FormatWindow(q.Window), q.Op, q.Param, bucket)
}
