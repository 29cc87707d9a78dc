package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"
)

// CacheBehavior controls the final-response cache for one turn.
type CacheBehavior string

const (
	// CacheDefault caches final responses with a short TTL.
	CacheDefault CacheBehavior = "default"
	// CacheForever caches final responses without expiry.
	CacheForever CacheBehavior = "forever"
	// CacheAvoidable bypasses the cache entirely.
	CacheAvoidable CacheBehavior = "avoidable"
)

const defaultCacheTTL = 5 * time.Minute

// cacheKey derives the cache key from the model and the cache-flagged
// prefix of the conversation. Assistant and tool messages are not
// cache-flagged, so the key is stable across the turn.
func (t *turn) cacheKey() string {
	h := fnv.New64a()
	h.Write([]byte(t.e.cfg.Model))
	data, _ := json.Marshal(t.state.MessagesForCache())
	h.Write(data)
	return fmt.Sprintf("respcache:%016x", h.Sum64())
}

func (t *turn) cacheEnabled() bool {
	return t.e.cfg.Cache != nil && t.e.cfg.CacheBehavior != CacheAvoidable
}

func (t *turn) cachedResponse(ctx context.Context) (string, bool) {
	if !t.cacheEnabled() {
		return "", false
	}
	value, ok, err := t.e.cfg.Cache.Get(ctx, t.cacheKey())
	if err != nil {
		t.logger.Warn().Err(err).Msg("Response cache read failed")
		return "", false
	}
	if !ok {
		return "", false
	}
	t.e.cfg.Metrics.ObserveCacheHit()
	return string(value), true
}

func (t *turn) storeResponse(ctx context.Context, text string) {
	if !t.cacheEnabled() || text == "" {
		return
	}
	ttl := defaultCacheTTL
	if t.e.cfg.CacheBehavior == CacheForever {
		ttl = 0
	}
	if err := t.e.cfg.Cache.Set(ctx, t.cacheKey(), []byte(text), ttl); err != nil {
		t.logger.Warn().Err(err).Msg("Response cache write failed")
	}
}
