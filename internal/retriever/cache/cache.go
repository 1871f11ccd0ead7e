// Package cache memoises retrieval results and their rendered context in
// Redis. Entries are namespaced by the knowledge-base fingerprint, so a
// process started against a different source never reads another corpus's
// results.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/anxiangsir/kbretrieval/internal/retriever/ranker"
	pkgredis "github.com/anxiangsir/kbretrieval/pkg/redis"
	"golang.org/x/sync/singleflight"
)

const keyPrefix = "kbretrieval:"

// Store is the subset of the Redis client the cache needs.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

// Entry is one cached retrieval: the ranked documents and their rendered
// context.
type Entry struct {
	Results []ranker.ScoredDocument `json:"results"`
	Context string                  `json:"context"`
}

// QueryCache stores retrieval entries in Redis for ttl and counts hits and
// misses. Store failures degrade to misses and never fail a retrieval.
type QueryCache struct {
	store  Store
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

// New returns a QueryCache writing entries to store with the given TTL.
func New(store Store, ttl time.Duration) *QueryCache {
	return &QueryCache{
		store:  store,
		ttl:    ttl,
		logger: slog.Default().With("component", "retrieval-cache"),
	}
}

// Key identifies a retrieval. Queries whose token sets are equal share a
// key, since ranking ignores token order and repetition.
type Key struct {
	Fingerprint string
	Tokens      []string
	TopK        int
	MinScore    float64
}

// Get returns the cached entry for key. Any store or decode error is logged
// and reported as a miss.
func (c *QueryCache) Get(ctx context.Context, key Key) (*Entry, bool) {
	k := buildKey(key)
	data, err := c.store.Get(ctx, k)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", k, "error", err)
		}
		c.misses.Add(1)
		return nil, false
	}
	var entry Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		c.logger.Error("cache unmarshal failed", "key", k, "error", err)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	c.logger.Debug("cache hit", "key", k)
	return &entry, true
}

// Set stores entry under key. Failures are logged only.
func (c *QueryCache) Set(ctx context.Context, key Key, entry *Entry) {
	k := buildKey(key)
	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", k, "error", err)
		return
	}
	if err := c.store.Set(ctx, k, data, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", k, "error", err)
	}
}

// GetOrCompute returns the cached entry for key or computes, stores, and
// returns it. Concurrent misses for the same key share one computation. The
// boolean reports a cache hit.
func (c *QueryCache) GetOrCompute(
	ctx context.Context,
	key Key,
	computeFn func() (*Entry, error),
) (*Entry, bool, error) {
	if entry, ok := c.Get(ctx, key); ok {
		return entry, true, nil
	}
	val, err, _ := c.group.Do(buildKey(key), func() (any, error) {
		entry, err := computeFn()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, key, entry)
		return entry, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.(*Entry), false, nil
}

// Invalidate drops every cached retrieval, across fingerprints.
func (c *QueryCache) Invalidate(ctx context.Context) (int64, error) {
	deleted, err := c.store.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		return deleted, fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Info("cache invalidate", "keys_deleted", deleted)
	return deleted, nil
}

// Stats returns hit and miss counts since the cache was created.
func (c *QueryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func buildKey(key Key) string {
	raw := fmt.Sprintf("%s|k=%d|min=%s",
		normalizeTokens(key.Tokens),
		key.TopK,
		strconv.FormatFloat(key.MinScore, 'g', -1, 64),
	)
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s%s:%x", keyPrefix, key.Fingerprint, hash[:16])
}

func normalizeTokens(tokens []string) string {
	set := make(map[string]struct{}, len(tokens))
	uniq := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := set[t]; ok {
			continue
		}
		set[t] = struct{}{}
		uniq = append(uniq, t)
	}
	sort.Strings(uniq)
	return strings.Join(uniq, ",")
}
