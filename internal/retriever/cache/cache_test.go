package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anxiangsir/kbretrieval/internal/knowledge"
	"github.com/anxiangsir/kbretrieval/internal/retriever/ranker"
	pkgredis "github.com/anxiangsir/kbretrieval/pkg/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
	err  error
}

func newMemStore() *memStore {
	return &memStore{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.data[key]
	if !ok {
		return "", pkgredis.ErrNil
	}
	return v, nil
}

func (m *memStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = string(value.([]byte))
	m.ttls[key] = ttl
	return nil
}

func (m *memStore) FlushByPattern(ctx context.Context, pattern string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var n int64
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

func sampleEntry() *Entry {
	return &Entry{
		Results: []ranker.ScoredDocument{{
			Document: knowledge.Document{Type: knowledge.KindPublication, Title: "Partial FC"},
			Score:    0.86,
		}},
		Context: "**Partial FC**",
	}
}

func TestGetOrComputeCachesEntry(t *testing.T) {
	store := newMemStore()
	c := New(store, time.Minute)
	key := Key{Fingerprint: "abc", Tokens: []string{"face", "training"}, TopK: 3, MinScore: 0.5}

	calls := 0
	compute := func() (*Entry, error) {
		calls++
		return sampleEntry(), nil
	}

	entry, hit, err := c.GetOrCompute(context.Background(), key, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "**Partial FC**", entry.Context)

	entry, hit, err = c.GetOrCompute(context.Background(), key, compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "Partial FC", entry.Results[0].Document.Title)
	assert.Equal(t, 1, calls)

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
	for _, ttl := range store.ttls {
		assert.Equal(t, time.Minute, ttl)
	}
}

func TestGetOrComputePropagatesError(t *testing.T) {
	c := New(newMemStore(), time.Minute)
	boom := errors.New("boom")
	_, _, err := c.GetOrCompute(context.Background(), Key{Tokens: []string{"x"}}, func() (*Entry, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestGetOrComputeSurvivesStoreFailure(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("connection refused")
	c := New(store, time.Minute)

	var calls atomic.Int32
	for i := 0; i < 2; i++ {
		entry, hit, err := c.GetOrCompute(context.Background(), Key{Tokens: []string{"face"}}, func() (*Entry, error) {
			calls.Add(1)
			return sampleEntry(), nil
		})
		require.NoError(t, err)
		assert.False(t, hit)
		assert.NotNil(t, entry)
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestBuildKeyNormalisesTokens(t *testing.T) {
	a := buildKey(Key{Fingerprint: "fp", Tokens: []string{"training", "face", "face"}, TopK: 3, MinScore: 0.5})
	b := buildKey(Key{Fingerprint: "fp", Tokens: []string{"face", "training"}, TopK: 3, MinScore: 0.5})
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, keyPrefix+"fp:"))

	assert.NotEqual(t, a, buildKey(Key{Fingerprint: "fp", Tokens: []string{"face", "training"}, TopK: 4, MinScore: 0.5}))
	assert.NotEqual(t, a, buildKey(Key{Fingerprint: "fp", Tokens: []string{"face", "training"}, TopK: 3, MinScore: 0.75}))
	assert.NotEqual(t, a, buildKey(Key{Fingerprint: "other", Tokens: []string{"face", "training"}, TopK: 3, MinScore: 0.5}))
}

func TestInvalidate(t *testing.T) {
	store := newMemStore()
	c := New(store, time.Minute)
	c.Set(context.Background(), Key{Fingerprint: "a", Tokens: []string{"x"}}, sampleEntry())
	c.Set(context.Background(), Key{Fingerprint: "b", Tokens: []string{"y"}}, sampleEntry())
	store.data["unrelated"] = "keep"

	n, err := c.Invalidate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Contains(t, store.data, "unrelated")
}
