package retriever

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anxiangsir/kbretrieval/internal/analytics"
	"github.com/anxiangsir/kbretrieval/internal/knowledge"
	"github.com/anxiangsir/kbretrieval/internal/retriever/cache"
	apperrors "github.com/anxiangsir/kbretrieval/pkg/errors"
	"github.com/anxiangsir/kbretrieval/pkg/metrics"
	pkgredis "github.com/anxiangsir/kbretrieval/pkg/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleKB = `{"documents": [
  {"type": "publication", "title": "Partial FC",
   "summary": "Partial FC enables large-scale face recognition training."},
  {"type": "github_project", "name": "InsightFace",
   "description": "State-of-the-art 2D and 3D face analysis project", "stars": 27000}
]}`

type fakeSource struct {
	docs  []knowledge.Document
	err   error
	loads atomic.Int32
}

func newFakeSource(t *testing.T) *fakeSource {
	t.Helper()
	docs, err := knowledge.Parse([]byte(sampleKB), knowledge.FormatJSON)
	require.NoError(t, err)
	return &fakeSource{docs: docs}
}

func (f *fakeSource) Load(context.Context) ([]knowledge.Document, error) {
	f.loads.Add(1)
	return f.docs, f.err
}

func (f *fakeSource) Fingerprint(ctx context.Context) (string, error) {
	if _, err := f.Load(ctx); err != nil {
		return "", err
	}
	return knowledge.Fingerprint(f.docs), nil
}

type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", pkgredis.ErrNil
	}
	return v, nil
}

func (m *memStore) Set(_ context.Context, key string, value any, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = string(value.([]byte))
	return nil
}

func (m *memStore) FlushByPattern(_ context.Context, pattern string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k := range m.data {
		if strings.HasPrefix(k, strings.TrimSuffix(pattern, "*")) {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []analytics.RetrievalEvent
}

func (e *eventLog) Track(ev analytics.RetrievalEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func TestRetrieveRanksAndFormats(t *testing.T) {
	src := newFakeSource(t)
	events := &eventLog{}
	svc := New(src, Options{Tracker: events})

	res, err := svc.Retrieve(context.Background(), Request{Query: "人脸识别训练", TopK: 3, MinScore: 0.5, Source: "api"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Results)
	assert.Equal(t, "Partial FC", res.Results[0].Document.Title)
	assert.Contains(t, res.Context, "**Partial FC**")
	assert.Contains(t, res.Tokens, "face")
	assert.False(t, res.CacheHit)

	require.Len(t, events.events, 1)
	ev := events.events[0]
	assert.Equal(t, analytics.EventRetrieval, ev.Type)
	assert.Equal(t, "api", ev.Source)
	assert.Equal(t, len(res.Results), ev.Returned)
	assert.Equal(t, res.Results[0].Score, ev.TopScore)
}

func TestRetrieveEmptyQueryNeverLoads(t *testing.T) {
	src := newFakeSource(t)
	events := &eventLog{}
	svc := New(src, Options{Tracker: events})

	res, err := svc.Retrieve(context.Background(), Request{Query: "the of 的", Source: "api"})
	require.NoError(t, err)
	assert.Empty(t, res.Tokens)
	assert.NotNil(t, res.Results)
	assert.Empty(t, res.Results)
	assert.Equal(t, "", res.Context)
	assert.Equal(t, int32(0), src.loads.Load())
	assert.Equal(t, analytics.EventEmptyQuery, events.events[0].Type)
}

func TestRetrieveSourceUnavailable(t *testing.T) {
	src := newFakeSource(t)
	src.err = fmt.Errorf("%w: reading kb.json: no such file", apperrors.ErrSourceUnavailable)
	events := &eventLog{}
	m := metrics.New(prometheus.NewRegistry())
	svc := New(src, Options{Tracker: events, Metrics: m})

	_, err := svc.Retrieve(context.Background(), Request{Query: "partial fc", Source: "chat"})
	assert.ErrorIs(t, err, apperrors.ErrSourceUnavailable)
	assert.Equal(t, analytics.EventError, events.events[0].Type)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetrievalQueriesTotal.WithLabelValues("error")))
}

func TestRetrieveUsesCache(t *testing.T) {
	src := newFakeSource(t)
	m := metrics.New(prometheus.NewRegistry())
	qc := cache.New(&memStore{data: map[string]string{}}, time.Minute)
	svc := New(src, Options{Cache: qc, Metrics: m, Tracing: true})

	first, err := svc.Retrieve(context.Background(), Request{Query: "insightface face", TopK: 2})
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := svc.Retrieve(context.Background(), Request{Query: "face insightface face", TopK: 2})
	require.NoError(t, err)
	assert.True(t, second.CacheHit, "same token set shares a cache entry")
	assert.Equal(t, first.Context, second.Context)
	assert.Equal(t, len(first.Results), len(second.Results))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHitsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheMissesTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.KnowledgeBaseDocuments))

	hits, misses, enabled := svc.CacheStats()
	assert.True(t, enabled)
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)

	n, enabled, err := svc.InvalidateCache(context.Background())
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, int64(1), n)
}

func TestCacheDisabled(t *testing.T) {
	svc := New(newFakeSource(t), Options{})
	_, _, enabled := svc.CacheStats()
	assert.False(t, enabled)
	_, enabled, err := svc.InvalidateCache(context.Background())
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestWarm(t *testing.T) {
	src := newFakeSource(t)
	m := metrics.New(prometheus.NewRegistry())
	require.NoError(t, New(src, Options{Metrics: m}).Warm(context.Background()))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.KnowledgeBaseDocuments))
}
