package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/anxiangsir/kbretrieval/pkg/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu      sync.Mutex
	batches [][]kafka.Event
	err     error
}

func (p *recordingPublisher) PublishBatch(ctx context.Context, events []kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, append([]kafka.Event(nil), events...))
	return p.err
}

func (p *recordingPublisher) sizes() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, len(p.batches))
	for i, b := range p.batches {
		out[i] = len(b)
	}
	return out
}

func TestCollectorBatchesAndFlushesOnClose(t *testing.T) {
	pub := &recordingPublisher{}
	c := NewCollector(pub, 16, 2, time.Hour)
	c.Start(context.Background())

	for i := 0; i < 3; i++ {
		c.Track(RetrievalEvent{Type: EventRetrieval, Query: "partial fc"})
	}
	c.Close()

	assert.Equal(t, []int{2, 1}, pub.sizes())
	ev, ok := pub.batches[0][0].Value.(RetrievalEvent)
	require.True(t, ok)
	assert.Equal(t, "partial fc", ev.Query)
	assert.Equal(t, eventKey, pub.batches[0][0].Key)
}

func TestCollectorFlushesOnContextCancel(t *testing.T) {
	pub := &recordingPublisher{}
	c := NewCollector(pub, 16, 100, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	c.Track(RetrievalEvent{Type: EventZeroResult})
	cancel()
	<-c.done

	assert.Equal(t, 1, sumInts(pub.sizes()))
}

func TestCollectorDropsWhenBufferFull(t *testing.T) {
	pub := &recordingPublisher{}
	c := NewCollector(pub, 1, 10, time.Hour)
	c.Track(RetrievalEvent{Query: "a"})
	c.Track(RetrievalEvent{Query: "b"})
	assert.Len(t, c.eventCh, 1)
}

func TestCollectorPublishErrorIsNotFatal(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	c := NewCollector(pub, 4, 1, time.Hour)
	c.Start(context.Background())
	c.Track(RetrievalEvent{Query: "a"})
	c.Track(RetrievalEvent{Query: "b"})
	c.Close()
	assert.Equal(t, []int{1, 1}, pub.sizes())
}

func sumInts(xs []int) int {
	total := 0
	for _, x := range xs {
		total += x
	}
	return total
}

func TestClassify(t *testing.T) {
	assert.Equal(t, EventError, Classify(2, 1, errors.New("x")))
	assert.Equal(t, EventEmptyQuery, Classify(0, 0, nil))
	assert.Equal(t, EventZeroResult, Classify(2, 0, nil))
	assert.Equal(t, EventRetrieval, Classify(2, 1, nil))
}

func TestAggregatorStats(t *testing.T) {
	agg := NewAggregator()
	agg.Record(RetrievalEvent{Type: EventRetrieval, Source: "api", Query: "partial fc", Tokens: []string{"partial", "fc", "fc"}, Returned: 2, LatencyUs: 100})
	agg.Record(RetrievalEvent{Type: EventRetrieval, Source: "chat", Query: "partial fc", Tokens: []string{"partial", "fc"}, Returned: 1, LatencyUs: 300, CacheHit: true})
	agg.Record(RetrievalEvent{Type: EventZeroResult, Source: "api", Query: "quantum", Tokens: []string{"quantum"}, LatencyUs: 200})
	agg.Record(RetrievalEvent{Type: EventEmptyQuery, Source: "api", Query: "the"})

	stats := agg.Stats()
	assert.Equal(t, int64(4), stats.TotalRetrievals)
	assert.Equal(t, int64(1), stats.ChatRetrievals)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(3), stats.CacheMisses)
	assert.Equal(t, int64(1), stats.ZeroResultCount)
	assert.Equal(t, int64(1), stats.EmptyQueryCount)
	assert.InDelta(t, 0.75, stats.AvgReturned, 1e-9)
	assert.InDelta(t, 150.0, stats.AvgLatencyUs, 1e-9)
	assert.Equal(t, int64(300), stats.P99LatencyUs)

	require.NotEmpty(t, stats.TopQueries)
	assert.Equal(t, QueryCount{Query: "partial fc", Count: 2}, stats.TopQueries[0])
	assert.Equal(t, []QueryCount{{Query: "quantum", Count: 1}}, stats.ZeroResultQueries)
	assert.Equal(t, []QueryCount{
		{Query: "fc", Count: 2},
		{Query: "partial", Count: 2},
		{Query: "quantum", Count: 1},
	}, stats.TopTokens)
}

func TestAggregatorLatencyWindowIsBounded(t *testing.T) {
	agg := NewAggregator()
	for i := 0; i < maxLatencySamples+5; i++ {
		agg.Record(RetrievalEvent{Type: EventRetrieval, LatencyUs: int64(i)})
	}
	assert.Len(t, agg.latencies, maxLatencySamples)
	assert.Equal(t, int64(maxLatencySamples+5), agg.Stats().TotalRetrievals)
}

func TestHandleEventDecodesAndSkipsGarbage(t *testing.T) {
	agg := NewAggregator()
	handle := HandleEvent(agg)

	value, err := json.Marshal(RetrievalEvent{Type: EventRetrieval, Query: "unicom", Returned: 1})
	require.NoError(t, err)
	require.NoError(t, handle(context.Background(), []byte(eventKey), value))
	require.NoError(t, handle(context.Background(), nil, []byte("not json")))

	assert.Equal(t, int64(1), agg.Stats().TotalRetrievals)
}

func TestHandlerStats(t *testing.T) {
	agg := NewAggregator()
	agg.Record(RetrievalEvent{Type: EventRetrieval, Query: "insightface", Returned: 1})

	rec := httptest.NewRecorder()
	NewHandler(agg).Stats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var got AggregatedStats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, int64(1), got.TotalRetrievals)
	assert.Equal(t, "insightface", got.TopQueries[0].Query)
}

func TestHandlerStatsTop(t *testing.T) {
	agg := NewAggregator()
	for _, q := range []string{"insightface", "insightface", "partial fc", "unicom"} {
		agg.Record(RetrievalEvent{Type: EventRetrieval, Query: q, Tokens: []string{q}, Returned: 1})
	}
	h := NewHandler(agg)

	rec := httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics?top=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got AggregatedStats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Len(t, got.TopQueries, 1)
	assert.Equal(t, "insightface", got.TopQueries[0].Query)
	assert.Len(t, got.TopTokens, 1)

	for _, bad := range []string{"0", "-2", "abc"} {
		rec = httptest.NewRecorder()
		h.Stats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics?top="+bad, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.JSONEq(t, `{"error":"top must be a positive integer"}`, rec.Body.String())
	}
}
