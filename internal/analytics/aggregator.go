package analytics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anxiangsir/kbretrieval/pkg/kafka"
)

const maxLatencySamples = 10000

type AggregatedStats struct {
	TotalRetrievals   int64        `json:"total_retrievals"`
	ChatRetrievals    int64        `json:"chat_retrievals"`
	CacheHits         int64        `json:"cache_hits"`
	CacheMisses       int64        `json:"cache_misses"`
	ZeroResultCount   int64        `json:"zero_result_count"`
	EmptyQueryCount   int64        `json:"empty_query_count"`
	ErrorCount        int64        `json:"error_count"`
	AvgReturned       float64      `json:"avg_returned"`
	AvgLatencyUs      float64      `json:"avg_latency_us"`
	P50LatencyUs      int64        `json:"p50_latency_us"`
	P95LatencyUs      int64        `json:"p95_latency_us"`
	P99LatencyUs      int64        `json:"p99_latency_us"`
	TopQueries        []QueryCount `json:"top_queries"`
	ZeroResultQueries []QueryCount `json:"zero_result_queries"`
	TopTokens         []QueryCount `json:"top_tokens"`
	QueriesPerMinute  float64      `json:"queries_per_minute"`
}

type QueryCount struct {
	Query string `json:"query"`
	Count int64  `json:"count"`
}

type Aggregator struct {
	mu                sync.RWMutex
	totalRetrievals   atomic.Int64
	chatRetrievals    atomic.Int64
	cacheHits         atomic.Int64
	cacheMisses       atomic.Int64
	zeroResults       atomic.Int64
	emptyQueries      atomic.Int64
	errors            atomic.Int64
	returned          atomic.Int64
	latencies         []int64
	nextLatency       int
	queryCounts       map[string]int64
	zeroResultQueries map[string]int64
	tokenCounts       map[string]int64
	startTime         time.Time

	logger *slog.Logger
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		latencies:         make([]int64, 0, 1024),
		queryCounts:       make(map[string]int64),
		zeroResultQueries: make(map[string]int64),
		tokenCounts:       make(map[string]int64),
		startTime:         time.Now(),
		logger:            slog.Default().With("component", "analytics-aggregator"),
	}
}

// HandleEvent adapts the aggregator to a Kafka consumer. Undecodable
// messages are logged and acknowledged so they do not block the partition.
func HandleEvent(agg *Aggregator) kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[RetrievalEvent](value)
		if err != nil {
			agg.logger.Error("failed to decode analytics event", "error", err)
			return nil
		}
		agg.Record(event)
		return nil
	}
}

// Record folds one event into the running statistics.
func (a *Aggregator) Record(event RetrievalEvent) {
	a.totalRetrievals.Add(1)
	if event.Source == "chat" {
		a.chatRetrievals.Add(1)
	}
	if event.CacheHit {
		a.cacheHits.Add(1)
	} else {
		a.cacheMisses.Add(1)
	}
	switch event.Type {
	case EventZeroResult:
		a.zeroResults.Add(1)
	case EventEmptyQuery:
		a.emptyQueries.Add(1)
	case EventError:
		a.errors.Add(1)
	}
	a.returned.Add(int64(event.Returned))

	a.mu.Lock()
	if len(a.latencies) < maxLatencySamples {
		a.latencies = append(a.latencies, event.LatencyUs)
	} else {
		a.latencies[a.nextLatency] = event.LatencyUs
		a.nextLatency = (a.nextLatency + 1) % maxLatencySamples
	}
	if event.Query != "" {
		a.queryCounts[event.Query]++
		if event.Type == EventZeroResult {
			a.zeroResultQueries[event.Query]++
		}
	}
	for _, tok := range uniqueTokens(event.Tokens) {
		a.tokenCounts[tok]++
	}
	a.mu.Unlock()
}

// Track records event in-process. It lets the aggregator stand in for the
// Kafka collector when no brokers are configured.
func (a *Aggregator) Track(event RetrievalEvent) {
	a.Record(event)
}

func (a *Aggregator) Stats() AggregatedStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := AggregatedStats{
		TotalRetrievals: a.totalRetrievals.Load(),
		ChatRetrievals:  a.chatRetrievals.Load(),
		CacheHits:       a.cacheHits.Load(),
		CacheMisses:     a.cacheMisses.Load(),
		ZeroResultCount: a.zeroResults.Load(),
		EmptyQueryCount: a.emptyQueries.Load(),
		ErrorCount:      a.errors.Load(),
	}
	if stats.TotalRetrievals > 0 {
		stats.AvgReturned = float64(a.returned.Load()) / float64(stats.TotalRetrievals)
	}
	if len(a.latencies) > 0 {
		sorted := make([]int64, len(a.latencies))
		copy(sorted, a.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var sum int64
		for _, l := range sorted {
			sum += l
		}
		stats.AvgLatencyUs = float64(sum) / float64(len(sorted))
		stats.P50LatencyUs = percentile(sorted, 50)
		stats.P95LatencyUs = percentile(sorted, 95)
		stats.P99LatencyUs = percentile(sorted, 99)
	}
	stats.TopQueries = topN(a.queryCounts, 10)
	stats.ZeroResultQueries = topN(a.zeroResultQueries, 10)
	stats.TopTokens = topN(a.tokenCounts, 20)
	elapsed := time.Since(a.startTime).Minutes()
	if elapsed > 0 {
		stats.QueriesPerMinute = float64(stats.TotalRetrievals) / elapsed
	}

	return stats
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// topN orders by count descending, then by key so equal counts are stable
// across calls.
func topN(counts map[string]int64, n int) []QueryCount {
	result := make([]QueryCount, 0, len(counts))
	for query, count := range counts {
		result = append(result, QueryCount{Query: query, Count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Query < result[j].Query
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}

func uniqueTokens(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0:0]
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
