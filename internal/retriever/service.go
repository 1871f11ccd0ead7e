// Package retriever ties the tokenizer, ranker, formatter and query cache
// into the single retrieval operation served over HTTP and used to ground
// chat replies.
package retriever

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/anxiangsir/kbretrieval/internal/analytics"
	"github.com/anxiangsir/kbretrieval/internal/knowledge"
	"github.com/anxiangsir/kbretrieval/internal/retriever/cache"
	"github.com/anxiangsir/kbretrieval/internal/retriever/formatter"
	"github.com/anxiangsir/kbretrieval/internal/retriever/ranker"
	"github.com/anxiangsir/kbretrieval/internal/retriever/tokenizer"
	apperrors "github.com/anxiangsir/kbretrieval/pkg/errors"
	"github.com/anxiangsir/kbretrieval/pkg/logger"
	"github.com/anxiangsir/kbretrieval/pkg/metrics"
	"github.com/anxiangsir/kbretrieval/pkg/tracing"
)

// Source is the knowledge base. *knowledge.Store satisfies it.
type Source interface {
	Load(ctx context.Context) ([]knowledge.Document, error)
	Fingerprint(ctx context.Context) (string, error)
}

// Tracker receives one event per retrieval. *analytics.Collector
// satisfies it.
type Tracker interface {
	Track(event analytics.RetrievalEvent)
}

type Request struct {
	Query    string
	TopK     int
	MinScore float64
	// Source labels the caller in analytics, e.g. "api" or "chat".
	Source string
}

type Result struct {
	Query    string                  `json:"query"`
	Tokens   []string                `json:"tokens"`
	Results  []ranker.ScoredDocument `json:"results"`
	Context  string                  `json:"context"`
	CacheHit bool                    `json:"cache_hit"`
}

// Options carries the optional collaborators. Nil fields are skipped.
type Options struct {
	Cache   *cache.QueryCache
	Metrics *metrics.Metrics
	Tracker Tracker
	Tracing bool
}

type Service struct {
	source  Source
	ranker  *ranker.Ranker
	cache   *cache.QueryCache
	metrics *metrics.Metrics
	tracker Tracker
	tracing bool
	logger  *slog.Logger
}

func New(source Source, opts Options) *Service {
	return &Service{
		source:  source,
		ranker:  ranker.New(source),
		cache:   opts.Cache,
		metrics: opts.Metrics,
		tracker: opts.Tracker,
		tracing: opts.Tracing,
		logger:  slog.Default().With("component", "retriever"),
	}
}

// Retrieve ranks the knowledge base against req.Query and renders the
// context block for the results. Errors wrap apperrors.ErrSourceUnavailable
// when the knowledge base cannot be read.
func (s *Service) Retrieve(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if req.TopK < 1 {
		req.TopK = ranker.DefaultTopK
	}
	if s.tracing {
		var span *tracing.Span
		ctx, span = tracing.StartSpan(ctx, "retrieve", logger.RequestID(ctx))
		defer func() {
			span.End()
			span.Log(logger.FromContext(ctx))
		}()
	}

	// Tokens are computed once here and reused for the cache key and ranking.
	_, span := tracing.StartChildSpan(ctx, "tokenize")
	res := &Result{Query: req.Query, Tokens: tokenizer.Tokenize(req.Query), Results: []ranker.ScoredDocument{}}
	span.SetAttr("tokens", len(res.Tokens))
	span.End()
	if len(res.Tokens) == 0 {
		s.record(ctx, req, res, start, nil)
		return res, nil
	}

	entry, hit, err := s.lookup(ctx, req, res.Tokens)
	if err != nil {
		s.record(ctx, req, res, start, err)
		return nil, err
	}
	res.Results = entry.Results
	res.Context = entry.Context
	res.CacheHit = hit
	s.record(ctx, req, res, start, nil)
	return res, nil
}

// Warm loads the knowledge base ahead of the first query.
func (s *Service) Warm(ctx context.Context) error {
	_, err := s.load(ctx)
	return err
}

func (s *Service) load(ctx context.Context) ([]knowledge.Document, error) {
	docs, err := s.source.Load(ctx)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.KnowledgeBaseDocuments.Set(float64(len(docs)))
	}
	return docs, nil
}

// InvalidateCache drops cached results. It reports false when caching is
// disabled.
func (s *Service) InvalidateCache(ctx context.Context) (int64, bool, error) {
	if s.cache == nil {
		return 0, false, nil
	}
	n, err := s.cache.Invalidate(ctx)
	return n, true, err
}

// CacheStats reports cache hits and misses, and false when caching is
// disabled.
func (s *Service) CacheStats() (hits, misses int64, enabled bool) {
	if s.cache == nil {
		return 0, 0, false
	}
	hits, misses = s.cache.Stats()
	return hits, misses, true
}

func (s *Service) lookup(ctx context.Context, req Request, tokens []string) (*cache.Entry, bool, error) {
	compute := func() (*cache.Entry, error) {
		results, err := s.ranker.SearchTokens(ctx, tokens, req.TopK, req.MinScore)
		if err != nil {
			return nil, err
		}
		return &cache.Entry{Results: results, Context: formatter.Format(results)}, nil
	}
	if _, err := s.load(ctx); err != nil {
		return nil, false, err
	}
	if s.cache == nil {
		entry, err := compute()
		return entry, false, err
	}

	fp, err := s.source.Fingerprint(ctx)
	if err != nil {
		return nil, false, err
	}
	key := cache.Key{Fingerprint: fp, Tokens: tokens, TopK: req.TopK, MinScore: req.MinScore}
	return s.cache.GetOrCompute(ctx, key, compute)
}

func (s *Service) record(ctx context.Context, req Request, res *Result, start time.Time, err error) {
	latency := time.Since(start)
	eventType := analytics.Classify(len(res.Tokens), len(res.Results), err)
	var topScore float64
	if len(res.Results) > 0 {
		topScore = res.Results[0].Score
	}

	log := logger.FromContext(ctx)
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, apperrors.ErrSourceUnavailable) {
			level = slog.LevelWarn
		}
		log.Log(ctx, level, "retrieval failed", "query", req.Query, "source", req.Source, "error", err)
	} else {
		log.Info("retrieval completed",
			"query", req.Query,
			"source", req.Source,
			"tokens", len(res.Tokens),
			"returned", len(res.Results),
			"top_score", topScore,
			"cache_hit", res.CacheHit,
			"latency_us", latency.Microseconds(),
		)
	}

	if s.metrics != nil {
		s.metrics.RetrievalQueriesTotal.WithLabelValues(string(eventType)).Inc()
		if err == nil && len(res.Tokens) > 0 {
			cacheStatus := "miss"
			switch {
			case s.cache == nil:
				cacheStatus = "disabled"
			case res.CacheHit:
				cacheStatus = "hit"
			}
			s.metrics.RetrievalLatency.WithLabelValues(cacheStatus).Observe(latency.Seconds())
			s.metrics.RetrievalResultsCount.Observe(float64(len(res.Results)))
			if len(res.Results) > 0 {
				s.metrics.RetrievalTopScore.Observe(topScore)
			}
			if s.cache != nil {
				if res.CacheHit {
					s.metrics.CacheHitsTotal.Inc()
				} else {
					s.metrics.CacheMissesTotal.Inc()
				}
			}
		}
	}

	if s.tracker != nil {
		s.tracker.Track(analytics.RetrievalEvent{
			Type:      eventType,
			Source:    req.Source,
			Query:     req.Query,
			Tokens:    res.Tokens,
			TopK:      req.TopK,
			MinScore:  req.MinScore,
			Returned:  len(res.Results),
			TopScore:  topScore,
			LatencyUs: latency.Microseconds(),
			CacheHit:  res.CacheHit,
			Timestamp: time.Now().UTC(),
			RequestID: logger.RequestID(ctx),
		})
	}
}
