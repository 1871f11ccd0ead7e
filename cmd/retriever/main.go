// Command retriever serves knowledge-base retrieval and the grounded chat
// assistant over HTTP.
//
// Redis, Kafka and PostgreSQL are optional: without Redis retrieval runs
// uncached, without Kafka analytics are aggregated in-process, and without
// PostgreSQL chat logs are acknowledged but not stored.
//
// Usage:
//
//	go run ./cmd/retriever [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/anxiangsir/kbretrieval/internal/analytics"
	"github.com/anxiangsir/kbretrieval/internal/chat"
	"github.com/anxiangsir/kbretrieval/internal/chatlog"
	"github.com/anxiangsir/kbretrieval/internal/knowledge"
	"github.com/anxiangsir/kbretrieval/internal/retriever"
	"github.com/anxiangsir/kbretrieval/internal/retriever/cache"
	"github.com/anxiangsir/kbretrieval/internal/retriever/handler"
	"github.com/anxiangsir/kbretrieval/pkg/config"
	"github.com/anxiangsir/kbretrieval/pkg/health"
	"github.com/anxiangsir/kbretrieval/pkg/kafka"
	"github.com/anxiangsir/kbretrieval/pkg/logger"
	"github.com/anxiangsir/kbretrieval/pkg/metrics"
	"github.com/anxiangsir/kbretrieval/pkg/middleware"
	"github.com/anxiangsir/kbretrieval/pkg/postgres"
	"github.com/anxiangsir/kbretrieval/pkg/ratelimit"
	pkgredis "github.com/anxiangsir/kbretrieval/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting retrieval service",
		"port", cfg.Server.Port,
		"knowledge_base", cfg.Retrieval.KnowledgeBasePath,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, prometheus.DefaultGatherer)
		defer shutdownMetrics(context.Background())
	}

	store := knowledge.NewStore(cfg.Retrieval.KnowledgeBasePath)

	var queryCache *cache.QueryCache
	var redisClient *pkgredis.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, retrieval caching disabled", "error", err)
		} else {
			defer redisClient.Close()
			queryCache = cache.New(redisClient, cfg.Redis.CacheTTL)
			slog.Info("retrieval cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}

	var pg *postgres.Client
	var chatStore chatlog.Store
	if cfg.Postgres.Enabled() {
		pg, err = postgres.New(cfg.Postgres)
		if err != nil {
			slog.Warn("postgres unavailable, chat logs will be skipped", "error", err)
			pg = nil
		} else {
			defer pg.Close()
			if err := pg.EnsureSchema(ctx); err != nil {
				slog.Error("failed to apply schema", "error", err)
			}
			chatStore = chatlog.NewPGStore(pg.DB)
		}
	}

	aggregator := analytics.NewAggregator()
	var tracker retriever.Tracker = aggregator
	if len(cfg.Kafka.Brokers) > 0 {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.RetrievalEvents)
		defer producer.Close()
		collector := analytics.NewCollector(producer, cfg.Analytics.BufferSize, cfg.Analytics.BatchSize, cfg.Analytics.FlushInterval)
		collector.Start(ctx)
		defer collector.Close()
		tracker = collector

		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.RetrievalEvents, analytics.HandleEvent(aggregator))
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("analytics consumer error", "error", err)
			}
		}()
		slog.Info("analytics publishing to kafka", "topic", cfg.Kafka.Topics.RetrievalEvents)
	}
	if pg != nil {
		analytics.NewSnapshotStore(pg.DB).StartPeriodicSave(ctx, aggregator, cfg.Analytics.SnapshotInterval)
	}

	svc := retriever.New(store, retriever.Options{
		Cache:   queryCache,
		Metrics: m,
		Tracker: tracker,
		Tracing: cfg.Tracing.Enabled,
	})
	if cfg.Retrieval.EagerLoad {
		if err := svc.Warm(ctx); err != nil {
			slog.Error("knowledge base failed to load", "error", err)
			os.Exit(1)
		}
	}

	var completer chat.Completer
	if cfg.Chat.APIKey != "" {
		completer = chat.NewClient(chat.ClientConfig{
			APIKey:      cfg.Chat.APIKey,
			BaseURL:     cfg.Chat.BaseURL,
			Model:       cfg.Chat.Model,
			Timeout:     cfg.Chat.Timeout,
			MaxAttempts: cfg.Chat.MaxAttempts,
			Metrics:     m,
		})
	} else {
		slog.Warn("chat API key not set, /api/chat will answer with the unavailable reply")
	}
	systemPrompt, err := chat.LoadSystemPrompt(cfg.Chat.SystemPromptPath)
	if err != nil {
		slog.Error("failed to load system prompt", "error", err)
		os.Exit(1)
	}

	retrieveH := handler.New(svc, cfg.Retrieval.TopK, cfg.Retrieval.MinScore, cfg.Retrieval.MaxTopK)
	chatH := chat.NewHandler(completer, svc, systemPrompt, cfg.Retrieval.TopK, cfg.Retrieval.MinScore, m)
	chatLogH := chatlog.NewHandler(chatStore, m)
	analyticsH := analytics.NewHandler(aggregator)

	chatLimiter := ratelimit.New(cfg.Chat.RateLimit, cfg.Chat.RateWindow)
	defer chatLimiter.Stop()

	checker := health.NewChecker()
	checker.Register("knowledge_base", func(ctx context.Context) health.ComponentHealth {
		docs, err := store.Load(ctx)
		if err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp, Message: fmt.Sprintf("%d documents", len(docs))}
	})
	if redisClient != nil {
		checker.Register("redis", health.PingCheck(redisClient, false))
	} else {
		checker.Register("redis", health.PingCheck(nil, false))
	}
	if pg != nil {
		checker.Register("postgres", health.PingCheck(pg, false))
	} else {
		checker.Register("postgres", health.PingCheck(nil, false))
	}

	admin := middleware.AdminAuth(cfg.Admin.APIKeys)
	if len(cfg.Admin.APIKeys) == 0 {
		slog.Warn("no admin api keys configured, admin routes are open")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/retrieve", retrieveH.Retrieve)
	mux.HandleFunc("GET /api/v1/cache/stats", retrieveH.CacheStats)
	mux.Handle("POST /api/v1/cache/invalidate", admin(http.HandlerFunc(retrieveH.CacheInvalidate)))
	mux.Handle("GET /api/v1/analytics", admin(http.HandlerFunc(analyticsH.Stats)))
	mux.Handle("POST /api/chat", middleware.RateLimit(chatLimiter)(http.HandlerFunc(chatH.Chat)))
	mux.HandleFunc("POST /api/chat-log", chatLogH.Save)
	mux.HandleFunc("GET /api/chat-log", chatLogH.List)
	mux.HandleFunc("GET /api/sessions", chatLogH.Sessions)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.AllowOrigins = cfg.CORS.AllowOrigins

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	chain = middleware.Metrics(m)(chain)
	chain = middleware.CORS(corsCfg)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout + cfg.Server.ShutdownTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("retrieval service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("retrieval service stopped")
}
