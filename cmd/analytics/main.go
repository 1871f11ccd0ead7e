// Command analytics runs the retrieval analytics aggregator on its own.
//
// It consumes retrieval events from Kafka, aggregates them in memory (query
// volume, zero-result rate, cache hit rate, latency percentiles, top queries
// and tokens), snapshots the aggregate to PostgreSQL when configured, and
// serves GET /api/v1/analytics.
//
// Usage:
//
//	go run ./cmd/analytics [-config configs/development.yaml]
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

	"github.com/anxiangsir/kbretrieval/internal/analytics"
	"github.com/anxiangsir/kbretrieval/pkg/config"
	"github.com/anxiangsir/kbretrieval/pkg/health"
	"github.com/anxiangsir/kbretrieval/pkg/kafka"
	"github.com/anxiangsir/kbretrieval/pkg/logger"
	"github.com/anxiangsir/kbretrieval/pkg/middleware"
	"github.com/anxiangsir/kbretrieval/pkg/postgres"
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
	if len(cfg.Kafka.Brokers) == 0 {
		slog.Error("kafka.brokers is required for the standalone analytics service")
		os.Exit(1)
	}
	slog.Info("starting analytics service", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	aggregator := analytics.NewAggregator()
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.RetrievalEvents, analytics.HandleEvent(aggregator))
	go func() {
		if err := consumer.Start(ctx); err != nil {
			slog.Error("analytics consumer error", "error", err)
		}
	}()
	slog.Info("analytics aggregator started", "topic", cfg.Kafka.Topics.RetrievalEvents)

	checker := health.NewChecker()
	checker.Register("kafka_consumer", func(ctx context.Context) health.ComponentHealth {
		processed, failed := consumer.Counts()
		msg := fmt.Sprintf("processed=%d failed=%d", processed, failed)
		if failed > 0 && processed == 0 {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: msg}
		}
		return health.ComponentHealth{Status: health.StatusUp, Message: msg}
	})
	if cfg.Postgres.Enabled() {
		pg, err := postgres.New(cfg.Postgres)
		if err != nil {
			slog.Warn("postgres unavailable, snapshots disabled", "error", err)
			checker.Register("postgres", health.PingCheck(nil, false))
		} else {
			defer pg.Close()
			if err := pg.EnsureSchema(ctx); err != nil {
				slog.Error("failed to apply schema", "error", err)
			}
			analytics.NewSnapshotStore(pg.DB).StartPeriodicSave(ctx, aggregator, cfg.Analytics.SnapshotInterval)
			checker.Register("postgres", health.PingCheck(pg, false))
		}
	}

	analyticsHandler := analytics.NewHandler(aggregator)

	mux := http.NewServeMux()
	mux.Handle("GET /api/v1/analytics", middleware.AdminAuth(cfg.Admin.APIKeys)(http.HandlerFunc(analyticsHandler.Stats)))
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
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

	slog.Info("analytics service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("analytics service stopped")
}
