package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mood-agency/relay-sub002/internal/activity"
	"github.com/mood-agency/relay-sub002/internal/anomaly"
	"github.com/mood-agency/relay-sub002/internal/broadcast"
	"github.com/mood-agency/relay-sub002/internal/config"
	"github.com/mood-agency/relay-sub002/internal/engine"
	"github.com/mood-agency/relay-sub002/internal/logging"
	"github.com/mood-agency/relay-sub002/internal/metrics"
	"github.com/mood-agency/relay-sub002/internal/queue"
	"github.com/mood-agency/relay-sub002/internal/store"
	"github.com/mood-agency/relay-sub002/internal/tracing"
)

const serviceName = "relay"

func main() {
	envLoaded := godotenv.Load() == nil

	logger := logging.New(serviceName)
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if !envLoaded {
		logger.Info("no .env file found, using defaults")
	}

	cfg := config.Load()

	shutdownTracer, err := tracing.InitTracer(serviceName, logger)
	if err != nil {
		logger.Fatal("tracer init failed", zap.Error(err))
	}
	defer shutdownTracer()

	st, err := store.Open(cfg.DB, logger)
	if err != nil {
		logger.Fatal("store open failed", zap.Error(err))
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := st.Bootstrap(ctx); err != nil {
		logger.Fatal("schema bootstrap failed", zap.Error(err))
	}

	queues := queue.NewRegistry(st, cfg.AckTimeoutSeconds, cfg.MaxAttempts, logger)
	recorder := activity.NewRecorder(st, cfg.ActivityLogEnabled, cfg.ActivityBufferMaxSize, cfg.ActivityBufferFlush, logger)
	stats := anomaly.NewStats(st, logger)
	anomalies := anomaly.NewRegistry(st, logger)
	for _, d := range anomaly.Builtins(cfg.Anomaly, stats) {
		anomalies.Register(d)
	}
	engineMetrics := metrics.NewEngineMetrics(serviceName)

	eng := engine.New(st, queues, recorder, anomalies, stats, engineMetrics, engine.Options{
		DefaultAckTimeoutSeconds: cfg.AckTimeoutSeconds,
		DefaultMaxAttempts:       cfg.MaxAttempts,
		MaxPriorityLevels:        cfg.MaxPriorityLevels,
		RequeueBatchSize:         cfg.RequeueBatchSize,
		ReapInterval:             cfg.OverdueCheckInterval,
		ZombieMultiplier:         cfg.Anomaly.ZombieMultiplier,
		BufferEnabled:            cfg.EnqueueBufferEnabled,
		BufferMaxSize:            cfg.EnqueueBufferMaxSize,
		BufferMaxWait:            cfg.EnqueueBufferMaxWait,
		ChangeChannel:            cfg.ChangeChannel,
	}, logger)

	reaper := engine.NewReaper(eng, config.GetEnvBool("REAPER_ADVISORY_LOCK", true))
	broadcaster := broadcast.New(eng.RecentSummaries, cfg.BroadcastPollInterval, logger)

	ops := engine.NewTelemetryMiddleware(eng)
	handler := NewHandler(ops, eng, broadcaster, recorder, anomalies, logger)

	mux := http.NewServeMux()
	handler.registerRoutes(mux)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		recorder.Run(gctx)
		return nil
	})
	g.Go(func() error {
		reaper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown failed", zap.Error(err))
		}
		// Drain producer and activity buffers before the pools close.
		eng.FlushAll(shutdownCtx)
		recorder.Flush(shutdownCtx)
		return nil
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	if err := g.Wait(); err != nil {
		logger.Fatal("broker exited with error", zap.Error(err))
	}
	logger.Info("broker stopped")
}
