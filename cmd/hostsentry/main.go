package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hostsentry/hostsentry/internal/api"
	"github.com/hostsentry/hostsentry/internal/config"
	"github.com/hostsentry/hostsentry/internal/correlation"
	"github.com/hostsentry/hostsentry/internal/metrics"
	"github.com/hostsentry/hostsentry/internal/natsio"
	"github.com/hostsentry/hostsentry/internal/pipeline"
	"github.com/hostsentry/hostsentry/internal/queue"
	"github.com/hostsentry/hostsentry/internal/rules"
	"github.com/hostsentry/hostsentry/internal/scorer"
	"github.com/hostsentry/hostsentry/internal/store"
	"github.com/hostsentry/hostsentry/internal/vectorstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("starting hostsentry")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("configuration loaded",
		"http_addr", cfg.HTTPAddr,
		"nats_url", cfg.NATSURL,
		"queue_capacity", cfg.QueueCapacity,
		"workers", cfg.Workers,
		"max_concurrency", cfg.MaxConcurrency,
		"throttle_enabled", cfg.ThrottleEnabled,
		"vector_enabled", cfg.VectorEnabled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	logger.Info("connected to NATS")

	m := metrics.New(nil)

	q, err := queue.New(queue.Config{
		Capacity:          cfg.QueueCapacity,
		DropOldestOnFull:  cfg.DropOldestOnFull,
		DeadLetterCap:     cfg.DeadLetterCap,
		DefaultMaxRetries: cfg.MaxRetries,
	}, logger)
	if err != nil {
		logger.Error("failed to create event queue", "error", err)
		os.Exit(1)
	}

	ruleLoader := rules.NewLoader(cfg.ClassificationDir, cfg.HotReload, int(cfg.ReloadDebounce.Milliseconds()), logger)
	if _, err := ruleLoader.LoadSnapshot(); err != nil {
		logger.Error("failed to load classification rules", "error", err)
		os.Exit(1)
	}
	if err := ruleLoader.WatchForChanges(); err != nil {
		logger.Error("failed to start rule watcher", "error", err)
		os.Exit(1)
	}
	defer ruleLoader.Close()
	matcher := rules.NewMatcher(ruleLoader)

	corrRules := correlation.DefaultRules()
	if cfg.CorrelationRules != "" {
		corrRules, err = correlation.LoadRules(cfg.CorrelationRules)
		if err != nil {
			logger.Error("failed to load correlation rules", "error", err)
			os.Exit(1)
		}
	}
	engine, err := correlation.NewEngine(cfg.WindowHorizon, cfg.WindowMaxCount, corrRules, logger)
	if err != nil {
		logger.Error("failed to create correlation engine", "error", err)
		os.Exit(1)
	}
	logger.Info("correlation engine ready", "rules", len(corrRules))

	scoreClient, err := scorer.NewClient(scorer.Config{
		BaseURL:        cfg.ScorerBaseURL,
		APIKey:         cfg.ScorerAPIKey,
		Model:          cfg.ScorerModel,
		EmbedModel:     cfg.ScorerEmbedModel,
		MaxTokens:      cfg.ScorerMaxTokens,
		Temperature:    cfg.ScorerTemperature,
		RequestTimeout: cfg.ScorerTimeout,
	}, logger)
	if err != nil {
		logger.Error("failed to create scorer client", "error", err)
		os.Exit(1)
	}

	var (
		pool     *vectorstore.Pool
		batcher  *vectorstore.Batcher
		embedder pipeline.Embedder
		searcher pipeline.Searcher
	)
	if cfg.VectorEnabled {
		instances, err := cfg.ParseVectorInstances()
		if err != nil {
			logger.Error("invalid vector instances", "error", err)
			os.Exit(1)
		}
		vsClient := vectorstore.NewClient(nil, cfg.VectorCollection, cfg.VectorRequestTimeout, logger)
		pool, err = vectorstore.NewPool(vectorstore.PoolConfig{
			ProbeInterval:               cfg.VectorProbeInterval,
			ProbeTimeout:                cfg.VectorProbeTimeout,
			ConsecutiveSuccessThreshold: cfg.VectorSuccessStreak,
			ConsecutiveFailureThreshold: cfg.VectorFailureStreak,
			MinHealthyInstances:         cfg.VectorMinHealthy,
			Strategy:                    vectorstore.Strategy(cfg.VectorStrategy),
			PerfAdjustMin:               0.1,
			PerfAdjustMax:               2.0,
			RecoveryGrace:               cfg.VectorRecoveryGrace,
		}, instances, vsClient, logger)
		if err != nil {
			logger.Error("failed to create vector-store pool", "error", err)
			os.Exit(1)
		}
		vsClient.SetPool(pool)
		pool.StartProbing(ctx)

		batcher, err = vectorstore.NewBatcher(vectorstore.BatcherConfig{
			BatchSize:    cfg.VectorBatchSize,
			BatchTimeout: cfg.VectorBatchTimeout,
			FlushTimeout: cfg.VectorFlushTimeout,
		}, vsClient, logger)
		if err != nil {
			logger.Error("failed to create vector batcher", "error", err)
			os.Exit(1)
		}
		embedder = batcher
		searcher = vsClient
		logger.Info("vector store enabled", "instances", len(instances), "strategy", cfg.VectorStrategy)

		go func() {
			ticker := time.NewTicker(cfg.VectorProbeInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.HealthyInstances.Set(float64(pool.HealthyCount()))
				}
			}
		}()
	}

	memoryStore := store.NewMemoryStore(cfg.MaxFindings, cfg.DedupeCap)
	publisher := natsio.NewPublisher(nc, "", logger)

	orch, err := pipeline.New(pipeline.Config{
		Workers:           cfg.Workers,
		MaxConcurrency:    cfg.MaxConcurrency,
		AcquireTimeout:    cfg.AcquireTimeout,
		ScorerTimeout:     cfg.ScorerTimeout,
		OnSlotTimeout:     pipeline.SlotTimeoutPolicy(cfg.SlotTimeoutPolicy),
		MemHighWaterBytes: uint64(cfg.MemHighWaterMB) << 20,
		MemCheckInterval:  cfg.MemCheckInterval,
		TrimHorizon:       cfg.TrimHorizon,
		Throttle: pipeline.ThrottleConfig{
			Enabled:      cfg.ThrottleEnabled,
			CPUThreshold: cfg.CPUThreshold,
			MinLimit:     cfg.ThrottleMinLimit,
			Interval:     cfg.ThrottleInterval,
		},
	}, q, matcher, scoreClient, engine, embedder, searcher, memoryStore, publisher, m, logger)
	if err != nil {
		logger.Error("failed to create pipeline", "error", err)
		os.Exit(1)
	}

	subscriber := natsio.NewSubscriber(nc, q, cfg.QueueGroup, m, logger)

	apiServer := api.New(memoryStore, q, engine, pool, batcher, nc, logger)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiServer.Router(),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := orch.Run(ctx); err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := subscriber.Subscribe(ctx); err != nil {
			logger.Error("subscriber error", "error", err)
		}
	}()
	go func() {
		logger.Info("starting HTTP server", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("hostsentry started")
	<-sigChan

	logger.Info("shutting down")
	cancel()
	wg.Wait()

	if batcher != nil {
		batcher.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("hostsentry stopped")
}
