package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/js-owl/maas-back/internal/broker"
	"github.com/js-owl/maas-back/internal/config"
	"github.com/js-owl/maas-back/internal/crm"
	"github.com/js-owl/maas-back/internal/db"
	"github.com/js-owl/maas-back/internal/mapper"
	"github.com/js-owl/maas-back/internal/processor"
	"github.com/js-owl/maas-back/internal/service"
	"github.com/js-owl/maas-back/internal/stage"
	"github.com/js-owl/maas-back/internal/worker"
	"github.com/js-owl/maas-back/pkg/infra"
	"github.com/js-owl/maas-back/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("CRITICAL: invalid configuration", "error", err)
		os.Exit(1)
	}

	// Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Sync worker initializing...", "consumer", cfg.ConsumerName(), "queue", cfg.QueueURL)

	store, err := db.NewStore(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("CRITICAL: database connection failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			logger.Error("CRITICAL: migrations failed", "error", err)
			os.Exit(1)
		}
	}

	queue := openQueue(ctx, cfg, logger)
	if queue == nil {
		return
	}
	defer queue.Close()

	client := crm.NewClient(crm.Options{
		BaseURL: cfg.CRMWebhookURL,
		Timeout: cfg.CRMTimeout,
		Logger:  logger,
	})

	overrides, err := stage.ParseOverrides(cfg.CRMStageMap)
	if err != nil {
		logger.Error("CRITICAL: invalid CRM_STAGE_MAP", "error", err)
		os.Exit(1)
	}
	stages := stage.New(stage.Options{
		CategoryID: cfg.CRMCategoryID,
		FunnelName: cfg.CRMFunnelName,
		// only the worker creates the pipeline so two processes never race on it
		CreateFunnel: cfg.CRMCreateFunnel,
		Overrides:    overrides,
		Logger:       logger,
	})
	if err := stages.Init(ctx, client); err != nil {
		logger.Warn("Stage mapper running on naming conventions until the CRM pipeline loads", "error", err)
	}

	dups := service.NewDuplicateService(client, store, logger)
	builder := mapper.NewFieldBuilder(stages, cfg.CRMCurrency)

	w := worker.New(queue,
		processor.NewSyncHandler(store, client, dups, builder, logger),
		processor.NewWebhookHandler(store, client, stages, logger),
		worker.Options{
			Streams:         broker.StreamNames(cfg.QueuePrefix),
			Consumer:        cfg.ConsumerName(),
			BatchSize:       cfg.BatchSize,
			PollInterval:    cfg.PollInterval,
			ClaimTimeout:    cfg.ClaimTimeout,
			ShutdownTimeout: cfg.ShutdownTimeout,
			PermanentBudget: cfg.PermanentRetryBudget,
			TransientBudget: cfg.TransientRetryBudget,
			RetryBaseDelay:  cfg.RetryBaseDelay,
			RetryMaxDelay:   cfg.RetryMaxDelay,
		},
		logger,
	)
	supervisor := worker.NewSupervisor("sync", w.Run, w.LastTick, nil, logger)
	producer := service.NewProducer(store, queue, builder, broker.StreamNames(cfg.QueuePrefix).Operations, logger)
	reconciler := service.NewReconciler(store, client, stages, cfg.ReconcileInterval, cfg.ReconcileInitialDelay, logger).
		WithBackfill(service.NewBackfill(store, producer, cfg.BackfillInterval, cfg.BackfillMinAge, logger))

	// Start Observability Server
	obs := startObservabilityServer(cfg.MetricsAddr, supervisor, queue, 3*cfg.PollInterval+cfg.ShutdownTimeout, logger)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		supervisor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		reconciler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		stages.RetryInit(ctx, client, pipelineRetryInterval)
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, draining in-flight messages", "timeout", cfg.ShutdownTimeout)
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = obs.Shutdown(shutdownCtx)
	logger.Info("Sync worker stopped")
}

const pipelineRetryInterval = time.Minute

// openQueue retries the broker link with backoff until it succeeds or the
// process is asked to stop
func openQueue(ctx context.Context, cfg *config.Config, logger *slog.Logger) broker.Queue {
	connBackoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)
	for {
		queue, err := broker.Open(ctx, cfg.QueueURL, logger)
		if err == nil {
			metrics.HealthStatus.Set(1)
			logger.Info("Connected to queue backend")
			return queue
		}
		if errors.Is(err, broker.ErrUnsupportedScheme) {
			logger.Error("CRITICAL: unsupported QUEUE_URL", "error", err)
			os.Exit(1)
		}

		metrics.HealthStatus.Set(0)
		wait := connBackoff.Next()
		logger.Error("Queue connection failed, retrying...", "wait_duration", wait, "error", err)
		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received before connection")
			return nil
		case <-time.After(wait):
		}
	}
}

func startObservabilityServer(addr string, sup *worker.Supervisor, queue broker.Queue, maxIdle time.Duration, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := sup.Status()
		code := http.StatusOK
		if !sup.Alive(maxIdle) {
			code = http.StatusServiceUnavailable
		}
		if err := queue.Ping(r.Context()); err != nil {
			metrics.HealthStatus.Set(0)
			code = http.StatusServiceUnavailable
		} else {
			metrics.HealthStatus.Set(1)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Observability server online", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Observability server failed", "error", err)
		}
	}()
	return server
}
