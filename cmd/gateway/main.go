package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/js-owl/maas-back/internal/broker"
	"github.com/js-owl/maas-back/internal/config"
	"github.com/js-owl/maas-back/internal/crm"
	"github.com/js-owl/maas-back/internal/db"
	"github.com/js-owl/maas-back/internal/httpapi"
	"github.com/js-owl/maas-back/internal/mapper"
	"github.com/js-owl/maas-back/internal/service"
	"github.com/js-owl/maas-back/internal/stage"
	"github.com/js-owl/maas-back/pkg/infra"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("FATAL: invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.WebhookToken == "" {
		logger.Warn("WEBHOOK_TOKEN is not set: every inbound webhook will be rejected")
	}
	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN is not set: admin endpoints are disabled")
	}

	// Setup Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.NewStore(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("FATAL: failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	queue, err := broker.Open(ctx, cfg.QueueURL, logger)
	if err != nil {
		logger.Error("FATAL: failed to connect to queue backend", "error", err)
		os.Exit(1)
	}
	defer queue.Close()

	client := crm.NewClient(crm.Options{
		BaseURL: cfg.CRMWebhookURL,
		Timeout: cfg.CRMTimeout,
		Logger:  logger,
	})

	overrides, err := stage.ParseOverrides(cfg.CRMStageMap)
	if err != nil {
		logger.Error("FATAL: invalid CRM_STAGE_MAP", "error", err)
		os.Exit(1)
	}
	stages := stage.New(stage.Options{
		CategoryID: cfg.CRMCategoryID,
		FunnelName: cfg.CRMFunnelName,
		Overrides:  overrides,
		Logger:     logger,
	})
	// the pipeline id is needed to filter webhooks of other pipelines
	if err := stages.Init(ctx, client); err != nil {
		logger.Warn("Pipeline not resolved, accepting webhooks of every pipeline until it is", "error", err)
	}
	go stages.RetryInit(ctx, client, time.Minute)

	streams := broker.StreamNames(cfg.QueuePrefix)
	api := httpapi.NewServer(httpapi.Deps{
		Queue:      queue,
		Scope:      stages,
		Duplicates: service.NewDuplicateService(client, store, logger),
		Producer:   service.NewProducer(store, queue, mapper.NewFieldBuilder(stages, cfg.CRMCurrency), streams.Operations, logger),
		Store:      store,
	}, httpapi.ServerConfig{
		Streams:      streams,
		WebhookToken: cfg.WebhookToken,
		AdminToken:   cfg.AdminToken,
		StaleAfter:   cfg.ClaimTimeout + cfg.PollInterval,
	}, logger)

	servers := []*http.Server{
		{
			Addr:              cfg.HTTPAddr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      60 * time.Second,
		},
		{
			Addr:         cfg.MetricsAddr,
			Handler:      promhttp.Handler(),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			logger.Info("HTTP server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down gateway...")
	case err := <-errCh:
		logger.Error("HTTP server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", "addr", srv.Addr, "error", err)
		}
	}
	logger.Info("Gateway shut down successfully")
}
