package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/js-owl/maas-back/internal/crm"
	"github.com/js-owl/maas-back/internal/models"
	"github.com/js-owl/maas-back/internal/stage"
	"github.com/js-owl/maas-back/pkg/metrics"
)

const defaultReconcileInterval = 5 * time.Minute

// ReconcileCRM reads deals and, for mapper re-initialization, the pipeline
type ReconcileCRM interface {
	stage.Source
	GetDeal(ctx context.Context, id int64) (crm.Deal, error)
}

type ReconcileStore interface {
	StatusWriter
	ListOrdersWithDeal(ctx context.Context) ([]models.Order, error)
}

// SweepStats summarizes one reconciliation pass
type SweepStats struct {
	Total     int `json:"total"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Unmapped  int `json:"unmapped"`
	NotFound  int `json:"not_found"`
	Errors    int `json:"errors"`
}

// Reconciler periodically pulls the stage of every linked deal back into the
// local order status. It is the safety net for lost webhooks
type Reconciler struct {
	store        ReconcileStore
	crm          ReconcileCRM
	stages       *stage.Mapper
	applier      *StageApplier
	interval     time.Duration
	initialDelay time.Duration
	logger       *slog.Logger

	backfill     *Backfill
	lastBackfill time.Time
}

func NewReconciler(store ReconcileStore, c ReconcileCRM, stages *stage.Mapper, interval, initialDelay time.Duration, l *slog.Logger) *Reconciler {
	l = l.With("component", "reconciler")
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	return &Reconciler{
		store:        store,
		crm:          c,
		stages:       stages,
		applier:      NewStageApplier(store, stages, l),
		interval:     interval,
		initialDelay: initialDelay,
		logger:       l,
	}
}

// WithBackfill makes Run also re-enqueue creates for unsynced entities,
// first right after the initial delay and then once per backfill interval
func (r *Reconciler) WithBackfill(b *Backfill) *Reconciler {
	r.backfill = b
	return r
}

// Run sweeps after the initial delay and then on every interval until ctx ends
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("Reconciliation scheduler started", "interval", r.interval, "initial_delay", r.initialDelay)

	select {
	case <-ctx.Done():
		return
	case <-time.After(r.initialDelay):
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Error("Reconciliation sweep failed", "error", err)
		}
		r.maybeBackfill(ctx)

		select {
		case <-ctx.Done():
			r.logger.Info("Reconciliation scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep reconciles every linked order once. A failing order is counted and
// skipped without affecting the others
func (r *Reconciler) Sweep(ctx context.Context) (SweepStats, error) {
	start := time.Now()
	var stats SweepStats

	defer func() {
		metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	}()

	if err := r.stages.EnsureInit(ctx, r.crm); err != nil {
		r.logger.Debug("stage mapper still in fallback mode", "error", err)
	}

	orders, err := r.store.ListOrdersWithDeal(ctx)
	if err != nil {
		return stats, fmt.Errorf("list linked orders: %w", err)
	}

	for _, o := range orders {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Total++

		result := r.reconcileOne(ctx, o)
		metrics.ReconcileOrders.WithLabelValues(result).Inc()
		switch result {
		case "updated":
			stats.Updated++
		case "unchanged":
			stats.Unchanged++
		case "unmapped":
			stats.Unmapped++
		case "not_found":
			stats.NotFound++
		default:
			stats.Errors++
		}
	}

	r.logger.Info("Reconciliation sweep finished",
		"total", stats.Total,
		"updated", stats.Updated,
		"unchanged", stats.Unchanged,
		"unmapped", stats.Unmapped,
		"not_found", stats.NotFound,
		"errors", stats.Errors,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return stats, nil
}

func (r *Reconciler) maybeBackfill(ctx context.Context) {
	if r.backfill == nil || ctx.Err() != nil {
		return
	}
	now := r.backfill.now()
	if !r.lastBackfill.IsZero() && now.Sub(r.lastBackfill) < r.backfill.interval {
		return
	}
	r.lastBackfill = now
	if _, err := r.backfill.Run(ctx); err != nil {
		r.logger.Error("Backfill pass failed", "error", err)
	}
}

// reconcileOne is the error boundary of a single order
func (r *Reconciler) reconcileOne(ctx context.Context, o models.Order) (result string) {
	l := r.logger.With("order_id", o.ID, "deal_id", *o.RemoteDealID)

	defer func() {
		if p := recover(); p != nil {
			l.Error("panic while reconciling order", "panic", p)
			result = "error"
		}
	}()

	deal, err := r.crm.GetDeal(ctx, *o.RemoteDealID)
	if err != nil {
		if crm.Classify(err) == models.ClassNotFound {
			l.Warn("linked deal not found in CRM, skipping")
			return "not_found"
		}
		l.Error("failed to fetch deal", "class", crm.Classify(err), "error", err)
		return "error"
	}

	outcome, err := r.applier.Apply(ctx, o, deal.StageID)
	if err != nil {
		l.Error("failed to apply deal stage", "error", err)
		return "error"
	}
	return string(outcome)
}
