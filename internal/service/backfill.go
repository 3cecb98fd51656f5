package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/js-owl/maas-back/internal/models"
	"github.com/js-owl/maas-back/pkg/metrics"
)

// UnlinkedLister finds local rows that never got a Sync Link
type UnlinkedLister interface {
	ListUnlinkedOrders(ctx context.Context, before time.Time) ([]models.Order, error)
	ListUnlinkedUsers(ctx context.Context, before time.Time) ([]models.User, error)
}

// CreateEnqueuer is the producer side used to retry a create
type CreateEnqueuer interface {
	EnqueueCreate(ctx context.Context, kind models.EntityKind, localID int64) error
}

type BackfillStats struct {
	Orders   int
	Contacts int
	Errors   int
}

// Backfill re-enqueues creates for orders and users without a Sync Link,
// such as those whose create gave up during a CRM outage. Rows touched
// within minAge are skipped so messages still in their retry cycle are not
// doubled
type Backfill struct {
	store    UnlinkedLister
	producer CreateEnqueuer
	minAge   time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

func NewBackfill(store UnlinkedLister, producer CreateEnqueuer, interval, minAge time.Duration, l *slog.Logger) *Backfill {
	if interval <= 0 {
		interval = time.Hour
	}
	if minAge < 0 {
		minAge = 0
	}
	return &Backfill{
		store:    store,
		producer: producer,
		minAge:   minAge,
		interval: interval,
		now:      time.Now,
		logger:   l.With("component", "backfill"),
	}
}

// Run enqueues one create per unsynced entity. Orders go first: their
// create also queues the contact of an unlinked user, so those users are
// not enqueued a second time
func (b *Backfill) Run(ctx context.Context) (BackfillStats, error) {
	var stats BackfillStats
	cutoff := b.now().Add(-b.minAge)

	orders, err := b.store.ListUnlinkedOrders(ctx, cutoff)
	if err != nil {
		return stats, fmt.Errorf("list unlinked orders: %w", err)
	}
	covered := make(map[int64]bool)
	for _, o := range orders {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if b.enqueue(ctx, models.KindDeal, o.ID) {
			stats.Orders++
			covered[o.UserID] = true
		} else {
			stats.Errors++
		}
	}

	users, err := b.store.ListUnlinkedUsers(ctx, cutoff)
	if err != nil {
		return stats, fmt.Errorf("list unlinked users: %w", err)
	}
	for _, u := range users {
		if covered[u.ID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if b.enqueue(ctx, models.KindContact, u.ID) {
			stats.Contacts++
		} else {
			stats.Errors++
		}
	}

	if stats.Orders+stats.Contacts+stats.Errors > 0 {
		b.logger.Info("Backfill enqueued unsynced entities",
			"orders", stats.Orders,
			"contacts", stats.Contacts,
			"errors", stats.Errors,
		)
	}
	return stats, nil
}

func (b *Backfill) enqueue(ctx context.Context, kind models.EntityKind, id int64) bool {
	if err := b.producer.EnqueueCreate(ctx, kind, id); err != nil {
		metrics.BackfillEnqueued.WithLabelValues(string(kind), "error").Inc()
		b.logger.Error("failed to enqueue backfill create", "kind", kind, "local_id", id, "error", err)
		return false
	}
	metrics.BackfillEnqueued.WithLabelValues(string(kind), "ok").Inc()
	return true
}
