package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/js-owl/maas-back/internal/db"
	"github.com/js-owl/maas-back/internal/mapper"
	"github.com/js-owl/maas-back/internal/models"
	"github.com/js-owl/maas-back/pkg/metrics"
)

// EntityReader loads the local rows a sync message is built from
type EntityReader interface {
	GetOrder(ctx context.Context, id int64) (models.Order, error)
	GetUser(ctx context.Context, id int64) (models.User, error)
}

// Publisher appends a message to a queue stream
type Publisher interface {
	Publish(ctx context.Context, stream string, body []byte) (string, error)
}

// Producer turns local mutations into Operation Messages. It never talks to the CRM
type Producer struct {
	store   EntityReader
	queue   Publisher
	builder *mapper.FieldBuilder
	stream  string
	logger  *slog.Logger
}

func NewProducer(store EntityReader, queue Publisher, builder *mapper.FieldBuilder, stream string, l *slog.Logger) *Producer {
	return &Producer{
		store:   store,
		queue:   queue,
		builder: builder,
		stream:  stream,
		logger:  l.With("component", "producer"),
	}
}

// EnqueueCreate appends a Create unless the entity already has a Sync Link.
// A deal whose user has no contact yet also gets a contact Create queued first
func (p *Producer) EnqueueCreate(ctx context.Context, kind models.EntityKind, localID int64) error {
	snap, remoteID, err := p.snapshot(ctx, kind, localID)
	if err != nil {
		return err
	}
	if remoteID != nil {
		p.logger.Debug("entity already linked, create skipped", "kind", kind, "local_id", localID, "remote_id", *remoteID)
		return nil
	}

	if kind == models.KindDeal && snap.User != nil && snap.User.RemoteContactID == nil {
		if err := p.EnqueueCreate(ctx, models.KindContact, snap.User.ID); err != nil {
			// the deal is still worth syncing without its contact
			p.logger.Warn("failed to enqueue contact for order", "order_id", localID, "user_id", snap.User.ID, "error", err)
		}
	}

	return p.publish(ctx, kind, models.OpCreate, localID, nil, snap)
}

// EnqueueUpdate appends an Update for a linked entity and falls back to a
// Create when the entity was never synced
func (p *Producer) EnqueueUpdate(ctx context.Context, kind models.EntityKind, localID int64) error {
	snap, remoteID, err := p.snapshot(ctx, kind, localID)
	if err != nil {
		return err
	}
	if remoteID == nil {
		p.logger.Info("entity not linked yet, enqueueing create instead of update", "kind", kind, "local_id", localID)
		return p.EnqueueCreate(ctx, kind, localID)
	}
	return p.publish(ctx, kind, models.OpUpdate, localID, remoteID, snap)
}

// OrderSaved is the hook for host handlers. Sync failures never fail the caller
func (p *Producer) OrderSaved(ctx context.Context, orderID int64, created bool) {
	p.saved(ctx, models.KindDeal, orderID, created)
}

func (p *Producer) UserSaved(ctx context.Context, userID int64, created bool) {
	p.saved(ctx, models.KindContact, userID, created)
}

func (p *Producer) saved(ctx context.Context, kind models.EntityKind, id int64, created bool) {
	var err error
	if created {
		err = p.EnqueueCreate(ctx, kind, id)
	} else {
		err = p.EnqueueUpdate(ctx, kind, id)
	}
	if err != nil {
		p.logger.Error("failed to enqueue sync", "kind", kind, "local_id", id, "error", err)
	}
}

func (p *Producer) snapshot(ctx context.Context, kind models.EntityKind, localID int64) (mapper.Snapshot, *int64, error) {
	switch kind {
	case models.KindDeal:
		o, err := p.store.GetOrder(ctx, localID)
		if err != nil {
			return mapper.Snapshot{}, nil, fmt.Errorf("load order: %w", err)
		}
		snap := mapper.Snapshot{Order: &o}
		u, err := p.store.GetUser(ctx, o.UserID)
		switch {
		case err == nil:
			snap.User = &u
		case !errors.Is(err, db.ErrNotFound):
			return mapper.Snapshot{}, nil, fmt.Errorf("load user of order: %w", err)
		}
		return snap, o.RemoteDealID, nil
	case models.KindContact:
		u, err := p.store.GetUser(ctx, localID)
		if err != nil {
			return mapper.Snapshot{}, nil, fmt.Errorf("load user: %w", err)
		}
		return mapper.Snapshot{User: &u}, u.RemoteContactID, nil
	default:
		return mapper.Snapshot{}, nil, fmt.Errorf("unsupported entity kind %q", kind)
	}
}

func (p *Producer) publish(ctx context.Context, kind models.EntityKind, op models.Operation, localID int64, remoteID *int64, snap mapper.Snapshot) error {
	payload, err := p.builder.Build(kind, op, snap)
	switch {
	case errors.Is(err, mapper.ErrPipelineUnresolved):
		// the worker builds the real payload once the pipeline is known
		payload = nil
	case err != nil:
		return fmt.Errorf("build payload: %w", err)
	}

	msg := models.NewOperationMessage(kind, op, localID, remoteID, payload)
	body, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	id, err := p.queue.Publish(ctx, p.stream, body)
	if err != nil {
		metrics.MessagesPublished.WithLabelValues(p.stream, "error").Inc()
		return fmt.Errorf("publish %s %s: %w", kind, op, err)
	}
	metrics.MessagesPublished.WithLabelValues(p.stream, "ok").Inc()

	p.logger.Info("sync operation enqueued",
		"correlation_id", msg.CorrelationID,
		"kind", kind,
		"operation", op,
		"local_id", localID,
		"message_id", id,
	)
	return nil
}
