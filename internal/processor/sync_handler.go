package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/js-owl/maas-back/internal/crm"
	"github.com/js-owl/maas-back/internal/db"
	"github.com/js-owl/maas-back/internal/mapper"
	"github.com/js-owl/maas-back/internal/models"
	"github.com/js-owl/maas-back/pkg/metrics"
)

// Store is the local state the sync handler reads and links
type Store interface {
	GetOrder(ctx context.Context, id int64) (models.Order, error)
	GetUser(ctx context.Context, id int64) (models.User, error)
	SetOrderDealID(ctx context.Context, id, dealID int64) (bool, error)
	SetUserContactID(ctx context.Context, id, contactID int64) (bool, error)
}

// CRM is the subset of the CRM client used for outbound sync
type CRM interface {
	CreateDeal(ctx context.Context, fields crm.Fields) (int64, error)
	UpdateDeal(ctx context.Context, id int64, fields crm.Fields) error
	GetDeal(ctx context.Context, id int64) (crm.Deal, error)
	CreateContact(ctx context.Context, fields crm.Fields) (int64, error)
	UpdateContact(ctx context.Context, id int64, fields crm.Fields) error
	GetContact(ctx context.Context, id int64) (crm.Contact, error)
}

// Duplicates finds and removes extra deals created for one order
type Duplicates interface {
	FindDuplicates(ctx context.Context, orderID int64, knownID *int64) ([]crm.Deal, error)
	ResolveDuplicates(ctx context.Context, orderID int64) error
}

// Result is the successful outcome of processing one message
type Result string

const (
	ResultCreated       Result = "created"
	ResultAdopted       Result = "adopted"
	ResultUpdated       Result = "updated"
	ResultAlreadySynced Result = "already_synced"
	ResultLocalMissing  Result = "local_missing"
	ResultRemoteMissing Result = "remote_missing"
)

// SyncHandler pushes one Operation Message to the CRM. Errors it returns
// are classified by the caller with crm.Classify
type SyncHandler struct {
	store   Store
	crm     CRM
	dups    Duplicates
	builder *mapper.FieldBuilder
	logger  *slog.Logger
}

func NewSyncHandler(store Store, c CRM, dups Duplicates, builder *mapper.FieldBuilder, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{
		store:   store,
		crm:     c,
		dups:    dups,
		builder: builder,
		logger:  logger,
	}
}

// local is the freshly loaded state a message is applied from
type local struct {
	snap mapper.Snapshot
	link *int64
}

// Process re-reads the local entity and creates or updates its CRM
// counterpart, re-checking the Sync Link at every step
func (h *SyncHandler) Process(ctx context.Context, msg *models.OperationMessage) (res Result, err error) {
	start := time.Now()

	defer func() {
		status := "success"
		if err != nil {
			status = crm.Classify(err).String()
		}
		metrics.ConsumerDuration.WithLabelValues(
			status,
			string(msg.Kind),
			string(msg.Operation),
		).Observe(time.Since(start).Seconds())
	}()

	l := h.logger.With(
		"correlation_id", msg.CorrelationID,
		"kind", msg.Kind,
		"operation", msg.Operation,
		"local_id", msg.LocalID,
		"attempt", msg.Retry.Count+1,
	)

	cur, err := h.load(ctx, msg.Kind, msg.LocalID)
	if errors.Is(err, db.ErrNotFound) {
		l.Info("local entity no longer exists, nothing to sync")
		return ResultLocalMissing, nil
	}
	if err != nil {
		return "", err
	}

	op := msg.Operation
	if op == models.OpUpdate && cur.link == nil {
		l.Info("entity has no Sync Link yet, processing update as create")
		op = models.OpCreate
	}

	if op == models.OpCreate {
		if cur.link != nil {
			l.Info("entity already synced, skipping create", "remote_id", *cur.link)
			if msg.Kind == models.KindDeal {
				h.resolveDuplicates(ctx, l, msg.LocalID)
			}
			return ResultAlreadySynced, nil
		}
		return h.create(ctx, l, msg, cur)
	}
	return h.update(ctx, l, msg.Kind, cur)
}

func (h *SyncHandler) load(ctx context.Context, kind models.EntityKind, id int64) (local, error) {
	switch kind {
	case models.KindDeal:
		o, err := h.store.GetOrder(ctx, id)
		if err != nil {
			return local{}, err
		}
		cur := local{snap: mapper.Snapshot{Order: &o}, link: o.RemoteDealID}
		u, err := h.store.GetUser(ctx, o.UserID)
		switch {
		case err == nil:
			cur.snap.User = &u
		case !errors.Is(err, db.ErrNotFound):
			return local{}, fmt.Errorf("load user of order %d: %w", id, err)
		}
		return cur, nil
	case models.KindContact:
		u, err := h.store.GetUser(ctx, id)
		if err != nil {
			return local{}, err
		}
		return local{snap: mapper.Snapshot{User: &u}, link: u.RemoteContactID}, nil
	default:
		return local{}, fmt.Errorf("unsupported entity kind %q", kind)
	}
}

func (h *SyncHandler) create(ctx context.Context, l *slog.Logger, msg *models.OperationMessage, cur local) (Result, error) {
	if msg.Kind == models.KindDeal && msg.Retry.Count > 0 {
		// an earlier attempt may have created the deal and failed before linking it
		deals, err := h.dups.FindDuplicates(ctx, msg.LocalID, nil)
		if err != nil {
			return "", fmt.Errorf("look up existing deals: %w", err)
		}
		if len(deals) > 0 {
			adopted := deals[0].ID
			l.Warn("adopting deal created by an earlier attempt", "remote_id", adopted, "found", len(deals))
			if err := h.link(ctx, l, models.KindDeal, msg.LocalID, adopted); err != nil {
				return "", err
			}
			if len(deals) > 1 {
				h.resolveDuplicates(ctx, l, msg.LocalID)
			}
			return ResultAdopted, nil
		}
	}

	fields, err := h.builder.Build(msg.Kind, models.OpCreate, cur.snap)
	if err != nil {
		return "", fmt.Errorf("build %s payload: %w", msg.Kind, err)
	}

	var remoteID int64
	switch msg.Kind {
	case models.KindDeal:
		remoteID, err = h.crm.CreateDeal(ctx, fields)
	case models.KindContact:
		remoteID, err = h.crm.CreateContact(ctx, fields)
	}
	if err != nil {
		return "", err
	}

	l.Info("remote entity created", "remote_id", remoteID)
	if err := h.link(ctx, l, msg.Kind, msg.LocalID, remoteID); err != nil {
		return "", err
	}
	return ResultCreated, nil
}

// link persists the Sync Link. Losing the conditional write means another
// worker linked a different deal, which leaves a duplicate to clean up
func (h *SyncHandler) link(ctx context.Context, l *slog.Logger, kind models.EntityKind, localID, remoteID int64) error {
	var (
		linked bool
		err    error
	)
	switch kind {
	case models.KindDeal:
		linked, err = h.store.SetOrderDealID(ctx, localID, remoteID)
	case models.KindContact:
		linked, err = h.store.SetUserContactID(ctx, localID, remoteID)
	}
	if err != nil {
		return fmt.Errorf("persist sync link %d: %w", remoteID, err)
	}
	if linked {
		return nil
	}

	l.Warn("Sync Link was written concurrently", "remote_id", remoteID)
	if kind == models.KindDeal {
		h.resolveDuplicates(ctx, l, localID)
	}
	return nil
}

func (h *SyncHandler) update(ctx context.Context, l *slog.Logger, kind models.EntityKind, cur local) (Result, error) {
	remoteID := *cur.link
	l = l.With("remote_id", remoteID)

	var err error
	switch kind {
	case models.KindDeal:
		_, err = h.crm.GetDeal(ctx, remoteID)
	case models.KindContact:
		_, err = h.crm.GetContact(ctx, remoteID)
	}
	if crm.IsNotFound(err) {
		l.Warn("remote entity was deleted in the CRM, update dropped")
		return ResultRemoteMissing, nil
	}
	if err != nil {
		return "", err
	}

	fields, err := h.builder.Build(kind, models.OpUpdate, cur.snap)
	if err != nil {
		return "", fmt.Errorf("build %s payload: %w", kind, err)
	}

	switch kind {
	case models.KindDeal:
		err = h.crm.UpdateDeal(ctx, remoteID, fields)
	case models.KindContact:
		err = h.crm.UpdateContact(ctx, remoteID, fields)
	}
	if err != nil {
		return "", err
	}

	l.Info("remote entity updated")
	return ResultUpdated, nil
}

func (h *SyncHandler) resolveDuplicates(ctx context.Context, l *slog.Logger, orderID int64) {
	if err := h.dups.ResolveDuplicates(ctx, orderID); err != nil {
		l.Error("duplicate cleanup failed", "error", err)
	}
}
