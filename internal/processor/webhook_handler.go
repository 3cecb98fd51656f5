package processor

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/js-owl/maas-back/internal/crm"
	"github.com/js-owl/maas-back/internal/db"
	"github.com/js-owl/maas-back/internal/models"
	"github.com/js-owl/maas-back/internal/service"
)

type OrderLookup interface {
	FindOrderByDealID(ctx context.Context, dealID int64) (models.Order, error)
	UpdateOrderStatus(ctx context.Context, id int64, status models.OrderStatus) error
}

type DealReader interface {
	GetDeal(ctx context.Context, id int64) (crm.Deal, error)
}

// PipelineScope tells whether a deal belongs to the configured pipeline
type PipelineScope interface {
	service.StageMapping
	InPipeline(categoryID, stageID string) bool
}

// WebhookResult is how a webhook event was disposed of. Every result is acknowledged
type WebhookResult string

const (
	WebhookUpdated    WebhookResult = "updated"
	WebhookUnchanged  WebhookResult = "unchanged"
	WebhookUnmapped   WebhookResult = "unmapped"
	WebhookOrphan     WebhookResult = "orphan"
	WebhookOutOfScope WebhookResult = "out_of_scope"
	WebhookIgnored    WebhookResult = "ignored"
	WebhookFailed     WebhookResult = "failed"
)

// WebhookHandler applies CRM stage changes to local order status
type WebhookHandler struct {
	store   OrderLookup
	crm     DealReader
	scope   PipelineScope
	applier *service.StageApplier
	logger  *slog.Logger
}

func NewWebhookHandler(store OrderLookup, c DealReader, scope PipelineScope, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		store:   store,
		crm:     c,
		scope:   scope,
		applier: service.NewStageApplier(store, scope, logger),
		logger:  logger,
	}
}

// Handle never asks for a redelivery: failures are logged and left to the
// reconciliation sweep
func (h *WebhookHandler) Handle(ctx context.Context, ev *models.WebhookEvent) WebhookResult {
	l := h.logger.With("event_id", ev.EventID, "event", ev.EventType, "deal_id", ev.RemoteID)

	if ev.Kind != models.KindDeal {
		l.Debug("webhook for unsupported entity kind", "kind", ev.Kind)
		return WebhookIgnored
	}

	stageID := ev.RawFields["STAGE_ID"]
	categoryID := ev.RawFields["CATEGORY_ID"]
	if stageID == "" {
		deal, err := h.crm.GetDeal(ctx, ev.RemoteID)
		if crm.IsNotFound(err) {
			l.Info("deal from webhook no longer exists")
			return WebhookOrphan
		}
		if err != nil {
			l.Error("failed to fetch deal for webhook", "class", crm.Classify(err), "error", err)
			return WebhookFailed
		}
		stageID = deal.StageID
		categoryID = strconv.Itoa(deal.CategoryID)
	}

	if !h.scope.InPipeline(categoryID, stageID) {
		l.Debug("deal belongs to another pipeline", "category_id", categoryID, "stage_id", stageID)
		return WebhookOutOfScope
	}

	o, err := h.store.FindOrderByDealID(ctx, ev.RemoteID)
	if errors.Is(err, db.ErrNotFound) {
		l.Info("no local order for deal, skipping")
		return WebhookOrphan
	}
	if err != nil {
		l.Error("failed to look up order for deal", "error", err)
		return WebhookFailed
	}

	outcome, err := h.applier.Apply(ctx, o, stageID)
	if err != nil {
		l.Error("failed to apply deal stage", "order_id", o.ID, "error", err)
		return WebhookFailed
	}
	return WebhookResult(outcome)
}
