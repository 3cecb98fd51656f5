package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/js-owl/maas-back/internal/models"
)

// StageMapping resolves CRM stage ids to local statuses
type StageMapping interface {
	MapStage(stageID string) (models.OrderStatus, bool)
}

type StatusWriter interface {
	UpdateOrderStatus(ctx context.Context, id int64, status models.OrderStatus) error
}

type StageOutcome string

const (
	StageUpdated   StageOutcome = "updated"
	StageUnchanged StageOutcome = "unchanged"
	StageUnmapped  StageOutcome = "unmapped"
)

// StageApplier writes the status a CRM stage maps to into the local order.
// The CRM is authoritative, so a backwards move is applied and logged
type StageApplier struct {
	store  StatusWriter
	stages StageMapping
	logger *slog.Logger
}

func NewStageApplier(store StatusWriter, stages StageMapping, l *slog.Logger) *StageApplier {
	return &StageApplier{store: store, stages: stages, logger: l}
}

func (a *StageApplier) Apply(ctx context.Context, o models.Order, stageID string) (StageOutcome, error) {
	status, ok := a.stages.MapStage(stageID)
	if !ok {
		a.logger.Warn("unmapped deal stage, order status left unchanged", "order_id", o.ID, "stage_id", stageID)
		return StageUnmapped, nil
	}
	if status == o.Status {
		return StageUnchanged, nil
	}

	if err := a.store.UpdateOrderStatus(ctx, o.ID, status); err != nil {
		return "", fmt.Errorf("update status of order %d: %w", o.ID, err)
	}

	l := a.logger.With("order_id", o.ID, "stage_id", stageID, "from", o.Status, "to", status)
	if status.Rank() < o.Status.Rank() {
		l.Warn("order status moved backwards by CRM stage change")
	} else {
		l.Info("order status updated from CRM stage")
	}
	return StageUpdated, nil
}
