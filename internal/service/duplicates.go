package service

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"

	"github.com/js-owl/maas-back/internal/crm"
	"github.com/js-owl/maas-back/internal/mapper"
	"github.com/js-owl/maas-back/internal/models"
	"github.com/js-owl/maas-back/pkg/metrics"
)

// DealAPI is the part of the CRM client duplicate resolution needs
type DealAPI interface {
	GetDeal(ctx context.Context, id int64) (crm.Deal, error)
	ListDeals(ctx context.Context, filter map[string]any) ([]crm.Deal, error)
	DeleteDeal(ctx context.Context, id int64) error
}

// LinkStore reads and repairs order Sync Links
type LinkStore interface {
	GetOrder(ctx context.Context, id int64) (models.Order, error)
	ListOrdersWithDeal(ctx context.Context) ([]models.Order, error)
	ReplaceOrderDealID(ctx context.Context, id, dealID int64) error
}

// CleanupResult reports what one cleanup run did for an order
type CleanupResult struct {
	OrderID  int64    `json:"order_id"`
	Found    int      `json:"found"`
	Kept     int64    `json:"kept,omitempty"`
	Relinked bool     `json:"relinked"`
	Deleted  []int64  `json:"deleted"`
	Errors   []string `json:"errors,omitempty"`
}

type DuplicateService struct {
	crm    DealAPI
	store  LinkStore
	logger *slog.Logger
}

func NewDuplicateService(c DealAPI, s LinkStore, l *slog.Logger) *DuplicateService {
	return &DuplicateService{crm: c, store: s, logger: l.With("component", "duplicates")}
}

func titlePattern(orderID int64) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(mapper.DealTitlePrefix(orderID)) + `(\D|$)`)
}

// FindDuplicates lists every remote deal created for the order, oldest first.
// knownID is included even when its title was edited in the CRM
func (s *DuplicateService) FindDuplicates(ctx context.Context, orderID int64, knownID *int64) ([]crm.Deal, error) {
	listed, err := s.crm.ListDeals(ctx, map[string]any{"%TITLE": mapper.DealTitlePrefix(orderID)})
	if err != nil {
		return nil, fmt.Errorf("list deals of order %d: %w", orderID, err)
	}

	pattern := titlePattern(orderID)
	var deals []crm.Deal
	for _, d := range listed {
		if pattern.MatchString(d.Title) {
			deals = append(deals, d)
		}
	}

	if knownID != nil && !slices.ContainsFunc(deals, func(d crm.Deal) bool { return d.ID == *knownID }) {
		d, err := s.crm.GetDeal(ctx, *knownID)
		switch {
		case err == nil:
			deals = append(deals, d)
		case crm.IsNotFound(err):
			s.logger.Warn("linked deal no longer exists", "order_id", orderID, "deal_id", *knownID)
		default:
			return nil, fmt.Errorf("get linked deal %d: %w", *knownID, err)
		}
	}

	slices.SortFunc(deals, func(a, b crm.Deal) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return deals, nil
}

// CleanupDuplicates keeps the linked deal when it still exists, otherwise the
// oldest one, repoints the Sync Link to it and deletes the rest.
// Failed deletions are reported in the result, not returned
func (s *DuplicateService) CleanupDuplicates(ctx context.Context, orderID int64) (CleanupResult, error) {
	res := CleanupResult{OrderID: orderID, Deleted: []int64{}}

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return res, fmt.Errorf("load order %d: %w", orderID, err)
	}

	deals, err := s.FindDuplicates(ctx, orderID, o.RemoteDealID)
	if err != nil {
		return res, err
	}
	res.Found = len(deals)
	if len(deals) == 0 {
		return res, nil
	}

	keep := deals[0]
	if o.RemoteDealID != nil {
		if i := slices.IndexFunc(deals, func(d crm.Deal) bool { return d.ID == *o.RemoteDealID }); i >= 0 {
			keep = deals[i]
		}
	}
	res.Kept = keep.ID

	l := s.logger.With("order_id", orderID, "kept_deal_id", keep.ID)

	if o.RemoteDealID == nil || *o.RemoteDealID != keep.ID {
		if err := s.store.ReplaceOrderDealID(ctx, orderID, keep.ID); err != nil {
			return res, fmt.Errorf("relink order %d: %w", orderID, err)
		}
		res.Relinked = true
		l.Info("order relinked to surviving deal", "previous_deal_id", o.RemoteDealID)
	}

	for _, d := range deals {
		if d.ID == keep.ID {
			continue
		}
		err := s.crm.DeleteDeal(ctx, d.ID)
		if err != nil && !crm.IsNotFound(err) {
			l.Error("failed to delete duplicate deal", "deal_id", d.ID, "error", err)
			res.Errors = append(res.Errors, fmt.Sprintf("deal %d: %v", d.ID, err))
			continue
		}
		metrics.DuplicatesDeleted.Inc()
		res.Deleted = append(res.Deleted, d.ID)
	}

	if len(res.Deleted) > 0 {
		l.Warn("duplicate deals removed", "deleted", res.Deleted)
	}
	return res, nil
}

// CleanupAll runs CleanupDuplicates for every linked order. A failing order
// is recorded in its result and does not stop the run
func (s *DuplicateService) CleanupAll(ctx context.Context) ([]CleanupResult, error) {
	orders, err := s.store.ListOrdersWithDeal(ctx)
	if err != nil {
		return nil, fmt.Errorf("list linked orders: %w", err)
	}

	results := make([]CleanupResult, 0, len(orders))
	for _, o := range orders {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := s.CleanupDuplicates(ctx, o.ID)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
		}
		results = append(results, res)
	}
	return results, nil
}

// ResolveDuplicates is the fire-and-log entry used by the sync handler
func (s *DuplicateService) ResolveDuplicates(ctx context.Context, orderID int64) error {
	res, err := s.CleanupDuplicates(ctx, orderID)
	if err != nil {
		return err
	}
	if len(res.Errors) > 0 {
		return fmt.Errorf("order %d: %d duplicate deletions failed", orderID, len(res.Errors))
	}
	return nil
}
