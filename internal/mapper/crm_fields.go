package mapper

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/js-owl/maas-back/internal/crm"
	"github.com/js-owl/maas-back/internal/models"
)

// OriginatorID tags every entity created by this system so it can be traced back
const OriginatorID = "maas"

// ErrPipelineUnresolved is returned for a new deal while the target pipeline
// is not known yet. It is retried like any other transient failure
var ErrPipelineUnresolved = errors.New("deal pipeline not resolved yet")

// StageLookup resolves the pipeline and stage a new deal is placed in
type StageLookup interface {
	Resolved() bool
	CategoryID() int
	StageFor(status models.OrderStatus) (string, bool)
}

// Snapshot is the local state a payload is built from
type Snapshot struct {
	Order *models.Order
	User  *models.User
}

// FieldBuilder orchestrates the translation from local rows to CRM field maps
type FieldBuilder struct {
	stages   StageLookup
	currency string
}

func NewFieldBuilder(stages StageLookup, currency string) *FieldBuilder {
	if currency == "" {
		currency = "RUB"
	}
	return &FieldBuilder{stages: stages, currency: currency}
}

// Build selects the payload builder by entity kind and operation
func (b *FieldBuilder) Build(kind models.EntityKind, op models.Operation, s Snapshot) (crm.Fields, error) {
	switch kind {
	case models.KindDeal:
		if s.Order == nil {
			return nil, fmt.Errorf("deal payload requires an order")
		}
		if op == models.OpUpdate {
			return DealUpdateFields(s.Order, s.User, b.currency), nil
		}
		if !b.stages.Resolved() {
			return nil, ErrPipelineUnresolved
		}
		stageID, _ := b.stages.StageFor(s.Order.Status)
		return DealFields(s.Order, s.User, b.stages.CategoryID(), stageID, b.currency), nil
	case models.KindContact:
		if s.User == nil {
			return nil, fmt.Errorf("contact payload requires a user")
		}
		return ContactFields(s.User), nil
	default:
		return nil, fmt.Errorf("unsupported entity kind %q", kind)
	}
}

// DealTitlePrefix is the deterministic reference embedded in every deal title
func DealTitlePrefix(orderID int64) string {
	return fmt.Sprintf("Order #%d", orderID)
}

func DealTitle(o *models.Order) string {
	if o.ServiceID == "" {
		return DealTitlePrefix(o.ID)
	}
	return fmt.Sprintf("%s - %s", DealTitlePrefix(o.ID), o.ServiceID)
}

// DealFields builds the payload for a new deal
func DealFields(o *models.Order, u *models.User, categoryID int, stageID, currency string) crm.Fields {
	f := crm.Fields{
		"TITLE":         DealTitle(o),
		"CATEGORY_ID":   categoryID,
		"OPPORTUNITY":   o.TotalPrice.StringFixed(2),
		"CURRENCY_ID":   currency,
		"COMMENTS":      dealComments(o),
		"ORIGINATOR_ID": OriginatorID,
		"ORIGIN_ID":     strconv.FormatInt(o.ID, 10),
		"OPENED":        "Y",
	}
	if stageID != "" {
		f["STAGE_ID"] = stageID
	}
	if u != nil && u.RemoteContactID != nil {
		f["CONTACT_ID"] = *u.RemoteContactID
	}
	return f
}

// DealUpdateFields carries only what the local side owns. Stage is owned by
// the CRM and flows back through webhooks and reconciliation
func DealUpdateFields(o *models.Order, u *models.User, currency string) crm.Fields {
	f := crm.Fields{
		"OPPORTUNITY": o.TotalPrice.StringFixed(2),
		"CURRENCY_ID": currency,
		"COMMENTS":    dealComments(o),
	}
	if u != nil && u.RemoteContactID != nil {
		f["CONTACT_ID"] = *u.RemoteContactID
	}
	return f
}

// ContactFields builds the payload for creating or updating a contact
func ContactFields(u *models.User) crm.Fields {
	name, last := splitName(u.FullName, u.Username)
	f := crm.Fields{
		"NAME":          name,
		"LAST_NAME":     last,
		"TYPE_ID":       "CLIENT",
		"SOURCE_ID":     "WEB",
		"ORIGINATOR_ID": OriginatorID,
		"ORIGIN_ID":     strconv.FormatInt(u.ID, 10),
		"OPENED":        "Y",
	}
	if u.Email != "" {
		f["EMAIL"] = []map[string]string{{"VALUE": u.Email, "VALUE_TYPE": "WORK"}}
	}
	if u.Phone != "" {
		f["PHONE"] = []map[string]string{{"VALUE": u.Phone, "VALUE_TYPE": "WORK"}}
	}
	if u.Company != "" {
		f["COMPANY_TITLE"] = u.Company
	}
	if u.City != "" {
		f["ADDRESS_CITY"] = u.City
	}
	if u.UserType != "" {
		f["SOURCE_DESCRIPTION"] = "User type: " + u.UserType
	}
	return f
}

func dealComments(o *models.Order) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Service: %s\n", o.ServiceID)
	fmt.Fprintf(&sb, "Quantity: %d\n", o.Quantity)
	fmt.Fprintf(&sb, "Status: %s", o.Status)
	return sb.String()
}

func splitName(fullName, fallback string) (string, string) {
	parts := strings.Fields(fullName)
	switch len(parts) {
	case 0:
		return fallback, ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}
