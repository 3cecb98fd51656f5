package mapper

import (
	"testing"

	"github.com/js-owl/maas-back/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedStages struct{}

func (fixedStages) Resolved() bool { return true }

func (fixedStages) CategoryID() int { return 1 }

func (fixedStages) StageFor(s models.OrderStatus) (string, bool) {
	if s == models.StatusPending {
		return "C1:NEW", true
	}
	return "", false
}

type pendingStages struct{ fixedStages }

func (pendingStages) Resolved() bool { return false }

func int64Ptr(v int64) *int64 { return &v }

func TestBuild_DealCreate(t *testing.T) {
	b := NewFieldBuilder(fixedStages{}, "")
	order := &models.Order{ID: 41, ServiceID: "cnc-milling", Quantity: 3, TotalPrice: decimal.RequireFromString("1500.5"), Status: models.StatusPending}
	user := &models.User{ID: 7, RemoteContactID: int64Ptr(12)}

	f, err := b.Build(models.KindDeal, models.OpCreate, Snapshot{Order: order, User: user})
	require.NoError(t, err)

	assert.Equal(t, "Order #41 - cnc-milling", f["TITLE"])
	assert.Equal(t, 1, f["CATEGORY_ID"])
	assert.Equal(t, "C1:NEW", f["STAGE_ID"])
	assert.Equal(t, "1500.50", f["OPPORTUNITY"])
	assert.Equal(t, "RUB", f["CURRENCY_ID"])
	assert.Equal(t, int64(12), f["CONTACT_ID"])
	assert.Equal(t, "41", f["ORIGIN_ID"])
}

func TestBuild_DealUpdateLeavesStageToCRM(t *testing.T) {
	b := NewFieldBuilder(fixedStages{}, "EUR")
	order := &models.Order{ID: 41, TotalPrice: decimal.NewFromInt(10), Status: models.StatusProcessing}

	f, err := b.Build(models.KindDeal, models.OpUpdate, Snapshot{Order: order})
	require.NoError(t, err)

	assert.NotContains(t, f, "STAGE_ID")
	assert.NotContains(t, f, "TITLE")
	assert.NotContains(t, f, "CONTACT_ID")
	assert.Equal(t, "10.00", f["OPPORTUNITY"])
	assert.Equal(t, "EUR", f["CURRENCY_ID"])
}

func TestBuild_Contact(t *testing.T) {
	b := NewFieldBuilder(fixedStages{}, "")
	user := &models.User{ID: 7, Username: "ivan", FullName: "Ivan Petrov Sergeevich", Email: "ivan@example.com", City: "Kazan"}

	f, err := b.Build(models.KindContact, models.OpCreate, Snapshot{User: user})
	require.NoError(t, err)

	assert.Equal(t, "Ivan", f["NAME"])
	assert.Equal(t, "Petrov Sergeevich", f["LAST_NAME"])
	assert.Equal(t, "Kazan", f["ADDRESS_CITY"])
	assert.NotContains(t, f, "PHONE")
	assert.Equal(t, []map[string]string{{"VALUE": "ivan@example.com", "VALUE_TYPE": "WORK"}}, f["EMAIL"])
}

func TestBuild_MissingSnapshot(t *testing.T) {
	b := NewFieldBuilder(fixedStages{}, "")

	_, err := b.Build(models.KindDeal, models.OpCreate, Snapshot{})
	assert.Error(t, err)
	_, err = b.Build(models.KindContact, models.OpUpdate, Snapshot{})
	assert.Error(t, err)
	_, err = b.Build(models.EntityKind("lead"), models.OpCreate, Snapshot{})
	assert.Error(t, err)
}

func TestContactFields_FallsBackToUsername(t *testing.T) {
	f := ContactFields(&models.User{ID: 1, Username: "plant-ops"})
	assert.Equal(t, "plant-ops", f["NAME"])
	assert.Equal(t, "", f["LAST_NAME"])
}

func TestBuild_DealCreateWaitsForPipeline(t *testing.T) {
	b := NewFieldBuilder(pendingStages{}, "")
	order := &models.Order{ID: 41, Status: models.StatusPending, TotalPrice: decimal.NewFromInt(10)}

	_, err := b.Build(models.KindDeal, models.OpCreate, Snapshot{Order: order})
	require.ErrorIs(t, err, ErrPipelineUnresolved)

	f, err := b.Build(models.KindDeal, models.OpUpdate, Snapshot{Order: order})
	require.NoError(t, err)
	assert.NotContains(t, f, "CATEGORY_ID")
}
