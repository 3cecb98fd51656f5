package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/js-owl/maas-back/internal/broker"
	"github.com/js-owl/maas-back/internal/crm"
	"github.com/js-owl/maas-back/internal/crm/crmtest"
	"github.com/js-owl/maas-back/internal/db"
	"github.com/js-owl/maas-back/internal/mapper"
	"github.com/js-owl/maas-back/internal/models"
	"github.com/js-owl/maas-back/internal/service"
	"github.com/js-owl/maas-back/internal/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
)

const (
	testWebhookToken = "hook-secret"
	testAdminToken   = "admin-secret"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr(v int64) *int64 { return &v }

type fixture struct {
	queue   *broker.MemoryQueue
	fake    *crmtest.Fake
	store   *db.MemoryStore
	streams broker.Streams
	handler http.Handler
}

func newFixture(t *testing.T, mutate func(*ServerConfig)) *fixture {
	t.Helper()
	logger := setupTestLogger()

	q := broker.NewMemoryQueue()
	fake := crmtest.NewFake()
	store := db.NewMemoryStore()
	streams := broker.StreamNames("test")

	cfg := ServerConfig{
		Streams:      streams,
		WebhookToken: testWebhookToken,
		AdminToken:   testAdminToken,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	stages := stage.New(stage.Options{CategoryID: 1, Logger: logger})
	srv := NewServer(Deps{
		Queue:      q,
		Scope:      stages,
		Duplicates: service.NewDuplicateService(fake, store, logger),
		Producer:   service.NewProducer(store, q, mapper.NewFieldBuilder(stages, "RUB"), streams.Operations, logger),
		Store:      store,
	}, cfg, logger)

	return &fixture{queue: q, fake: fake, store: store, streams: streams, handler: srv.Handler()}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) queuedWebhooks(t *testing.T) []*models.WebhookEvent {
	t.Helper()
	ds, err := f.queue.Claim(context.Background(), f.streams.Webhooks, "test", 100, 0)
	require.NoError(t, err)
	var out []*models.WebhookEvent
	for _, d := range ds {
		ev, err := models.DecodeWebhookEvent(d.Body)
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func formRequest(target string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func dealUpdateForm(id string) url.Values {
	return url.Values{
		"event":                     {"ONCRMDEALUPDATE"},
		"data[FIELDS][ID]":          {id},
		"data[FIELDS][STAGE_ID]":    {"C1:EXECUTING"},
		"data[FIELDS][CATEGORY_ID]": {"1"},
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestWebhook_FormWithQueryTokenIsQueued(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(formRequest("/webhook?token="+testWebhookToken, dealUpdateForm("65")))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "queued", body["status"])
	assert.NotEmpty(t, body["event_id"])

	events := f.queuedWebhooks(t)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventDealUpdated, events[0].EventType)
	assert.Equal(t, int64(65), events[0].RemoteID)
	assert.Equal(t, "C1:EXECUTING", events[0].RawFields["STAGE_ID"])
	assert.Equal(t, body["event_id"], events[0].EventID)
}

func TestWebhook_TokenLocations(t *testing.T) {
	tests := []struct {
		name  string
		build func() *http.Request
	}{
		{
			name: "application_token query",
			build: func() *http.Request {
				return formRequest("/webhook?application_token="+testWebhookToken, dealUpdateForm("65"))
			},
		},
		{
			name: "header",
			build: func() *http.Request {
				req := formRequest("/webhook", dealUpdateForm("65"))
				req.Header.Set("X-Webhook-Token", testWebhookToken)
				return req
			},
		},
		{
			name: "bearer",
			build: func() *http.Request {
				req := formRequest("/webhook", dealUpdateForm("65"))
				req.Header.Set("Authorization", "Bearer "+testWebhookToken)
				return req
			},
		},
		{
			name: "form auth field",
			build: func() *http.Request {
				form := dealUpdateForm("65")
				form.Set("auth[application_token]", testWebhookToken)
				return formRequest("/webhook", form)
			},
		},
		{
			name: "json auth field",
			build: func() *http.Request {
				body := `{"event":"ONCRMDEALADD","data":{"FIELDS":{"ID":65,"CATEGORY_ID":"1"}},"auth":{"application_token":"` + testWebhookToken + `"}}`
				req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
				req.Header.Set("Content-Type", "application/json")
				return req
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			rec := f.do(tt.build())
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Len(t, f.queuedWebhooks(t), 1)
		})
	}
}

func TestWebhook_Unauthorized(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		f := newFixture(t, nil)
		rec := f.do(formRequest("/webhook", dealUpdateForm("65")))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, f.queuedWebhooks(t))
	})

	t.Run("wrong token", func(t *testing.T) {
		f := newFixture(t, nil)
		rec := f.do(formRequest("/webhook?token=nope", dealUpdateForm("65")))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("no secret configured", func(t *testing.T) {
		f := newFixture(t, func(c *ServerConfig) { c.WebhookToken = "" })
		rec := f.do(formRequest("/webhook?token=", dealUpdateForm("65")))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestWebhook_UnknownEventIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	form := dealUpdateForm("65")
	form.Set("event", "ONCRMCONTACTUPDATE")

	rec := f.do(formRequest("/webhook?token="+testWebhookToken, form))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decodeBody(t, rec)["status"])
	assert.Empty(t, f.queuedWebhooks(t))
}

func TestWebhook_InvalidDealID(t *testing.T) {
	for _, id := range []string{"", "abc", "-3"} {
		f := newFixture(t, nil)
		rec := f.do(formRequest("/webhook?token="+testWebhookToken, dealUpdateForm(id)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "id %q", id)
	}
}

func TestWebhook_OtherPipelineIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	form := dealUpdateForm("65")
	form.Set("data[FIELDS][CATEGORY_ID]", "2")
	form.Set("data[FIELDS][STAGE_ID]", "C2:NEW")

	rec := f.do(formRequest("/webhook?token="+testWebhookToken, form))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decodeBody(t, rec)["status"])
	assert.Empty(t, f.queuedWebhooks(t))
}

func TestWebhook_LegacyCharsetIsTranscoded(t *testing.T) {
	f := newFixture(t, nil)
	title, err := charmap.Windows1251.NewEncoder().String("Заказ #41")
	require.NoError(t, err)

	form := dealUpdateForm("65")
	form.Set("data[FIELDS][TITLE]", title)
	req := formRequest("/webhook?token="+testWebhookToken, form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=windows-1251")

	rec := f.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	events := f.queuedWebhooks(t)
	require.Len(t, events, 1)
	assert.Equal(t, "Заказ #41", events[0].RawFields["TITLE"])
}

func TestWebhook_BodyTooLarge(t *testing.T) {
	f := newFixture(t, func(c *ServerConfig) { c.MaxBodyBytes = 64 })
	form := dealUpdateForm("65")
	form.Set("data[FIELDS][COMMENTS]", strings.Repeat("x", 200))

	rec := f.do(formRequest("/webhook?token="+testWebhookToken, form))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

type failingQueue struct {
	*broker.MemoryQueue
}

func (failingQueue) Publish(context.Context, string, []byte) (string, error) {
	return "", errors.New("connection refused")
}

func TestWebhook_PublishFailureAsksForRedelivery(t *testing.T) {
	logger := setupTestLogger()
	srv := NewServer(Deps{
		Queue: failingQueue{broker.NewMemoryQueue()},
		Scope: stage.New(stage.Options{CategoryID: 1, Logger: logger}),
		Store: db.NewMemoryStore(),
	}, ServerConfig{Streams: broker.StreamNames("test"), WebhookToken: testWebhookToken}, logger)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, formRequest("/webhook?token="+testWebhookToken, dealUpdateForm("65")))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSyncStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rec := f.do(httptest.NewRequest(http.MethodGet, "/sync/status", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "no consumer has polled yet")

	_, err := f.queue.Publish(ctx, f.streams.Operations, []byte(`{}`))
	require.NoError(t, err)
	_, err = f.queue.Claim(ctx, f.streams.Operations, "worker-1", 10, 0)
	require.NoError(t, err)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/sync/status", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var status syncStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.True(t, status.Healthy)
	assert.Equal(t, 1, status.WorkersAlive)
	ops := status.Streams[f.streams.Operations]
	assert.Equal(t, int64(1), ops.Pending)
	require.Len(t, ops.Consumers, 1)
	assert.Equal(t, "worker-1", ops.Consumers[0].Name)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	f.store.FailWith(errors.New("connection reset"))
	rec = f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func (f *fixture) seedDuplicates() {
	f.store.PutOrder(models.Order{ID: 41, UserID: 7, Status: models.StatusPending, RemoteDealID: ptr(65)})
	f.fake.PutDeal(crm.Deal{ID: 70, Title: "Order #41 (copy)"})
	f.fake.PutDeal(crm.Deal{ID: 65, Title: "Order #41"})
	f.fake.PutDeal(crm.Deal{ID: 71, Title: "Order #410"})
}

func adminRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	return req
}

func TestAdmin_RequiresBearer(t *testing.T) {
	f := newFixture(t, nil)
	f.seedDuplicates()

	rec := f.do(httptest.NewRequest(http.MethodGet, "/sync/orders/41/duplicates", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	disabled := newFixture(t, func(c *ServerConfig) { c.AdminToken = "" })
	rec = disabled.do(adminRequest(http.MethodPost, "/sync/duplicates/cleanup"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdmin_FindDuplicates(t *testing.T) {
	f := newFixture(t, nil)
	f.seedDuplicates()

	rec := f.do(adminRequest(http.MethodGet, "/sync/orders/41/duplicates"))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.EqualValues(t, 2, body["count"])
	assert.EqualValues(t, 65, body["linked_deal_id"])

	rec = f.do(adminRequest(http.MethodGet, "/sync/orders/999/duplicates"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(adminRequest(http.MethodGet, "/sync/orders/x/duplicates"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_CleanupOrderKeepsLinkedDeal(t *testing.T) {
	f := newFixture(t, nil)
	f.seedDuplicates()

	rec := f.do(adminRequest(http.MethodPost, "/sync/orders/41/duplicates/cleanup"))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res service.CleanupResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, int64(65), res.Kept)
	assert.Equal(t, []int64{70}, res.Deleted)

	_, ok := f.fake.Deal(65)
	assert.True(t, ok)
	_, ok = f.fake.Deal(71)
	assert.True(t, ok, "deal of another order must survive")
}

func TestAdmin_CleanupAll(t *testing.T) {
	f := newFixture(t, nil)
	f.seedDuplicates()

	rec := f.do(adminRequest(http.MethodPost, "/sync/duplicates/cleanup"))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.EqualValues(t, 1, body["orders"])
	assert.EqualValues(t, 1, body["deleted"])
	assert.Equal(t, 2, f.fake.DealCount())
}

func TestAdmin_EnqueueResync(t *testing.T) {
	f := newFixture(t, nil)
	f.store.PutUser(models.User{ID: 7, Username: "ivan", RemoteContactID: ptr(300)})
	f.store.PutOrder(models.Order{ID: 41, UserID: 7, Status: models.StatusPending, RemoteDealID: ptr(65)})
	ctx := context.Background()

	rec := f.do(adminRequest(http.MethodPost, "/sync/orders/41/enqueue"))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	ds, err := f.queue.Claim(ctx, f.streams.Operations, "test", 10, 0)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	msg, err := models.DecodeOperation(ds[0].Body)
	require.NoError(t, err)
	assert.Equal(t, models.OpUpdate, msg.Operation)
	assert.Equal(t, models.KindDeal, msg.Kind)
	require.NotNil(t, msg.RemoteID)
	assert.Equal(t, int64(65), *msg.RemoteID)

	rec = f.do(adminRequest(http.MethodPost, "/sync/users/404/enqueue"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
