package worker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/js-owl/maas-back/internal/broker"
	"github.com/js-owl/maas-back/internal/crm"
	"github.com/js-owl/maas-back/internal/crm/crmtest"
	"github.com/js-owl/maas-back/internal/db"
	"github.com/js-owl/maas-back/internal/mapper"
	"github.com/js-owl/maas-back/internal/models"
	"github.com/js-owl/maas-back/internal/processor"
	"github.com/js-owl/maas-back/internal/service"
	"github.com/js-owl/maas-back/internal/stage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder keeps the retry state of every attempt it forwards
type recorder struct {
	next OperationProcessor
	mu   sync.Mutex
	seen []models.RetryState
}

func (r *recorder) Process(ctx context.Context, msg *models.OperationMessage) (processor.Result, error) {
	r.mu.Lock()
	r.seen = append(r.seen, msg.Retry)
	r.mu.Unlock()
	return r.next.Process(ctx, msg)
}

func (r *recorder) attempts() []models.RetryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.RetryState(nil), r.seen...)
}

type fixture struct {
	queue   *broker.MemoryQueue
	clock   *testClock
	fake    *crmtest.Fake
	store   *db.MemoryStore
	rec     *recorder
	worker  *Worker
	streams broker.Streams
}

func newFixture(t *testing.T, hooks WebhookProcessor) *fixture {
	t.Helper()
	logger := setupTestLogger()

	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := broker.NewMemoryQueue()
	q.SetClock(clock.Now)

	fake := crmtest.NewFake()
	store := db.NewMemoryStore()
	store.PutUser(models.User{ID: 7, Username: "ivan", FullName: "Ivan Petrov", RemoteContactID: ptr(300)})
	store.PutOrder(models.Order{
		ID:         41,
		UserID:     7,
		ServiceID:  "cnc_milling",
		Quantity:   2,
		TotalPrice: decimal.RequireFromString("1500.00"),
		Status:     models.StatusPending,
	})

	builder := mapper.NewFieldBuilder(stage.New(stage.Options{CategoryID: 1, Logger: logger}), "RUB")
	dups := service.NewDuplicateService(fake, store, logger)
	rec := &recorder{next: processor.NewSyncHandler(store, fake, dups, builder, logger)}

	streams := broker.StreamNames("test")
	w := New(q, rec, hooks, Options{
		Streams:        streams,
		Consumer:       "worker-1",
		BatchSize:      10,
		PollInterval:   5 * time.Millisecond,
		ClaimTimeout:   time.Minute,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  10 * time.Second,
	}, logger)

	return &fixture{queue: q, clock: clock, fake: fake, store: store, rec: rec, worker: w, streams: streams}
}

func ptr(v int64) *int64 { return &v }

func (f *fixture) enqueue(t *testing.T, op models.Operation) {
	t.Helper()
	body, err := models.NewOperationMessage(models.KindDeal, op, 41, nil, nil).Encode()
	require.NoError(t, err)
	_, err = f.queue.Publish(context.Background(), f.streams.Operations, body)
	require.NoError(t, err)
}

// drain ticks until the operation stream holds nothing, moving the queue
// clock past every retry delay in between
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for range 20 {
		require.NoError(t, f.worker.Tick(ctx))
		st, err := f.queue.Stats(ctx, f.streams.Operations)
		require.NoError(t, err)
		if st.Length == 0 && st.Delayed == 0 {
			return
		}
		f.clock.Advance(time.Hour)
	}
	t.Fatal("operation stream did not drain")
}

func (f *fixture) link(t *testing.T) *int64 {
	t.Helper()
	o, err := f.store.GetOrder(context.Background(), 41)
	require.NoError(t, err)
	return o.RemoteDealID
}

func TestWorker_UpdateWithoutLinkCreatesDeal(t *testing.T) {
	f := newFixture(t, nil)
	f.fake.SetNextID(99)
	f.enqueue(t, models.OpUpdate)

	f.drain(t)

	require.NotNil(t, f.link(t))
	assert.Equal(t, int64(99), *f.link(t))
	assert.Equal(t, 1, f.fake.Calls("crm.deal.add"))
	assert.Equal(t, 0, f.fake.Calls("crm.deal.update"))
}

func TestWorker_NotFoundIsDroppedAfterOneAttempt(t *testing.T) {
	f := newFixture(t, nil)
	f.fake.Fail("crm.deal.add", crmtest.NotFound("crm.deal.add"))
	f.enqueue(t, models.OpCreate)

	f.drain(t)

	assert.Len(t, f.rec.attempts(), 1)
	assert.Nil(t, f.link(t))
}

func TestWorker_InvalidGetsPermanentBudget(t *testing.T) {
	f := newFixture(t, nil)
	for range 5 {
		f.fake.Fail("crm.deal.add", crmtest.Invalid("crm.deal.add"))
	}
	f.enqueue(t, models.OpCreate)

	f.drain(t)

	attempts := f.rec.attempts()
	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[1].Count)
	assert.Equal(t, models.ClassInvalid, attempts[1].Class)
	assert.NotEmpty(t, attempts[1].LastError)
	assert.Equal(t, 2, f.fake.Calls("crm.deal.add"))
	assert.Nil(t, f.link(t))
}

func TestWorker_TransientGetsFiveAttempts(t *testing.T) {
	f := newFixture(t, nil)
	for range 10 {
		f.fake.Fail("crm.deal.add", crmtest.Unavailable("crm.deal.add"))
	}
	f.enqueue(t, models.OpCreate)

	f.drain(t)

	attempts := f.rec.attempts()
	require.Len(t, attempts, 5)
	for i, a := range attempts {
		assert.Equal(t, i, a.Count)
	}
	assert.Equal(t, models.ClassTransient, attempts[4].Class)
	assert.False(t, attempts[4].NextAttemptAt.IsZero())
	assert.Equal(t, 5, f.fake.Calls("crm.deal.add"))
	assert.Nil(t, f.link(t))
}

func TestWorker_GaveUpCreateIsRecoveredByBackfill(t *testing.T) {
	f := newFixture(t, nil)
	for range 5 {
		f.fake.Fail("crm.deal.add", crmtest.Unavailable("crm.deal.add"))
	}
	f.enqueue(t, models.OpCreate)
	f.drain(t)
	require.Nil(t, f.link(t))

	o, err := f.store.GetOrder(context.Background(), 41)
	require.NoError(t, err)
	o.UpdatedAt = time.Now().Add(-2 * time.Hour)
	f.store.PutOrder(o)

	logger := setupTestLogger()
	builder := mapper.NewFieldBuilder(stage.New(stage.Options{CategoryID: 1, Logger: logger}), "RUB")
	producer := service.NewProducer(f.store, f.queue, builder, f.streams.Operations, logger)
	stats, err := service.NewBackfill(f.store, producer, time.Hour, time.Hour, logger).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Orders)

	f.drain(t)

	require.NotNil(t, f.link(t))
	assert.Equal(t, int64(100), *f.link(t))
	assert.Equal(t, 1, f.fake.DealCount())
}

func TestWorker_DealCreateWaitsForPipeline(t *testing.T) {
	f := newFixture(t, nil)
	logger := setupTestLogger()
	stages := stage.New(stage.Options{FunnelName: "MaaS", Logger: logger})
	dups := service.NewDuplicateService(f.fake, f.store, logger)
	f.rec = &recorder{next: processor.NewSyncHandler(f.store, f.fake, dups, mapper.NewFieldBuilder(stages, "RUB"), logger)}
	f.worker.ops = f.rec
	f.enqueue(t, models.OpCreate)
	ctx := context.Background()

	require.NoError(t, f.worker.Tick(ctx))
	assert.Zero(t, f.fake.Calls("crm.deal.add"), "no deal is written to an unknown pipeline")
	st, err := f.queue.Stats(ctx, f.streams.Operations)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Delayed)

	f.fake.SetPipeline(crm.Category{ID: 5, Name: "MaaS"}, []crm.Stage{
		{ID: "C5:NEW", Name: "New Order", Sort: 10},
		{ID: "C5:WON", Name: "Completed", Sort: 20, Semantics: "S"},
	})
	require.NoError(t, stages.Init(ctx, f.fake))
	f.drain(t)

	attempts := f.rec.attempts()
	require.Len(t, attempts, 2)
	assert.Equal(t, models.ClassTransient, attempts[1].Class)

	require.NotNil(t, f.link(t))
	fields := f.fake.DealFields(*f.link(t))
	assert.Equal(t, 5, fields["CATEGORY_ID"])
	assert.Equal(t, "C5:NEW", fields["STAGE_ID"])
}

func TestWorker_TransientThenSuccess(t *testing.T) {
	f := newFixture(t, nil)
	f.fake.Fail("crm.deal.add", crmtest.Unavailable("crm.deal.add"))
	f.enqueue(t, models.OpCreate)

	f.drain(t)

	require.NotNil(t, f.link(t))
	assert.Equal(t, int64(100), *f.link(t))
	assert.Equal(t, 1, f.fake.DealCount())
	// the retry looked for a deal left behind by the failed attempt first
	assert.Equal(t, 1, f.fake.Calls("crm.deal.list"))
}

func TestWorker_RetryWaitsForDelay(t *testing.T) {
	f := newFixture(t, nil)
	f.fake.Fail("crm.deal.add", crmtest.Unavailable("crm.deal.add"))
	f.enqueue(t, models.OpCreate)
	ctx := context.Background()

	require.NoError(t, f.worker.Tick(ctx))
	require.NoError(t, f.worker.Tick(ctx))
	assert.Len(t, f.rec.attempts(), 1, "retry must not run before its delay elapsed")

	st, err := f.queue.Stats(ctx, f.streams.Operations)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Delayed)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.worker.Tick(ctx))
	assert.Len(t, f.rec.attempts(), 2)
	assert.NotNil(t, f.link(t))
}

func TestWorker_ReclaimsMessagesOfCrashedConsumer(t *testing.T) {
	f := newFixture(t, nil)
	f.enqueue(t, models.OpCreate)
	ctx := context.Background()

	claimed, err := f.queue.Claim(ctx, f.streams.Operations, "worker-dead", 10, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, f.worker.Tick(ctx))
	assert.Nil(t, f.link(t), "claim is not stale yet")

	f.clock.Advance(2 * time.Minute)
	require.NoError(t, f.worker.Tick(ctx))
	assert.NotNil(t, f.link(t))

	st, err := f.queue.Stats(ctx, f.streams.Operations)
	require.NoError(t, err)
	assert.Zero(t, st.Pending)
}

func TestWorker_MalformedMessageIsAcked(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.queue.Publish(ctx, f.streams.Operations, []byte(`{"entity_kind":"invoice"`))
	require.NoError(t, err)

	f.drain(t)

	assert.Empty(t, f.rec.attempts())
}

type panicky struct{}

func (panicky) Process(context.Context, *models.OperationMessage) (processor.Result, error) {
	panic("boom")
}

func TestWorker_PanicIsRetriedAsTransient(t *testing.T) {
	f := newFixture(t, nil)
	f.worker.ops = panicky{}
	f.enqueue(t, models.OpCreate)
	ctx := context.Background()

	require.NoError(t, f.worker.Tick(ctx))

	st, err := f.queue.Stats(ctx, f.streams.Operations)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Delayed)
	assert.Zero(t, st.Pending)
}

type hookFunc func(ctx context.Context, ev *models.WebhookEvent) processor.WebhookResult

func (h hookFunc) Handle(ctx context.Context, ev *models.WebhookEvent) processor.WebhookResult {
	return h(ctx, ev)
}

func TestWorker_WebhooksAreAlwaysAcked(t *testing.T) {
	var seen []int64
	hooks := hookFunc(func(_ context.Context, ev *models.WebhookEvent) processor.WebhookResult {
		seen = append(seen, ev.RemoteID)
		if ev.RemoteID == 66 {
			panic("handler bug")
		}
		return processor.WebhookFailed
	})
	f := newFixture(t, hooks)
	ctx := context.Background()

	for _, id := range []int64{65, 66} {
		body, err := models.NewWebhookEvent(models.EventDealUpdated, models.KindDeal, id, nil).Encode()
		require.NoError(t, err)
		_, err = f.queue.Publish(ctx, f.streams.Webhooks, body)
		require.NoError(t, err)
	}

	require.NoError(t, f.worker.Tick(ctx))

	assert.Equal(t, []int64{65, 66}, seen)
	st, err := f.queue.Stats(ctx, f.streams.Webhooks)
	require.NoError(t, err)
	assert.Zero(t, st.Length)
	assert.Zero(t, st.Delayed)
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	require.Eventually(t, func() bool { return !f.worker.LastTick().IsZero() }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

// cancelOnFirst stops the worker while the first message of a batch runs
type cancelOnFirst struct {
	next   OperationProcessor
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelOnFirst) Process(ctx context.Context, msg *models.OperationMessage) (processor.Result, error) {
	c.once.Do(c.cancel)
	return c.next.Process(ctx, msg)
}

func TestWorker_ShutdownFinishesClaimedBatch(t *testing.T) {
	f := newFixture(t, nil)
	for id := int64(42); id <= 43; id++ {
		f.store.PutOrder(models.Order{ID: id, UserID: 7, TotalPrice: decimal.NewFromInt(10), Status: models.StatusPending})
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.worker.ops = &cancelOnFirst{next: f.rec, cancel: cancel}

	for id := int64(41); id <= 43; id++ {
		body, err := models.NewOperationMessage(models.KindDeal, models.OpCreate, id, nil, nil).Encode()
		require.NoError(t, err)
		_, err = f.queue.Publish(context.Background(), f.streams.Operations, body)
		require.NoError(t, err)
	}

	_ = f.worker.Tick(ctx)

	assert.Len(t, f.rec.attempts(), 3)
	assert.Equal(t, 3, f.fake.DealCount())
	st, err := f.queue.Stats(context.Background(), f.streams.Operations)
	require.NoError(t, err)
	assert.Zero(t, st.Pending)
	assert.Zero(t, st.Length)
}

func TestWorker_RunGivesUpAfterRepeatedBrokerFailures(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.queue.Close())

	err := f.worker.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consecutive poll failures")
}

func TestBudget(t *testing.T) {
	w := New(broker.NewMemoryQueue(), nil, nil, Options{}, setupTestLogger())

	assert.Equal(t, 2, w.budget(models.ClassInvalid))
	assert.Equal(t, 5, w.budget(models.ClassTransient))
	assert.Equal(t, 1, w.budget(models.ClassNotFound))
}
