package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/js-owl/maas-back/internal/broker"
	"github.com/js-owl/maas-back/internal/crm"
	"github.com/js-owl/maas-back/internal/models"
	"github.com/js-owl/maas-back/internal/processor"
	"github.com/js-owl/maas-back/pkg/infra"
	"github.com/js-owl/maas-back/pkg/metrics"
)

const (
	promoteLimit   = 100
	statsEvery     = 15 * time.Second
	maxTickFailure = 5
)

// OperationProcessor applies one Operation Message to the CRM
type OperationProcessor interface {
	Process(ctx context.Context, msg *models.OperationMessage) (processor.Result, error)
}

// WebhookProcessor applies one inbound CRM event to local state
type WebhookProcessor interface {
	Handle(ctx context.Context, ev *models.WebhookEvent) processor.WebhookResult
}

type Options struct {
	Streams         broker.Streams
	Consumer        string
	BatchSize       int
	PollInterval    time.Duration
	ClaimTimeout    time.Duration
	ShutdownTimeout time.Duration

	PermanentBudget int
	TransientBudget int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
}

func (o *Options) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.ClaimTimeout <= 0 {
		o.ClaimTimeout = time.Minute
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
	if o.PermanentBudget <= 0 {
		o.PermanentBudget = 2
	}
	if o.TransientBudget <= 0 {
		o.TransientBudget = 5
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = time.Minute
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 4 * time.Hour
	}
}

// Worker drains the operation and webhook streams as one member of the
// consumer group. Every claimed message ends in exactly one of: ack,
// delayed retry, or give-up (which also acks)
type Worker struct {
	queue  broker.Queue
	ops    OperationProcessor
	hooks  WebhookProcessor
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	lastTick  atomic.Int64
	lastStats time.Time
}

// New builds a worker. hooks may be nil, in which case the webhook stream is left alone
func New(q broker.Queue, ops OperationProcessor, hooks WebhookProcessor, opts Options, logger *slog.Logger) *Worker {
	opts.defaults()
	return &Worker{
		queue:  q,
		ops:    ops,
		hooks:  hooks,
		opts:   opts,
		logger: logger.With("consumer", opts.Consumer),
		now:    time.Now,
	}
}

// LastTick is when the loop last completed a poll cycle
func (w *Worker) LastTick() time.Time {
	ns := w.lastTick.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run polls until ctx is cancelled. Broker failures are retried in place;
// after several consecutive ones the error is returned to the supervisor
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker loop started",
		"operations", w.opts.Streams.Operations,
		"webhooks", w.opts.Streams.Webhooks,
		"batch_size", w.opts.BatchSize,
	)

	failures := 0
	for {
		if ctx.Err() != nil {
			w.logger.Info("Worker loop stopped")
			return nil
		}

		err := w.Tick(ctx)
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			w.logger.Info("Worker loop stopped")
			return nil
		}

		failures++
		if failures >= maxTickFailure {
			return fmt.Errorf("%d consecutive poll failures: %w", failures, err)
		}
		w.logger.Error("Poll cycle failed", "error", err, "failures", failures)

		select {
		case <-ctx.Done():
		case <-time.After(w.opts.PollInterval):
		}
	}
}

// Tick runs one poll cycle over both streams
func (w *Worker) Tick(ctx context.Context) error {
	defer w.lastTick.Store(w.now().UnixNano())

	if w.hooks != nil && w.opts.Streams.Webhooks != "" {
		if err := w.poll(ctx, w.opts.Streams.Webhooks, 0, w.handleWebhook); err != nil {
			return err
		}
	}
	if err := w.poll(ctx, w.opts.Streams.Operations, w.opts.PollInterval, w.handleOperation); err != nil {
		return err
	}

	w.refreshStats(ctx)
	return nil
}

type handleFunc func(ctx context.Context, d broker.Delivery)

func (w *Worker) poll(ctx context.Context, stream string, block time.Duration, handle handleFunc) error {
	if n, err := w.queue.PromoteDue(ctx, stream, promoteLimit); err != nil {
		return fmt.Errorf("promote due retries on %s: %w", stream, err)
	} else if n > 0 {
		w.logger.Debug("Delayed retries are due", "stream", stream, "count", n)
	}

	stale, err := w.queue.Reclaim(ctx, stream, w.opts.Consumer, w.opts.ClaimTimeout, w.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("reclaim on %s: %w", stream, err)
	}
	if len(stale) > 0 {
		metrics.ConsumerReclaimed.WithLabelValues(stream).Add(float64(len(stale)))
		w.logger.Warn("Reclaimed messages from a stalled consumer", "stream", stream, "count", len(stale))
		w.process(ctx, stale, handle)
	}

	fresh, err := w.queue.Claim(ctx, stream, w.opts.Consumer, w.opts.BatchSize, block)
	if err != nil {
		return fmt.Errorf("claim on %s: %w", stream, err)
	}
	w.process(ctx, fresh, handle)
	return nil
}

// process handles a claimed batch. Once shutdown starts the batch keeps
// going for up to ShutdownTimeout; whatever is left then stays pending and
// is replayed on the next start
func (w *Worker) process(ctx context.Context, batch []broker.Delivery, handle handleFunc) {
	if len(batch) == 0 {
		return
	}
	bctx, cancel := w.batchContext(ctx)
	defer cancel()

	for i, d := range batch {
		if bctx.Err() != nil {
			w.logger.Warn("Shutdown timeout reached, leaving claimed messages pending", "stream", d.Stream, "left", len(batch)-i)
			return
		}
		handle(bctx, d)
	}
}

func (w *Worker) batchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	bctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		select {
		case <-time.After(w.opts.ShutdownTimeout):
			w.logger.Warn("Shutdown timeout reached, aborting message in flight")
			cancel()
		case <-bctx.Done():
		}
	})
	return bctx, func() {
		stop()
		cancel()
	}
}

func (w *Worker) handleOperation(ctx context.Context, d broker.Delivery) {
	msg, err := models.DecodeOperation(d.Body)
	if err != nil {
		w.logger.Error("Dropping malformed operation message", "id", d.ID, "error", err)
		w.ack(ctx, d, "malformed")
		return
	}

	res, err := w.safeProcess(ctx, msg)
	w.settle(ctx, d, msg, res, err)
}

func (w *Worker) safeProcess(ctx context.Context, msg *models.OperationMessage) (res processor.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic while processing message: %v", p)
		}
	}()
	return w.ops.Process(ctx, msg)
}

// settle decides the fate of a processed message from the class of its error
func (w *Worker) settle(ctx context.Context, d broker.Delivery, msg *models.OperationMessage, res processor.Result, err error) {
	class := crm.Classify(err)
	l := w.logger.With(
		"correlation_id", msg.CorrelationID,
		"kind", msg.Kind,
		"operation", msg.Operation,
		"local_id", msg.LocalID,
		"attempt", msg.Retry.Count+1,
	)

	switch class {
	case models.ClassNone:
		l.Debug("Message processed", "result", res)
		w.ack(ctx, d, "ack")
		return

	case models.ClassNotFound:
		if msg.Operation == models.OpCreate {
			l.Error("Create rejected with not found, dropping message", "error", err)
		} else {
			l.Warn("Remote entity not found, dropping message", "error", err)
		}
		w.ack(ctx, d, "not_found")
		return
	}

	msg.Retry.Count++
	msg.Retry.Class = class
	msg.Retry.LastError = err.Error()

	if msg.Retry.Count >= w.budget(class) {
		if class == models.ClassInvalid {
			l.Warn("Giving up on rejected message", "class", class, "attempts", msg.Retry.Count, "error", err)
			w.ack(ctx, d, "give_up_permanent")
		} else {
			// unlinked entities are re-enqueued by the backfill pass; a linked
			// one is pushed again on its next local change
			l.Error("Giving up after repeated transient failures, entity left out of sync",
				"class", class, "attempts", msg.Retry.Count, "error", err)
			w.ack(ctx, d, "give_up_transient")
		}
		return
	}

	delay := max(infra.RetryDelay(msg.Retry.Count, w.opts.RetryBaseDelay, w.opts.RetryMaxDelay), crm.RetryAfter(err))
	msg.Retry.NextAttemptAt = w.now().Add(delay).UTC()

	body, encErr := msg.Encode()
	if encErr != nil {
		l.Error("Cannot re-encode message for retry, leaving it pending", "error", encErr)
		return
	}
	if rErr := w.queue.Retry(ctx, d, body, delay); rErr != nil {
		// stays pending and is reclaimed after the claim timeout
		l.Error("Failed to schedule retry", "error", rErr)
		return
	}

	metrics.ConsumerRetries.WithLabelValues(class.String()).Inc()
	metrics.ConsumerMessages.WithLabelValues(d.Stream, "retry").Inc()
	l.Warn("Attempt failed, retry scheduled", "class", class, "delay", delay, "error", err)
}

func (w *Worker) budget(class models.ErrorClass) int {
	switch class {
	case models.ClassInvalid:
		return w.opts.PermanentBudget
	case models.ClassTransient:
		return w.opts.TransientBudget
	case models.ClassNone, models.ClassNotFound:
		return 1
	}
	return 1
}

// handleWebhook always acknowledges: a lost stage change is picked up by
// the reconciliation sweep
func (w *Worker) handleWebhook(ctx context.Context, d broker.Delivery) {
	ev, err := models.DecodeWebhookEvent(d.Body)
	if err != nil {
		w.logger.Error("Dropping malformed webhook event", "id", d.ID, "error", err)
		w.ack(ctx, d, "malformed")
		return
	}

	res := w.safeHandle(ctx, ev)
	w.logger.Debug("Webhook event handled", "event_id", ev.EventID, "deal_id", ev.RemoteID, "result", res)
	w.ack(ctx, d, "ack")
}

func (w *Worker) safeHandle(ctx context.Context, ev *models.WebhookEvent) (res processor.WebhookResult) {
	defer func() {
		if p := recover(); p != nil {
			w.logger.Error("panic while handling webhook event", "event_id", ev.EventID, "panic", p)
			res = processor.WebhookFailed
		}
	}()
	return w.hooks.Handle(ctx, ev)
}

func (w *Worker) ack(ctx context.Context, d broker.Delivery, decision string) {
	if err := w.queue.Ack(ctx, d); err != nil {
		w.logger.Error("Failed to acknowledge message", "id", d.ID, "stream", d.Stream, "error", err)
		return
	}
	metrics.ConsumerMessages.WithLabelValues(d.Stream, decision).Inc()
}

func (w *Worker) refreshStats(ctx context.Context) {
	now := w.now()
	if now.Sub(w.lastStats) < statsEvery {
		return
	}
	w.lastStats = now

	for _, stream := range []string{w.opts.Streams.Operations, w.opts.Streams.Webhooks} {
		if stream == "" {
			continue
		}
		st, err := w.queue.Stats(ctx, stream)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				w.logger.Debug("Failed to read queue stats", "stream", stream, "error", err)
			}
			continue
		}
		metrics.QueueLength.WithLabelValues(stream).Set(float64(st.Length))
		metrics.QueuePending.WithLabelValues(stream).Set(float64(st.Pending))
		metrics.QueueDelayed.WithLabelValues(stream).Set(float64(st.Delayed))
	}
}
