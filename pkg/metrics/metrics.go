package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesPublished tracks every message appended to the durable queue
	// stream: operations, webhooks
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_messages_published_total",
		Help: "Total number of messages published to the queue",
	}, []string{"stream", "status"})

	// QueueLength is the number of messages in the stream (or ready in the queue)
	QueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crmsync_queue_length",
		Help: "Current number of messages stored in the stream",
	}, []string{"stream"})

	// QueuePending tracks messages claimed by a consumer but not yet acknowledged
	QueuePending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crmsync_queue_pending",
		Help: "Current number of claimed but unacknowledged messages",
	}, []string{"stream"})

	// QueueDelayed tracks messages waiting for their retry backoff to elapse
	QueueDelayed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crmsync_queue_delayed",
		Help: "Current number of messages scheduled for a delayed retry",
	}, []string{"stream"})

	// BrokerReconnections counts how many times the RabbitMQ link had to be restored
	BrokerReconnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crmsync_broker_reconnections_total",
		Help: "Total number of broker reconnection attempts",
	})

	// HealthStatus provides a binary 0/1 signal for the broker link
	// 1 = Healthy, 0 = Unhealthy
	HealthStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crmsync_broker_healthy",
		Help: "Current health status of the broker connection (1 for healthy, 0 for unhealthy)",
	})

	// CRMRequests counts calls to the CRM REST API by method and error class
	CRMRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_crm_requests_total",
		Help: "Total number of CRM API calls",
	}, []string{"method", "class"}) // class: none, not_found, invalid, transient

	// CRMRequestDuration measures the round trip of CRM API calls
	CRMRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crmsync_crm_request_duration_seconds",
		Help:    "Duration of CRM API calls",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	// WebhooksReceived tracks inbound CRM notifications by outcome
	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_webhooks_received_total",
		Help: "Total number of CRM webhooks received",
	}, []string{"result"}) // result: queued, ignored, unauthorized, invalid, error

	// ReconcileOrders tracks the per-order outcome of reconciliation sweeps
	ReconcileOrders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_reconcile_orders_total",
		Help: "Orders visited by the reconciliation sweep by outcome",
	}, []string{"result"}) // result: updated, unchanged, unmapped, not_found, error

	// ReconcileDuration measures a full reconciliation sweep
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crmsync_reconcile_duration_seconds",
		Help:    "Duration of a reconciliation sweep in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
	})

	// BackfillEnqueued counts creates re-enqueued for entities that never reached the CRM
	BackfillEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_backfill_enqueued_total",
		Help: "Creates enqueued by the backfill pass for unsynced entities",
	}, []string{"kind", "result"}) // result: ok, error

	// DuplicatesDeleted counts remote deals removed by duplicate resolution
	DuplicatesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crmsync_duplicates_deleted_total",
		Help: "Total number of duplicate CRM deals deleted",
	})
)
