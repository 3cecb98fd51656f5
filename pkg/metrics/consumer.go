package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConsumerDuration tracks the end-to-end latency of processing a message inside the worker
	// CRM round trips dominate, so buckets go up to the client timeout
	ConsumerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "consumer_processing_duration_seconds",
		Help:    "Time taken to process a message from claim to acknowledgement",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"status", "kind", "operation"}) // status: success, not_found, invalid, transient

	// ConsumerMessages tracks the throughput and final decision for each message
	ConsumerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_total",
		Help: "Total number of messages handled by the worker",
	}, []string{"stream", "decision"}) // decision: ack, not_found, retry, give_up_permanent, give_up_transient, malformed

	// ConsumerRetries counts retries scheduled per error class
	ConsumerRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_retries_total",
		Help: "Number of delayed retries scheduled by the worker",
	}, []string{"class"})

	// ConsumerReclaimed counts messages taken over from stale consumers
	ConsumerReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_reclaimed_total",
		Help: "Messages reclaimed after exceeding the claim timeout",
	}, []string{"stream"})

	// WorkerRestarts counts loop crashes observed by the supervisor
	WorkerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_worker_restarts_total",
		Help: "Number of times the supervisor restarted the worker loop",
	})

	// WorkerRunning is 1 while the supervised loop is running
	WorkerRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "consumer_worker_running",
		Help: "1 while the worker loop is running, 0 otherwise",
	})
)
