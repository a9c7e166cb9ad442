package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// RabbitMQConnected is 1 when the subscriber considers itself connected.
	RabbitMQConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pawtrace",
		Subsystem: "triage",
		Name:      "rabbitmq_connected",
		Help:      "Whether the triage RabbitMQ subscriber is currently connected (best-effort).",
	})

	// RabbitMQLastConnectSeconds is a unix timestamp (seconds) of last successful connect.
	RabbitMQLastConnectSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pawtrace",
		Subsystem: "triage",
		Name:      "rabbitmq_last_connect_timestamp_seconds",
		Help:      "Unix timestamp (seconds) of the last successful RabbitMQ connect (best-effort).",
	})

	// RabbitMQLastDeliverySeconds is a unix timestamp (seconds) of last observed delivery.
	RabbitMQLastDeliverySeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pawtrace",
		Subsystem: "triage",
		Name:      "rabbitmq_last_delivery_timestamp_seconds",
		Help:      "Unix timestamp (seconds) of the last RabbitMQ delivery observed by the subscriber (best-effort).",
	})

	// WorkerInFlight is the current number of deliveries being processed by workers.
	WorkerInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pawtrace",
		Subsystem: "triage",
		Name:      "rabbitmq_worker_in_flight",
		Help:      "Current number of RabbitMQ deliveries being processed by worker goroutines.",
	})

	// ProcessedTotal counts processed deliveries by outcome.
	ProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pawtrace",
		Subsystem: "triage",
		Name:      "rabbitmq_processed_total",
		Help:      "Total number of RabbitMQ deliveries processed by the triage subscriber, labeled by result.",
	}, []string{"result"})

	// ProcessingDurationSeconds is end-to-end time per delivery, measured inside the worker.
	ProcessingDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pawtrace",
		Subsystem: "triage",
		Name:      "rabbitmq_processing_duration_seconds",
		Help:      "End-to-end time to process a RabbitMQ delivery (callback + ack/nack).",
		// Keep buckets fairly coarse to avoid high-cardinality time series.
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 60, 120, 300},
	}, []string{"result"})

	AckErrorTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pawtrace",
		Subsystem: "triage",
		Name:      "rabbitmq_ack_error_total",
		Help:      "Total number of RabbitMQ ack errors.",
	})

	NackErrorTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pawtrace",
		Subsystem: "triage",
		Name:      "rabbitmq_nack_error_total",
		Help:      "Total number of RabbitMQ nack errors.",
	})

	RetryPublishErrorTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pawtrace",
		Subsystem: "triage",
		Name:      "rabbitmq_retry_publish_error_total",
		Help:      "Total number of retry-exchange publish errors.",
	})

	// EventPublishTotal counts outbound pipeline event publishes by result.
	EventPublishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pawtrace",
		Subsystem: "triage",
		Name:      "events_published_total",
		Help:      "Total number of pipeline events published downstream, labeled by result.",
	}, []string{"result"})

	// ScreeningsTotal counts screening attempts by outcome: success, fallback,
	// duplicate, not_found.
	ScreeningsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pawtrace",
		Subsystem: "triage",
		Name:      "screenings_total",
		Help:      "Total number of case screening attempts, labeled by outcome.",
	}, []string{"outcome"})

	// FanoutWritesTotal counts fan-out destination writes by destination and result.
	FanoutWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pawtrace",
		Subsystem: "triage",
		Name:      "fanout_writes_total",
		Help:      "Total number of screening fan-out writes, labeled by destination and result.",
	}, []string{"destination", "result"})

	// ModelCallsTotal counts vision model calls by kind (screen, match, caption) and result.
	ModelCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pawtrace",
		Subsystem: "triage",
		Name:      "model_calls_total",
		Help:      "Total number of vision model calls, labeled by kind and result.",
	}, []string{"kind", "result"})

	// ModelCallDurationSeconds measures model round-trip time per call kind.
	ModelCallDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pawtrace",
		Subsystem: "triage",
		Name:      "model_call_duration_seconds",
		Help:      "Vision model call round-trip time, labeled by kind.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"kind"})

	// MatchRequestsTotal counts lost-pet matching requests by outcome.
	MatchRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pawtrace",
		Subsystem: "triage",
		Name:      "match_requests_total",
		Help:      "Total number of visual matching requests, labeled by outcome.",
	}, []string{"outcome"})

	// OverridesTotal counts applied admin overrides.
	OverridesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pawtrace",
		Subsystem: "triage",
		Name:      "admin_overrides_total",
		Help:      "Total number of admin triage overrides applied.",
	})
)

// Register registers triage metrics with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			RabbitMQConnected,
			RabbitMQLastConnectSeconds,
			RabbitMQLastDeliverySeconds,
			WorkerInFlight,
			ProcessedTotal,
			ProcessingDurationSeconds,
			AckErrorTotal,
			NackErrorTotal,
			RetryPublishErrorTotal,
			EventPublishTotal,
			ScreeningsTotal,
			FanoutWritesTotal,
			ModelCallsTotal,
			ModelCallDurationSeconds,
			MatchRequestsTotal,
			OverridesTotal,
		)
	})
}

func NowUnixSeconds() float64 {
	return float64(time.Now().Unix())
}
