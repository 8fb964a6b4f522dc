package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all the Prometheus metrics for the pipeline.
type Metrics struct {
	EventsEnqueued     prometheus.Counter
	EventsRejected     prometheus.Counter
	EventsDeadLettered prometheus.Counter
	EventsDropped      prometheus.Counter
	FindingsTotal      *prometheus.CounterVec
	DegradedTotal      *prometheus.CounterVec
	CorrelationsTotal  *prometheus.CounterVec
	ScorerErrors       prometheus.Counter
	PublishErrors      prometheus.Counter
	QueueDepth         prometheus.Gauge
	QueueUtilization   prometheus.Gauge
	EffectiveLimit     prometheus.Gauge
	HealthyInstances   prometheus.Gauge
	ProcessingSeconds  prometheus.Histogram
	QueueWaitSeconds   prometheus.Histogram
	WindowTrimmedTotal prometheus.Counter
}

// New registers every pipeline metric on the given registerer; pass nil to
// use the default registry. Tests pass their own registry so packages can
// construct metrics repeatedly.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		EventsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "hostsentry_events_enqueued_total",
			Help: "Total number of events accepted into the queue",
		}),
		EventsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "hostsentry_events_rejected_total",
			Help: "Total number of events rejected by queue backpressure",
		}),
		EventsDeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Name: "hostsentry_events_dead_lettered_total",
			Help: "Total number of events moved to the dead-letter set",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "hostsentry_events_dropped_total",
			Help: "Total number of events dropped on slot acquisition timeout",
		}),
		FindingsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hostsentry_findings_total",
			Help: "Total number of findings emitted, by kind",
		}, []string{"kind"}),
		DegradedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hostsentry_findings_degraded_total",
			Help: "Total number of degraded findings, by reason",
		}, []string{"reason"}),
		CorrelationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hostsentry_correlations_total",
			Help: "Total number of correlation rule firings, by type",
		}, []string{"type"}),
		ScorerErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "hostsentry_scorer_errors_total",
			Help: "Total number of scorer failures and timeouts",
		}),
		PublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "hostsentry_publish_errors_total",
			Help: "Total number of NATS finding publish errors",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hostsentry_queue_depth",
			Help: "Current number of queued events",
		}),
		QueueUtilization: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hostsentry_queue_utilization",
			Help: "Queue depth as a fraction of capacity",
		}),
		EffectiveLimit: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hostsentry_effective_concurrency_limit",
			Help: "Current adaptive concurrency limit",
		}),
		HealthyInstances: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hostsentry_vector_pool_healthy_instances",
			Help: "Number of healthy vector-store instances",
		}),
		ProcessingSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hostsentry_event_processing_seconds",
			Help:    "Per-event pipeline processing time",
			Buckets: prometheus.DefBuckets,
		}),
		QueueWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hostsentry_queue_wait_seconds",
			Help:    "Time events spend queued before dequeue",
			Buckets: prometheus.DefBuckets,
		}),
		WindowTrimmedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "hostsentry_correlation_window_trimmed_total",
			Help: "Total number of window entries trimmed by the memory governor",
		}),
	}
}
