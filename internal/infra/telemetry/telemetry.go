package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the gateway's Prometheus instruments.
type Metrics struct {
	DecisionsTotal    *prometheus.CounterVec
	DispatchDuration  *prometheus.HistogramVec
	ActiveSessions    prometheus.Gauge
	FlaggedSessions   prometheus.Counter
	AuditQueueDepth   prometheus.Gauge
	AuditDroppedTotal prometheus.Counter
	RateLimitPenalty  prometheus.Counter
	AlertsPublished   prometheus.Counter
}

func NewMetrics(serviceName string) *Metrics {
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		DecisionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "gateway_decisions_total",
			Help:        "Command dispatch decisions by outcome and denial reason.",
			ConstLabels: labels,
		}, []string{"outcome", "reason"}),
		DispatchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "gateway_dispatch_duration_seconds",
			Help:        "End-to-end validation pipeline latency per command.",
			ConstLabels: labels,
			Buckets:     []float64{.001, .0025, .005, .01, .025, .05, .1, .25},
		}, []string{"outcome"}),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name:        "gateway_active_sessions",
			Help:        "Sessions currently in the active or flagged state.",
			ConstLabels: labels,
		}),
		FlaggedSessions: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "gateway_flagged_sessions_total",
			Help:        "Sessions that crossed the risk flag threshold.",
			ConstLabels: labels,
		}),
		AuditQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name:        "gateway_audit_queue_depth",
			Help:        "Audit events buffered and awaiting flush.",
			ConstLabels: labels,
		}),
		AuditDroppedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "gateway_audit_dropped_total",
			Help:        "Non-critical audit events dropped due to buffer overflow.",
			ConstLabels: labels,
		}),
		RateLimitPenalty: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "gateway_rate_limit_penalties_total",
			Help:        "Penalty escalations applied to rate-limit keys.",
			ConstLabels: labels,
		}),
		AlertsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "gateway_security_alerts_total",
			Help:        "Critical audit events mirrored to the alert channel.",
			ConstLabels: labels,
		}),
	}
}
