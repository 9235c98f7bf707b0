package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful scheduler ticks and detection passes.
	OutcomeSuccess = "success"
	// OutcomeError labels failed ticks and passes.
	OutcomeError = "error"
)

var (
	ticksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "signal_engine",
			Name:      "ticks_total",
			Help:      "Total scheduler ticks, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	tickDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "signal_engine",
			Name:      "tick_seconds",
			Help:      "Scheduler tick latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
	)

	detectionPassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "signal_engine",
			Name:      "detection_passes_total",
			Help:      "Anomaly detection passes, partitioned by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	anomalyEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "signal_engine",
			Name:      "anomaly_events_total",
			Help:      "Anomaly events emitted, partitioned by type and severity.",
		},
		[]string{"type", "severity"},
	)

	incidentsAutoTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "signal_engine",
			Name:      "incidents_auto_total",
			Help:      "Automatic incident actions, partitioned by action and origin.",
		},
		[]string{"action", "origin"},
	)

	correlationQuerySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "signal_engine",
			Name:      "correlation_query_seconds",
			Help:      "Correlation query latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)
)

// Register attaches signal-engine collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		ticksTotal,
		tickDurationSeconds,
		detectionPassesTotal,
		anomalyEventsTotal,
		incidentsAutoTotal,
		correlationQuerySeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveTick records a scheduler tick duration and outcome label.
func ObserveTick(duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	ticksTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	tickDurationSeconds.Observe(duration.Seconds())
}

// ObserveDetectionPass records a single detection pass outcome.
func ObserveDetectionPass(passType, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	detectionPassesTotal.WithLabelValues(passType, label).Inc()
}

// CountAnomalyEvent records an emitted anomaly event.
func CountAnomalyEvent(eventType, severity string) {
	anomalyEventsTotal.WithLabelValues(eventType, severity).Inc()
}

// CountIncidentAuto records an automatic incident create, refresh, or resolve.
func CountIncidentAuto(action, origin string) {
	incidentsAutoTotal.WithLabelValues(action, origin).Inc()
}

// ObserveCorrelationQuery records the latency of a correlation lookup.
func ObserveCorrelationQuery(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	correlationQuerySeconds.Observe(duration.Seconds())
}
