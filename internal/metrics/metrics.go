// Package metrics exposes Prometheus instruments for the monitoring pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ecg-sentinel/internal/arbiter"
	"ecg-sentinel/internal/dispatch"
	"ecg-sentinel/internal/signal"
)

// Metrics holds the Prometheus collectors.
type Metrics struct {
	WindowsTotal        *prometheus.CounterVec
	ClassifierCalls     *prometheus.CounterVec
	ClassifierDuration  prometheus.Histogram
	TransitionsTotal    *prometheus.CounterVec
	FiresTotal          prometheus.Counter
	NoticesTotal        prometheus.Counter
	CancelsTotal        prometheus.Counter
	EscalationErrors    prometheus.Counter
	EscalationsTotal    *prometheus.CounterVec
	OutcomesTotal       *prometheus.CounterVec
	DeliveryDuration    *prometheus.HistogramVec
	DroppedWindowsTotal prometheus.Counter
	RetentionDeleted    prometheus.Counter
}

// NewMetrics registers and returns the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WindowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ecg_windows_assessed_total",
			Help: "Sample windows assessed by risk level and source.",
		}, []string{"risk", "source"}),
		ClassifierCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ecg_classifier_calls_total",
			Help: "External classifier calls by outcome.",
		}, []string{"outcome"}),
		ClassifierDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ecg_classifier_duration_seconds",
			Help:    "Duration of external classifier calls.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms .. ~5s
		}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ecg_arbiter_transitions_total",
			Help: "Escalation state transitions.",
		}, []string{"from", "to"}),
		FiresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ecg_arbiter_fires_total",
			Help: "Countdowns that completed and escalated.",
		}),
		NoticesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ecg_arbiter_notices_total",
			Help: "Local advisory notices raised.",
		}),
		CancelsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ecg_arbiter_cancels_total",
			Help: "Episodes cancelled before firing.",
		}),
		EscalationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ecg_arbiter_escalation_errors_total",
			Help: "Escalations that returned an error.",
		}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ecg_dispatch_escalations_total",
			Help: "Alerts dispatched by trigger kind.",
		}, []string{"trigger"}),
		OutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ecg_delivery_outcomes_total",
			Help: "Delivery outcome rows by channel and status.",
		}, []string{"channel", "status"}),
		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ecg_delivery_duration_seconds",
			Help:    "Duration of individual channel sends.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}, []string{"channel"}),
		DroppedWindowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ecg_stream_dropped_windows_total",
			Help: "Windows dropped because a session queue was full.",
		}),
		RetentionDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ecg_retention_deleted_alerts_total",
			Help: "Alerts removed by the retention job.",
		}),
	}

	reg.MustRegister(
		m.WindowsTotal,
		m.ClassifierCalls,
		m.ClassifierDuration,
		m.TransitionsTotal,
		m.FiresTotal,
		m.NoticesTotal,
		m.CancelsTotal,
		m.EscalationErrors,
		m.EscalationsTotal,
		m.OutcomesTotal,
		m.DeliveryDuration,
		m.DroppedWindowsTotal,
		m.RetentionDeleted,
	)

	return m
}

// AnalyzerHooks feeds assessment and classifier metrics.
func (m *Metrics) AnalyzerHooks() signal.Hooks {
	return signal.Hooks{
		OnAssessment: func(level signal.RiskLevel, source string) {
			m.WindowsTotal.WithLabelValues(string(level), source).Inc()
		},
		OnClassifier: func(outcome string, d time.Duration) {
			m.ClassifierCalls.WithLabelValues(outcome).Inc()
			m.ClassifierDuration.Observe(d.Seconds())
		},
	}
}

// ArbiterHooks feeds escalation state metrics. Subjects are not used as
// labels.
func (m *Metrics) ArbiterHooks() arbiter.Hooks {
	return arbiter.Hooks{
		OnTransition: func(_ string, from, to arbiter.State) {
			m.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		},
		OnFire: func(string) {
			m.FiresTotal.Inc()
		},
		OnNotice: func(string, signal.Assessment) {
			m.NoticesTotal.Inc()
		},
		OnCancel: func(string) {
			m.CancelsTotal.Inc()
		},
		OnError: func(string, error) {
			m.EscalationErrors.Inc()
		},
	}
}

// DispatchHooks feeds dispatch metrics.
func (m *Metrics) DispatchHooks() dispatch.Hooks {
	return dispatch.Hooks{
		OnEscalation: func(trigger string) {
			m.EscalationsTotal.WithLabelValues(trigger).Inc()
		},
		OnOutcome: func(channel, status string, d time.Duration) {
			m.OutcomesTotal.WithLabelValues(channel, status).Inc()
			m.DeliveryDuration.WithLabelValues(channel).Observe(d.Seconds())
		},
	}
}

// DropHook counts broker drops.
func (m *Metrics) DropHook() func(topic string) {
	return func(string) {
		m.DroppedWindowsTotal.Inc()
	}
}

// ObserveRetention records the alerts removed by one retention run.
func (m *Metrics) ObserveRetention(deleted int64) {
	if deleted > 0 {
		m.RetentionDeleted.Add(float64(deleted))
	}
}
