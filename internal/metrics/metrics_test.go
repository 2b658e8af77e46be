package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"ecg-sentinel/internal/arbiter"
	"ecg-sentinel/internal/signal"
)

func TestHooksIncrementCollectors(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	ah := m.AnalyzerHooks()
	ah.OnAssessment(signal.RiskHigh, signal.SourceHeuristic)
	ah.OnAssessment(signal.RiskHigh, signal.SourceHeuristic)
	ah.OnClassifier("timeout", 2*time.Second)

	arb := m.ArbiterHooks()
	arb.OnTransition("s1", arbiter.StateIdle, arbiter.StateSustaining)
	arb.OnFire("s1")
	arb.OnCancel("s1")
	arb.OnError("s1", errors.New("boom"))

	dh := m.DispatchHooks()
	dh.OnEscalation("auto")
	dh.OnOutcome("sms", "failed", 100*time.Millisecond)
	dh.OnOutcome("sms", "failed", 200*time.Millisecond)

	m.DropHook()("s1")
	m.ObserveRetention(3)
	m.ObserveRetention(0)

	checks := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"windows", m.WindowsTotal.WithLabelValues("high", "heuristic"), 2},
		{"classifier", m.ClassifierCalls.WithLabelValues("timeout"), 1},
		{"transition", m.TransitionsTotal.WithLabelValues("idle", "sustaining"), 1},
		{"fires", m.FiresTotal, 1},
		{"cancels", m.CancelsTotal, 1},
		{"errors", m.EscalationErrors, 1},
		{"escalations", m.EscalationsTotal.WithLabelValues("auto"), 1},
		{"outcomes", m.OutcomesTotal.WithLabelValues("sms", "failed"), 2},
		{"drops", m.DroppedWindowsTotal, 1},
		{"retention", m.RetentionDeleted, 3},
	}
	for _, tc := range checks {
		if got := testutil.ToFloat64(tc.c); got != tc.want {
			t.Errorf("%s = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestNewMetricsRegistersOnce(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	defer func() {
		if recover() == nil {
			t.Fatal("second registration should panic")
		}
	}()
	NewMetrics(reg)
}
