package signal

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type classifierFunc func(ctx context.Context, w SampleWindow) (Prediction, error)

func (f classifierFunc) Classify(ctx context.Context, w SampleWindow) (Prediction, error) {
	return f(ctx, w)
}

func TestMergeRaisesButNeverLowers(t *testing.T) {
	t.Parallel()

	low := Assessment{Patterns: []Pattern{}, RiskLevel: RiskLow, Source: SourceHeuristic}

	got := Merge(low, Prediction{Label: "st_elevation", Probabilities: map[string]float64{"st_elevation": 0.7}})
	if got.RiskLevel != RiskHigh || !got.Has(PatternSTElevation) {
		t.Fatalf("st probability 0.7 should escalate to high: %+v", got)
	}
	if got.Source != SourceClassifier || got.Classifier == nil {
		t.Fatalf("merged result should record classifier: %+v", got)
	}

	got = Merge(low, Prediction{Probabilities: map[string]float64{"afib": 0.65}})
	if got.RiskLevel != RiskMedium || !got.Has(PatternPossibleAfib) {
		t.Fatalf("afib probability 0.65 should give medium possible_afib: %+v", got)
	}

	high := Assessment{Patterns: []Pattern{PatternSTElevation}, RiskLevel: RiskHigh}
	got = Merge(high, Prediction{Label: "normal", Probabilities: map[string]float64{"normal": 0.99}})
	if got.RiskLevel != RiskHigh || !got.Has(PatternSTElevation) {
		t.Fatalf("merge must not weaken the heuristic: %+v", got)
	}

	got = Merge(low, Prediction{Probabilities: map[string]float64{"st_elevation": 0.6}})
	if got.RiskLevel != RiskLow {
		t.Fatalf("0.6 is not above the threshold, got %s", got.RiskLevel)
	}
}

func TestMergeDoesNotAliasPatterns(t *testing.T) {
	t.Parallel()

	patterns := make([]Pattern, 1, 4)
	patterns[0] = PatternTachycardia
	a := Assessment{Patterns: patterns, RiskLevel: RiskMedium}
	_ = Merge(a, Prediction{Probabilities: map[string]float64{"afib": 0.9}})
	if len(a.Patterns) != 1 || patterns[:2][1] != "" {
		t.Fatalf("merge wrote into the caller's slice: %v", patterns[:2])
	}
}

func TestAssessFallsBackOnClassifierError(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		outcomes []string
	)
	failing := classifierFunc(func(context.Context, SampleWindow) (Prediction, error) {
		return Prediction{}, errors.New("boom")
	})
	a := NewAnalyzer(
		WithClassifier(failing, time.Second),
		WithLogger(zerolog.Nop()),
		WithHooks(Hooks{OnClassifier: func(outcome string, _ time.Duration) {
			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
		}}),
	)

	w := Generate(RhythmNormal, 10, 250, rand.New(rand.NewPCG(5, 5)))
	got := a.Assess(context.Background(), w)
	want := Analyze(w)
	if got.RiskLevel != want.RiskLevel || got.Source != SourceHeuristic || got.Classifier != nil {
		t.Fatalf("classifier error should leave heuristic result untouched: %+v", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != 1 || outcomes[0] != "error" {
		t.Fatalf("outcomes = %v, want [error]", outcomes)
	}
}

func TestAssessBoundsSlowClassifier(t *testing.T) {
	t.Parallel()

	slow := classifierFunc(func(ctx context.Context, _ SampleWindow) (Prediction, error) {
		<-ctx.Done()
		return Prediction{}, ctx.Err()
	})
	var outcome string
	a := NewAnalyzer(
		WithClassifier(slow, 20*time.Millisecond),
		WithHooks(Hooks{OnClassifier: func(o string, _ time.Duration) { outcome = o }}),
	)

	start := time.Now()
	got := a.Assess(context.Background(), constantWindow(100, 10, 250))
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("assess blocked for %s", elapsed)
	}
	if got.RiskLevel != RiskLow || got.Source != SourceHeuristic {
		t.Fatalf("timeout should fall back to heuristic: %+v", got)
	}
	if outcome != "timeout" {
		t.Fatalf("outcome = %q, want timeout", outcome)
	}
}

func TestAssessIgnoresUncooperativeClassifier(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	stuck := classifierFunc(func(context.Context, SampleWindow) (Prediction, error) {
		<-release
		return Prediction{Probabilities: map[string]float64{"st_elevation": 0.9}}, nil
	})
	var outcome string
	a := NewAnalyzer(
		WithClassifier(stuck, 50*time.Millisecond),
		WithHooks(Hooks{OnClassifier: func(o string, _ time.Duration) { outcome = o }}),
	)

	start := time.Now()
	got := a.Assess(context.Background(), constantWindow(100, 10, 250))
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("assess blocked for %s", elapsed)
	}
	if got.RiskLevel != RiskLow || got.Source != SourceHeuristic {
		t.Fatalf("ignored classifier should fall back to heuristic: %+v", got)
	}
	if outcome != "timeout" {
		t.Fatalf("outcome = %q, want timeout", outcome)
	}
}

func TestAssessRecoversClassifierPanic(t *testing.T) {
	t.Parallel()

	crashing := classifierFunc(func(context.Context, SampleWindow) (Prediction, error) {
		panic("model crashed")
	})
	var outcome string
	a := NewAnalyzer(
		WithClassifier(crashing, time.Second),
		WithHooks(Hooks{OnClassifier: func(o string, _ time.Duration) { outcome = o }}),
	)

	w := Generate(RhythmNormal, 10, 250, rand.New(rand.NewPCG(9, 9)))
	got := a.Assess(context.Background(), w)
	if want := Analyze(w); got.RiskLevel != want.RiskLevel || got.Source != SourceHeuristic || got.Classifier != nil {
		t.Fatalf("panic should leave heuristic result untouched: %+v", got)
	}
	if outcome != "error" {
		t.Fatalf("outcome = %q, want error", outcome)
	}
}

func TestAssessMergesPrediction(t *testing.T) {
	t.Parallel()

	var seen int
	confident := classifierFunc(func(_ context.Context, w SampleWindow) (Prediction, error) {
		seen = len(w.Samples)
		return Prediction{Label: "st_elevation", Probabilities: map[string]float64{"st_elevation": 0.92}}, nil
	})
	a := NewAnalyzer(WithClassifier(confident, 0))

	got := a.Assess(context.Background(), constantWindow(300, 50, 250))
	if seen != 300 {
		t.Fatalf("classifier saw %d samples", seen)
	}
	if got.RiskLevel != RiskHigh || got.Source != SourceClassifier {
		t.Fatalf("prediction should be merged: %+v", got)
	}
}

func TestAssessWithoutClassifier(t *testing.T) {
	t.Parallel()

	got := NewAnalyzer().Assess(context.Background(), constantWindow(300, 50, 250))
	if got.Source != SourceHeuristic || got.RiskLevel != RiskLow {
		t.Fatalf("unexpected assessment: %+v", got)
	}
}
