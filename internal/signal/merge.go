package signal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	stProbabilityThreshold   = 0.6
	afibProbabilityThreshold = 0.6

	defaultClassifierTimeout = 2 * time.Second
)

// Prediction is the output of an external classifier.
type Prediction struct {
	Label         string             `json:"predicted_label"`
	Probabilities map[string]float64 `json:"probabilities"`
}

// Probability returns the classifier confidence for label, or zero.
func (p Prediction) Probability(label string) float64 {
	if p.Probabilities == nil {
		return 0
	}
	return p.Probabilities[label]
}

type classifyResult struct {
	pred     Prediction
	err      error
	panicked bool
}

// Classifier is an optional model that scores a window.
type Classifier interface {
	Classify(ctx context.Context, w SampleWindow) (Prediction, error)
}

// ErrClassifierUnavailable is returned by classifiers that are not configured.
var ErrClassifierUnavailable = errors.New("signal: classifier unavailable")

// Merge folds a prediction into a heuristic assessment. It only adds patterns
// and only raises the risk level.
func Merge(a Assessment, p Prediction) Assessment {
	out := a
	out.Patterns = append([]Pattern(nil), a.Patterns...)
	out.Source = SourceClassifier
	pred := p
	out.Classifier = &pred

	if p.Probability("st_elevation") > stProbabilityThreshold {
		out.Patterns = addPattern(out.Patterns, PatternSTElevation)
		out.RiskLevel = raise(out.RiskLevel, RiskHigh)
	}
	if p.Probability("afib") > afibProbabilityThreshold {
		out.Patterns = addPattern(out.Patterns, PatternPossibleAfib)
		out.RiskLevel = raise(out.RiskLevel, RiskMedium)
	}
	if out.Patterns == nil {
		out.Patterns = []Pattern{}
	}
	return out
}

func addPattern(patterns []Pattern, p Pattern) []Pattern {
	for _, existing := range patterns {
		if existing == p {
			return patterns
		}
	}
	return append(patterns, p)
}

func raise(current, floor RiskLevel) RiskLevel {
	if current.AtLeast(floor) {
		return current
	}
	return floor
}

// Hooks observe classifier calls.
type Hooks struct {
	OnAssessment func(level RiskLevel, source string)
	OnClassifier func(outcome string, duration time.Duration)
}

// Analyzer runs the heuristics and, when configured, merges a classifier
// prediction bounded by a timeout.
type Analyzer struct {
	classifier Classifier
	timeout    time.Duration
	logger     zerolog.Logger
	hooks      Hooks
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithClassifier enables the classifier merge. A non-positive timeout falls
// back to two seconds.
func WithClassifier(c Classifier, timeout time.Duration) Option {
	return func(a *Analyzer) {
		a.classifier = c
		if timeout > 0 {
			a.timeout = timeout
		}
	}
}

// WithLogger sets the analyzer logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Analyzer) {
		a.logger = logger.With().Str("component", "analyzer").Logger()
	}
}

// WithHooks installs metric callbacks.
func WithHooks(h Hooks) Option {
	return func(a *Analyzer) {
		a.hooks = h
	}
}

// NewAnalyzer constructs an Analyzer.
func NewAnalyzer(opts ...Option) *Analyzer {
	a := &Analyzer{
		timeout: defaultClassifierTimeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assess analyzes w and merges the classifier result when one arrives in time.
// Classifier failures are logged and never returned.
func (a *Analyzer) Assess(ctx context.Context, w SampleWindow) Assessment {
	out := Analyze(w)
	if a.classifier == nil || len(w.Samples) < MinSamples {
		a.observe(out)
		return out
	}

	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan classifyResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- classifyResult{err: fmt.Errorf("classifier panic: %v", r), panicked: true}
			}
		}()
		pred, err := a.classifier.Classify(cctx, w)
		done <- classifyResult{pred: pred, err: err}
	}()

	var res classifyResult
	select {
	case res = <-done:
	case <-cctx.Done():
		res.err = fmt.Errorf("classifier gave no answer within %s: %w", a.timeout, cctx.Err())
	}
	pred, err := res.pred, res.err
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, ErrClassifierUnavailable):
		a.classifierOutcome("unavailable", elapsed)
	case err != nil:
		outcome := "error"
		if !res.panicked && (errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded)) {
			outcome = "timeout"
		}
		a.classifierOutcome(outcome, elapsed)
		a.logger.Warn().Err(err).Dur("elapsed", elapsed).Str("outcome", outcome).Msg("classifier failed; using heuristic result")
	default:
		a.classifierOutcome("ok", elapsed)
		out = Merge(out, pred)
	}

	a.observe(out)
	return out
}

func (a *Analyzer) observe(out Assessment) {
	if a.hooks.OnAssessment != nil {
		a.hooks.OnAssessment(out.RiskLevel, out.Source)
	}
}

func (a *Analyzer) classifierOutcome(outcome string, d time.Duration) {
	if a.hooks.OnClassifier != nil {
		a.hooks.OnClassifier(outcome, d)
	}
}
