// Package signal turns raw ECG sample windows into risk assessments.
//
// Analyze is pure and safe for concurrent use. Analyzer layers an optional
// external classifier on top of it without ever letting the classifier block or
// weaken the heuristic result.
package signal

import (
	"math"
)

// RiskLevel grades an assessment.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func (r RiskLevel) rank() int {
	switch r {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether r is as severe as other.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return r.rank() >= other.rank()
}

// Pattern labels a finding in a window.
type Pattern string

const (
	PatternSTElevation  Pattern = "st_elevation"
	PatternBradycardia  Pattern = "bradycardia"
	PatternTachycardia  Pattern = "tachycardia"
	PatternPossibleAfib Pattern = "possible_afib"
)

const (
	SourceHeuristic  = "heuristic"
	SourceClassifier = "heuristic+classifier"
)

const (
	// MinSamples is the shortest window the heuristics will look at.
	MinSamples = 20

	edgeFraction = 0.2

	spikeSigma   = 1.2
	spikeDensity = 0.25

	stepBaselineRatio = 0.15
	stepSigma         = 0.4
	stepFloor         = 15.0

	runBaselineRatio = 0.1
	runSigma         = 0.4
	runFloor         = 10.0
	runCoverage      = 0.25

	smoothWidth      = 7
	peakSigma        = 0.9
	refractorySecond = 0.18

	bradycardiaBPM   = 50.0
	tachycardiaBPM   = 100.0
	afibMinIntervals = 5
	afibCV           = 0.2
	afibSDNN         = 0.08
)

// Features holds the intermediate values the classification was derived from.
type Features struct {
	Baseline      float64 `json:"baseline"`
	Sigma         float64 `json:"sigma"`
	SpikeFraction float64 `json:"spike_fraction"`
	RunFraction   float64 `json:"run_fraction"`
	StepDelta     float64 `json:"step_delta"`
	SpikeDensity  bool    `json:"spike_density"`
	SustainedStep bool    `json:"sustained_step"`
	ContiguousRun bool    `json:"contiguous_run"`
	Peaks         int     `json:"peaks"`
}

// Assessment is the risk classification of a single window.
type Assessment struct {
	STPercent  float64     `json:"st_percent"`
	BPM        *float64    `json:"bpm,omitempty"`
	SDNN       *float64    `json:"sdnn,omitempty"`
	Patterns   []Pattern   `json:"patterns"`
	RiskLevel  RiskLevel   `json:"risk_level"`
	Features   Features    `json:"features"`
	Source     string      `json:"source"`
	Classifier *Prediction `json:"classifier,omitempty"`
}

// Has reports whether the assessment carries pattern p.
func (a Assessment) Has(p Pattern) bool {
	for _, existing := range a.Patterns {
		if existing == p {
			return true
		}
	}
	return false
}

// Analyze runs the ST-elevation and rhythm heuristics over w.
func Analyze(w SampleWindow) Assessment {
	out := Assessment{
		Patterns:  []Pattern{},
		RiskLevel: RiskLow,
		Source:    SourceHeuristic,
	}
	if len(w.Samples) < MinSamples {
		return out
	}

	st := detectElevation(w.Samples)
	out.Features = st
	out.STPercent = 100 * math.Max(st.SpikeFraction, st.RunFraction)

	if w.SamplingRate > 0 {
		peaks := detectPeaks(w.Samples, w.SamplingRate)
		out.Features.Peaks = len(peaks)
		if len(peaks) >= 2 {
			intervals := make([]float64, 0, len(peaks)-1)
			for i := 1; i < len(peaks); i++ {
				intervals = append(intervals, float64(peaks[i]-peaks[i-1])/w.SamplingRate)
			}
			meanRR := mean(intervals)
			if meanRR > 0 {
				bpm := 60 / meanRR
				sdnn := stddev(intervals)
				out.BPM = &bpm
				out.SDNN = &sdnn
				out.Patterns = append(out.Patterns, rhythmPatterns(bpm, sdnn, meanRR, len(intervals))...)
			}
		}
	}

	if st.SpikeDensity || st.SustainedStep || st.ContiguousRun {
		out.Patterns = append([]Pattern{PatternSTElevation}, out.Patterns...)
	}
	out.RiskLevel = riskFor(out.Patterns)
	return out
}

// detectElevation applies the three independent ST-elevation signals. Any one
// of them is enough.
func detectElevation(samples []float64) Features {
	n := len(samples)
	edge := int(float64(n) * edgeFraction)
	if edge < 1 {
		edge = 1
	}

	baseline := median(samples[:edge])
	deviations := make([]float64, n)
	for i, v := range samples {
		deviations[i] = v - baseline
	}
	sigma := stddev(deviations)

	var spikes int
	for _, d := range deviations {
		if d > spikeSigma*sigma {
			spikes++
		}
	}
	spikeFraction := float64(spikes) / float64(n)

	// A negative baseline leaves the absolute floors in charge.
	stepDelta := median(samples[n-edge:]) - baseline
	stepLimit := maxOf(stepBaselineRatio*baseline, stepSigma*sigma, stepFloor)

	runLevel := baseline + maxOf(runBaselineRatio*baseline, runSigma*sigma, runFloor)
	runFraction := float64(longestRunAbove(samples, runLevel)) / float64(n)

	return Features{
		Baseline:      baseline,
		Sigma:         sigma,
		SpikeFraction: spikeFraction,
		RunFraction:   runFraction,
		StepDelta:     stepDelta,
		SpikeDensity:  spikeFraction > spikeDensity,
		SustainedStep: stepDelta > stepLimit,
		ContiguousRun: runFraction >= runCoverage,
	}
}

// detectPeaks returns the sample indexes of accepted beats.
func detectPeaks(samples []float64, rate float64) []int {
	smoothed := movingAverage(samples, smoothWidth)
	threshold := median(smoothed) + peakSigma*stddev(smoothed)

	gap := int(math.Ceil(refractorySecond * rate))
	if gap < 1 {
		gap = 1
	}

	peaks := make([]int, 0)
	for i := 1; i < len(smoothed)-1; i++ {
		v := smoothed[i]
		if v <= threshold || v <= smoothed[i-1] || v < smoothed[i+1] {
			continue
		}
		if len(peaks) > 0 && i-peaks[len(peaks)-1] < gap {
			continue
		}
		peaks = append(peaks, i)
	}
	return peaks
}

func rhythmPatterns(bpm, sdnn, meanRR float64, intervals int) []Pattern {
	var out []Pattern
	if bpm < bradycardiaBPM {
		out = append(out, PatternBradycardia)
	}
	if bpm > tachycardiaBPM {
		out = append(out, PatternTachycardia)
	}
	if intervals >= afibMinIntervals && sdnn/meanRR > afibCV && sdnn > afibSDNN {
		out = append(out, PatternPossibleAfib)
	}
	return out
}

func riskFor(patterns []Pattern) RiskLevel {
	level := RiskLow
	for _, p := range patterns {
		switch p {
		case PatternSTElevation:
			return RiskHigh
		case PatternPossibleAfib, PatternTachycardia:
			level = RiskMedium
		}
	}
	return level
}
