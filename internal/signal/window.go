package signal

import (
	"time"
)

// SampleWindow is an ordered, finite run of ECG amplitude samples.
type SampleWindow struct {
	Samples      []float64 `json:"samples"`
	SamplingRate float64   `json:"sampling_rate"`
	StartedAt    time.Time `json:"started_at,omitempty"`
}

// Len returns the number of samples in the window.
func (w SampleWindow) Len() int {
	return len(w.Samples)
}

// Duration returns the time span covered by the window, or zero when the
// sampling rate is unknown.
func (w SampleWindow) Duration() time.Duration {
	if w.SamplingRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(w.Samples)) / w.SamplingRate * float64(time.Second))
}

// Clone returns a deep copy that shares no backing array with w.
func (w SampleWindow) Clone() SampleWindow {
	samples := make([]float64, len(w.Samples))
	copy(samples, w.Samples)
	return SampleWindow{
		Samples:      samples,
		SamplingRate: w.SamplingRate,
		StartedAt:    w.StartedAt,
	}
}
