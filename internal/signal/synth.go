package signal

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
)

// Rhythm selects the waveform produced by Generate.
type Rhythm string

const (
	RhythmNormal      Rhythm = "normal"
	RhythmSTElevation Rhythm = "st_elevation"
	RhythmAfib        Rhythm = "afib"
	RhythmTachy       Rhythm = "tachy"
	RhythmBrady       Rhythm = "brady"
)

const (
	synthBaseline   = 300.0
	synthQRSHeight  = 400.0
	synthQRSWidth   = 0.012
	synthWander     = 10.0
	synthWanderHz   = 0.3
	synthNoise      = 3.0
	synthSTShift    = 150.0
	synthSTOnset    = 0.3
	synthNormalRR   = 0.8
	synthTachyRR    = 0.5
	synthBradyRR    = 1.4
	synthAfibMinRR  = 0.4
	synthAfibMaxRR  = 1.2
	synthDefaultHz  = 250.0
	synthFirstBeatS = 0.2
)

// ParseRhythm maps a name onto a Rhythm.
func ParseRhythm(name string) (Rhythm, error) {
	switch r := Rhythm(strings.ToLower(strings.TrimSpace(name))); r {
	case RhythmNormal, RhythmSTElevation, RhythmAfib, RhythmTachy, RhythmBrady:
		return r, nil
	case "":
		return RhythmNormal, nil
	default:
		return "", fmt.Errorf("unknown rhythm %q", name)
	}
}

// Generate synthesizes seconds of ECG-like signal at rate Hz. The QRS
// complexes are gaussian bumps on a wandering baseline with additive noise;
// RhythmSTElevation shifts everything after the first 30% upward.
func Generate(kind Rhythm, seconds, rate float64, rng *rand.Rand) SampleWindow {
	if rate <= 0 {
		rate = synthDefaultHz
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(1, 2))
	}
	n := int(seconds * rate)
	if n < 0 {
		n = 0
	}

	beats := beatTimes(kind, seconds, rng)
	samples := make([]float64, n)
	for i := range samples {
		t := float64(i) / rate
		v := synthBaseline + synthWander*math.Sin(2*math.Pi*synthWanderHz*t)
		for _, b := range beats {
			d := t - b
			if math.Abs(d) > 6*synthQRSWidth {
				continue
			}
			v += synthQRSHeight * math.Exp(-(d*d)/(2*synthQRSWidth*synthQRSWidth))
		}
		if kind == RhythmSTElevation && t >= synthSTOnset*seconds {
			v += synthSTShift
		}
		v += rng.NormFloat64() * synthNoise
		samples[i] = v
	}

	return SampleWindow{Samples: samples, SamplingRate: rate}
}

func beatTimes(kind Rhythm, seconds float64, rng *rand.Rand) []float64 {
	var beats []float64
	for t := synthFirstBeatS; t < seconds; {
		beats = append(beats, t)
		switch kind {
		case RhythmTachy:
			t += synthTachyRR
		case RhythmBrady:
			t += synthBradyRR
		case RhythmAfib:
			t += synthAfibMinRR + rng.Float64()*(synthAfibMaxRR-synthAfibMinRR)
		default:
			t += synthNormalRR
		}
	}
	return beats
}
