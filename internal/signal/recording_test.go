package signal

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func TestReadCSV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		fallback float64
		rate     float64
		samples  int
	}{
		{name: "values only", input: "512\n520\n530\n", fallback: 0, rate: 250, samples: 3},
		{name: "values with header", input: "value\n1\n2\n3\n4\n", fallback: 360, rate: 360, samples: 4},
		{name: "seconds", input: "time,value\n0,1\n0.004,2\n0.008,3\n0.012,4\n", rate: 250, samples: 4},
		{name: "unix millis", input: "1700000000000,500\n1700000000002,501\n1700000000004,502\n", rate: 500, samples: 3},
		{name: "index column", input: "1001,5\n1002,6\n1003,7\n", fallback: 200, rate: 200, samples: 3},
		{name: "comments skipped", input: "# capture\n0,1\n0.01,2\n", rate: 100, samples: 2},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			w, err := ReadCSV(strings.NewReader(tc.input), tc.fallback)
			if err != nil {
				t.Fatalf("ReadCSV: %v", err)
			}
			if len(w.Samples) != tc.samples {
				t.Fatalf("samples = %d, want %d", len(w.Samples), tc.samples)
			}
			if math.Abs(w.SamplingRate-tc.rate) > 1e-6*tc.rate {
				t.Fatalf("rate = %v, want %v", w.SamplingRate, tc.rate)
			}
		})
	}
}

func TestReadCSVSecondColumnIsSignal(t *testing.T) {
	t.Parallel()

	w, err := ReadCSV(strings.NewReader("0,10\n0.5,20\n1.0,30\n"), 0)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if w.Samples[0] != 10 || w.Samples[2] != 30 {
		t.Fatalf("expected value column, got %v", w.Samples)
	}
	if w.SamplingRate != 2 {
		t.Fatalf("rate = %v, want 2", w.SamplingRate)
	}
}

func TestReadCSVEmpty(t *testing.T) {
	t.Parallel()

	if _, err := ReadCSV(strings.NewReader("time,value\n"), 0); !errors.Is(err, ErrEmptyRecording) {
		t.Fatalf("err = %v, want ErrEmptyRecording", err)
	}
}

func TestWindows(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := constantWindow(2500, 1, 250)
	rec.StartedAt = start

	wins := Windows(rec, 4*time.Second, 2*time.Second)
	if len(wins) != 4 {
		t.Fatalf("windows = %d, want 4", len(wins))
	}
	for i, w := range wins {
		if len(w.Samples) != 1000 {
			t.Fatalf("window %d has %d samples", i, len(w.Samples))
		}
		if want := start.Add(time.Duration(i) * 2 * time.Second); !w.StartedAt.Equal(want) {
			t.Fatalf("window %d starts at %s, want %s", i, w.StartedAt, want)
		}
	}

	wins[0].Samples[0] = 99
	if rec.Samples[0] != 1 {
		t.Fatal("windows must not share the recording's backing array")
	}

	if got := Windows(SampleWindow{Samples: []float64{1, 2}}, time.Second, 0); got != nil {
		t.Fatalf("zero rate should yield no windows, got %d", len(got))
	}
}

func TestParseRhythm(t *testing.T) {
	t.Parallel()

	if r, err := ParseRhythm("ST_Elevation"); err != nil || r != RhythmSTElevation {
		t.Fatalf("ParseRhythm = %q, %v", r, err)
	}
	if r, _ := ParseRhythm(""); r != RhythmNormal {
		t.Fatalf("empty rhythm should default to normal, got %q", r)
	}
	if _, err := ParseRhythm("vfib"); err == nil {
		t.Fatal("unknown rhythm should fail")
	}
}
