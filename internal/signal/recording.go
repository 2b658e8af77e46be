package signal

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultSamplingRate is assumed when a recording carries no usable time column.
const DefaultSamplingRate = 250.0

// ErrEmptyRecording is returned when a CSV holds no numeric samples.
var ErrEmptyRecording = errors.New("signal: recording has no numeric samples")

// ReadCSV parses a serial capture. Rows are either a single value or a
// time,value pair; non-numeric rows such as headers are skipped. The sampling
// rate is inferred from the median time step when a time column is present,
// otherwise fallbackRate (or DefaultSamplingRate) is used.
func ReadCSV(r io.Reader, fallbackRate float64) (SampleWindow, error) {
	if fallbackRate <= 0 {
		fallbackRate = DefaultSamplingRate
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var times, values []float64
	paired := true
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return SampleWindow{}, fmt.Errorf("read csv: %w", err)
		}

		nums := numericFields(record)
		switch {
		case len(nums) >= 2:
			times = append(times, nums[0])
			values = append(values, nums[1])
		case len(nums) == 1:
			paired = false
			values = append(values, nums[0])
		}
	}
	if len(values) == 0 {
		return SampleWindow{}, ErrEmptyRecording
	}

	rate := fallbackRate
	if paired && len(times) == len(values) && len(times) > 1 {
		if !nonDecreasing(times) {
			// first column is not a clock; treat it as the signal
			values = times
		} else {
			inferred, err := inferRate(times)
			if err != nil {
				return SampleWindow{}, err
			}
			if inferred > 0 {
				rate = inferred
			}
		}
	}

	return SampleWindow{Samples: values, SamplingRate: rate}, nil
}

// inferRate returns zero when the time column cannot be trusted.
func inferRate(times []float64) (float64, error) {
	diffs := make([]float64, len(times)-1)
	unit := true
	for i := 1; i < len(times); i++ {
		diffs[i-1] = times[i] - times[i-1]
		if math.Abs(diffs[i-1]-1) > 1e-9 {
			unit = false
		}
	}
	dt := median(diffs)
	if dt <= 0 {
		return 0, errors.New("signal: non-positive time step in recording")
	}

	last := times[len(times)-1]
	switch {
	case unit && last > 1000:
		// sample index, not a clock
		return 0, nil
	case dt > 1.5 && last > 1e3:
		return 1000 / dt, nil
	case dt > 1.5:
		return 0, nil
	default:
		return 1 / dt, nil
	}
}

func numericFields(record []string) []float64 {
	out := make([]float64, 0, len(record))
	for _, field := range record {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

func nonDecreasing(values []float64) bool {
	for i := 1; i < len(values); i++ {
		if values[i] < values[i-1] {
			return false
		}
	}
	return true
}

// Windows slices w into windows of the given width advanced by step. The last
// partial window is dropped. Each window starts at w.StartedAt plus its offset
// when StartedAt is set.
func Windows(w SampleWindow, width, step time.Duration) []SampleWindow {
	if w.SamplingRate <= 0 || width <= 0 {
		return nil
	}
	if step <= 0 {
		step = width
	}
	size := int(width.Seconds() * w.SamplingRate)
	advance := int(step.Seconds() * w.SamplingRate)
	if size <= 0 || advance <= 0 {
		return nil
	}

	var out []SampleWindow
	for start := 0; start+size <= len(w.Samples); start += advance {
		win := SampleWindow{
			Samples:      append([]float64(nil), w.Samples[start:start+size]...),
			SamplingRate: w.SamplingRate,
		}
		if !w.StartedAt.IsZero() {
			win.StartedAt = w.StartedAt.Add(time.Duration(float64(start) / w.SamplingRate * float64(time.Second)))
		}
		out = append(out, win)
	}
	return out
}
