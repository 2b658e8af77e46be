package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	chart "github.com/wcharczuk/go-chart/v2"

	"ecg-sentinel/internal/signal"
)

// ExportOptions select a sample window and where to render it.
type ExportOptions struct {
	// AlertID exports the window stored with an alert.
	AlertID string
	// RecordingPath exports a CSV recording instead.
	RecordingPath string
	Rate          float64

	CSVPath   string
	PNGPath   string
	Title     string
	MaxPoints int
}

type point struct {
	Seconds float64
	Value   float64
}

// Export renders a sample window as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if (opts.AlertID == "") == (opts.RecordingPath == "") {
		return errors.New("exactly one of an alert id or --recording must be provided")
	}

	window, title, err := a.exportWindow(ctx, opts)
	if err != nil {
		return err
	}
	if window.Len() == 0 {
		a.Logger.Info().Msg("window has no samples; nothing to export")
		return nil
	}
	if opts.Title != "" {
		title = opts.Title
	}

	points := downsample(toPoints(window), opts.MaxPoints)
	a.Logger.Info().Int("total", window.Len()).Int("exported", len(points)).Msg("exporting window")

	if opts.CSVPath != "" {
		if err := writeWindowCSV(opts.CSVPath, points); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "wrote %s\n", opts.CSVPath)
	}
	if opts.PNGPath != "" {
		if err := writeWindowPNG(opts.PNGPath, title, points, a.Config.Export.ChartWidth, a.Config.Export.ChartHeight); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "wrote %s\n", opts.PNGPath)
	}
	return nil
}

func (a *App) exportWindow(ctx context.Context, opts ExportOptions) (signal.SampleWindow, string, error) {
	if opts.RecordingPath != "" {
		f, err := os.Open(opts.RecordingPath)
		if err != nil {
			return signal.SampleWindow{}, "", fmt.Errorf("open recording: %w", err)
		}
		defer f.Close()
		w, err := signal.ReadCSV(f, opts.Rate)
		if err != nil {
			return signal.SampleWindow{}, "", err
		}
		return w, filepath.Base(opts.RecordingPath), nil
	}

	b, err := a.openStore(ctx)
	if err != nil {
		return signal.SampleWindow{}, "", err
	}
	defer b.close()

	alert, err := b.alerts.GetAlert(ctx, opts.AlertID)
	if err != nil {
		return signal.SampleWindow{}, "", err
	}
	title := fmt.Sprintf("Alert %s, subject %s (%s)", alert.ID, alert.Subject, alert.Risk.RiskLevel)
	return alert.Window, title, nil
}

func toPoints(w signal.SampleWindow) []point {
	rate := w.SamplingRate
	if rate <= 0 {
		rate = signal.DefaultSamplingRate
	}
	out := make([]point, len(w.Samples))
	for i, v := range w.Samples {
		out[i] = point{Seconds: float64(i) / rate, Value: v}
	}
	return out
}

func downsample(points []point, max int) []point {
	if max <= 1 || len(points) <= max {
		return points
	}

	result := make([]point, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeWindowCSV(path string, points []point) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"time_s", "value"}); err != nil {
		return err
	}
	for _, p := range points {
		record := []string{
			strconv.FormatFloat(p.Seconds, 'f', 4, 64),
			strconv.FormatFloat(p.Value, 'f', -1, 64),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeWindowPNG(path, title string, points []point, width, height int) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	if width <= 0 {
		width = 1280
	}
	if height <= 0 {
		height = 384
	}

	x := make([]float64, len(points))
	y := make([]float64, len(points))
	for i, p := range points {
		x[i] = p.Seconds
		y[i] = p.Value
	}

	graph := chart.Chart{
		Title:  title,
		Width:  width,
		Height: height,
		XAxis: chart.XAxis{
			Name: "Time (s)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.1f")
			},
		},
		YAxis: chart.YAxis{
			Name: "Amplitude",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: []chart.Series{
			chart.ContinuousSeries{
				Name:    "ECG",
				XValues: x,
				YValues: y,
			},
		},
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
