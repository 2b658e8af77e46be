package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"ecg-sentinel/internal/signal"
)

// AnalyzeOptions configure offline analysis of a recording.
type AnalyzeOptions struct {
	Path   string
	Window time.Duration
	Step   time.Duration
	// Rate is used when the recording has no time column.
	Rate          float64
	UseClassifier bool
}

// AnalyzeReport summarises an offline run.
type AnalyzeReport struct {
	Windows   int
	Highest   signal.RiskLevel
	Elevated  int
	FirstSTAt *time.Duration
}

// Analyze slides a window over a CSV recording and prints one assessment per
// window.
func (a *App) Analyze(ctx context.Context, opts AnalyzeOptions) (AnalyzeReport, error) {
	var report AnalyzeReport
	if opts.Window <= 0 {
		return report, errors.New("window must be positive")
	}

	f, err := os.Open(opts.Path)
	if err != nil {
		return report, fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	recording, err := signal.ReadCSV(f, opts.Rate)
	if err != nil {
		return report, err
	}
	windows := signal.Windows(recording, opts.Window, opts.Step)
	if len(windows) == 0 {
		return report, fmt.Errorf("recording is %s long, shorter than one %s window", recording.Duration(), opts.Window)
	}

	analyzer := signal.NewAnalyzer(signal.WithLogger(a.Logger))
	if opts.UseClassifier {
		if a.Config.Analyzer.ClassifierURL == "" {
			return report, errors.New("analyzer.classifier_url is not configured")
		}
		analyzer = a.newAnalyzer(nil)
	}

	a.Logger.Info().
		Int("samples", recording.Len()).
		Float64("sampling_rate", recording.SamplingRate).
		Int("windows", len(windows)).
		Msg("analyzing recording")

	step := opts.Step
	if step <= 0 {
		step = opts.Window
	}
	report.Highest = signal.RiskLow

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Offset\tST%\tBPM\tSDNN(ms)\tRisk\tSource\tPatterns")
	for i, w := range windows {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		offset := time.Duration(i) * step
		res := analyzer.Assess(ctx, w)

		report.Windows++
		if res.RiskLevel.AtLeast(report.Highest) {
			report.Highest = res.RiskLevel
		}
		if res.Has(signal.PatternSTElevation) {
			report.Elevated++
			if report.FirstSTAt == nil {
				at := offset
				report.FirstSTAt = &at
			}
		}

		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			offset,
			decimal.NewFromFloat(res.STPercent).StringFixed(1),
			optional(res.BPM, 0),
			optional(res.SDNN, 1),
			res.RiskLevel,
			res.Source,
			patternList(res.Patterns),
		)
	}
	if err := writer.Flush(); err != nil {
		return report, err
	}

	fmt.Fprintf(a.Out, "\n%d windows, highest risk %s, %d with ST elevation\n", report.Windows, report.Highest, report.Elevated)
	if report.FirstSTAt != nil {
		fmt.Fprintf(a.Out, "first ST elevation at %s\n", *report.FirstSTAt)
	}
	return report, nil
}

func optional(v *float64, places int32) string {
	if v == nil {
		return "-"
	}
	return decimal.NewFromFloat(*v).StringFixed(places)
}

func patternList(patterns []signal.Pattern) string {
	if len(patterns) == 0 {
		return "-"
	}
	names := make([]string, len(patterns))
	for i, p := range patterns {
		names[i] = string(p)
	}
	return strings.Join(names, ",")
}
