package cli

import (
	"time"

	"github.com/spf13/cobra"

	"ecg-sentinel/internal/app"
)

var (
	analyzeWindow     time.Duration
	analyzeStep       time.Duration
	analyzeRate       float64
	analyzeClassifier bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <recording.csv>",
	Short: "Slide a window over a recorded ECG and print per-window assessments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Analyze(cmd.Context(), app.AnalyzeOptions{
			Path:          args[0],
			Window:        analyzeWindow,
			Step:          analyzeStep,
			Rate:          analyzeRate,
			UseClassifier: analyzeClassifier,
		})
		return err
	},
}

func init() {
	analyzeCmd.Flags().DurationVar(&analyzeWindow, "window", 4*time.Second, "Analysis window width")
	analyzeCmd.Flags().DurationVar(&analyzeStep, "step", 0, "Window advance (defaults to the width)")
	analyzeCmd.Flags().Float64Var(&analyzeRate, "rate", 0, "Sampling rate in Hz when the recording has no time column")
	analyzeCmd.Flags().BoolVar(&analyzeClassifier, "classifier", false, "Merge predictions from analyzer.classifier_url")
}
