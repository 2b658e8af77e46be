package cli

import (
	"github.com/spf13/cobra"

	"ecg-sentinel/internal/app"
)

var (
	exportRecording string
	exportRate      float64
	exportPNGPath   string
	exportCSVPath   string
	exportTitle     string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export [alert-id]",
	Short: "Export an alert's sample window (or a recording) as CSV and/or PNG chart",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			RecordingPath: exportRecording,
			Rate:          exportRate,
			PNGPath:       exportPNGPath,
			CSVPath:       exportCSVPath,
			Title:         exportTitle,
			MaxPoints:     exportMaxPoints,
		}
		if len(args) == 1 {
			opts.AlertID = args[0]
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportRecording, "recording", "", "Export a CSV recording instead of an alert")
	exportCmd.Flags().Float64Var(&exportRate, "rate", 0, "Sampling rate in Hz when the recording has no time column")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().StringVar(&exportTitle, "title", "", "Chart title")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum points to export (0 keeps every sample)")
}
