package cli

import (
	"github.com/spf13/cobra"

	"ecg-sentinel/internal/app"
	"ecg-sentinel/internal/responder"
	"ecg-sentinel/internal/storage"
)

var (
	escalateLat       float64
	escalateLon       float64
	escalateTrigger   string
	escalateNotes     string
	escalateRecording string
	escalateRate      float64
)

var escalateCmd = &cobra.Command{
	Use:   "escalate <subject>",
	Short: "Raise a manual or test alert and notify responders now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		trigger, err := storage.ParseTriggerKind(escalateTrigger)
		if err != nil {
			return err
		}
		_, err = getApp().Escalate(cmd.Context(), app.EscalateOptions{
			Subject:       args[0],
			Location:      responder.Location{Lat: escalateLat, Lon: escalateLon},
			Trigger:       trigger,
			Notes:         escalateNotes,
			RecordingPath: escalateRecording,
			Rate:          escalateRate,
		})
		return err
	},
}

func init() {
	escalateCmd.Flags().Float64Var(&escalateLat, "lat", 0, "Subject latitude")
	escalateCmd.Flags().Float64Var(&escalateLon, "lon", 0, "Subject longitude")
	escalateCmd.Flags().StringVar(&escalateTrigger, "trigger", "manual", "manual or test")
	escalateCmd.Flags().StringVar(&escalateNotes, "notes", "", "Free text included in messages")
	escalateCmd.Flags().StringVar(&escalateRecording, "recording", "", "CSV recording to attach and analyze")
	escalateCmd.Flags().Float64Var(&escalateRate, "rate", 0, "Sampling rate in Hz when the recording has no time column")
	_ = escalateCmd.MarkFlagRequired("lat")
	_ = escalateCmd.MarkFlagRequired("lon")
}
