package cli

import (
	"time"

	"github.com/spf13/cobra"

	"ecg-sentinel/internal/app"
	"ecg-sentinel/internal/responder"
	"ecg-sentinel/internal/signal"
)

var (
	simulateSubject  string
	simulateRhythm   string
	simulateDuration time.Duration
	simulateWindow   time.Duration
	simulateRate     float64
	simulateLat      float64
	simulateLon      float64
	simulateSpeed    float64
	simulateSeed     uint64
	simulateDispatch bool
	simulateLive     bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Stream a synthetic rhythm through a monitoring session",
	RunE: func(cmd *cobra.Command, args []string) error {
		rhythm, err := signal.ParseRhythm(simulateRhythm)
		if err != nil {
			return err
		}
		loc := responder.Location{Lat: simulateLat, Lon: simulateLon}
		if err := loc.Validate(); err != nil {
			return err
		}
		_, err = getApp().Simulate(cmd.Context(), app.SimulateOptions{
			Subject:  simulateSubject,
			Rhythm:   rhythm,
			Duration: simulateDuration,
			Window:   simulateWindow,
			Rate:     simulateRate,
			Location: loc,
			Speed:    simulateSpeed,
			Seed:     simulateSeed,
			Dispatch: simulateDispatch,
			Live:     simulateLive,
		})
		return err
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSubject, "subject", "simulated", "Subject id")
	simulateCmd.Flags().StringVar(&simulateRhythm, "rhythm", "st_elevation", "normal, st_elevation, afib, tachy or brady")
	simulateCmd.Flags().DurationVar(&simulateDuration, "duration", 30*time.Second, "Simulated recording length")
	simulateCmd.Flags().DurationVar(&simulateWindow, "window", 2*time.Second, "Length of each uploaded window")
	simulateCmd.Flags().Float64Var(&simulateRate, "rate", signal.DefaultSamplingRate, "Sampling rate in Hz")
	simulateCmd.Flags().Float64Var(&simulateLat, "lat", 12.9716, "Subject latitude")
	simulateCmd.Flags().Float64Var(&simulateLon, "lon", 77.5946, "Subject longitude")
	simulateCmd.Flags().Float64Var(&simulateSpeed, "speed", 1, "Time compression factor")
	simulateCmd.Flags().Uint64Var(&simulateSeed, "seed", 1, "Noise seed")
	simulateCmd.Flags().BoolVar(&simulateDispatch, "dispatch", false, "Send real messages when the countdown completes")
	simulateCmd.Flags().BoolVar(&simulateLive, "live", false, "Record dispatched alerts as auto instead of test")
}
