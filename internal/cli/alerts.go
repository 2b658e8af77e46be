package cli

import (
	"github.com/spf13/cobra"

	"ecg-sentinel/internal/app"
)

var (
	alertsLimit   int
	alertsSubject string
)

var alertsCmd = &cobra.Command{
	Use:   "alerts [alert-id]",
	Short: "List recent alerts, or show one alert with its delivery trail",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return getApp().ShowAlert(cmd.Context(), args[0])
		}
		return getApp().Alerts(cmd.Context(), app.AlertsOptions{Limit: alertsLimit, Subject: alertsSubject})
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <alert-id>",
	Short: "Mark an alert resolved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Resolve(cmd.Context(), args[0])
	},
}

func init() {
	alertsCmd.Flags().IntVar(&alertsLimit, "limit", 20, "Number of alerts to display")
	alertsCmd.Flags().StringVar(&alertsSubject, "subject", "", "Only alerts for this subject")
}
