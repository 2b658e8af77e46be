package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"ecg-sentinel/internal/dispatch"
	"ecg-sentinel/internal/storage"
)

// AlertsOptions configure the alerts listing.
type AlertsOptions struct {
	Limit   int
	Subject string
}

// Alerts prints recent alerts.
func (a *App) Alerts(ctx context.Context, opts AlertsOptions) error {
	b, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer b.close()

	alerts, err := b.alerts.ListRecentAlerts(ctx, opts.Limit, opts.Subject)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(a.Out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tID\tSubject\tTrigger\tStatus\tRisk\tST%\tNotes")
	for _, alert := range alerts {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			alert.CreatedAt.UTC().Format(time.RFC3339),
			alert.ID,
			alert.Subject,
			alert.Trigger,
			alert.Status,
			alert.Risk.RiskLevel,
			decimal.NewFromFloat(alert.Risk.STPercent).StringFixed(1),
			dash(sanitizeInline(alert.Notes)),
		)
	}
	return writer.Flush()
}

// ShowAlert prints one alert with its delivery audit trail.
func (a *App) ShowAlert(ctx context.Context, id string) error {
	b, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer b.close()

	alert, err := b.alerts.GetAlert(ctx, id)
	if err != nil {
		return err
	}
	outcomes, err := b.alerts.ListOutcomes(ctx, id)
	if err != nil {
		return err
	}
	printDetail(a.Out, dispatch.Detail{Alert: alert, Outcomes: outcomes})
	return nil
}

// Resolve closes an alert.
func (a *App) Resolve(ctx context.Context, id string) error {
	b, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer b.close()

	alert, err := b.alerts.UpdateAlertStatus(ctx, id, storage.StatusResolved, time.Now().UTC())
	if err != nil {
		return err
	}
	a.Logger.Info().Str("alert_id", alert.ID).Str("subject", alert.Subject).Msg("alert resolved")
	fmt.Fprintf(a.Out, "alert %s resolved\n", alert.ID)
	return nil
}

func printDetail(out io.Writer, d dispatch.Detail) {
	alert := d.Alert
	fmt.Fprintf(out, "Alert:     %s\n", alert.ID)
	fmt.Fprintf(out, "Subject:   %s\n", alert.Subject)
	fmt.Fprintf(out, "Trigger:   %s\n", alert.Trigger)
	fmt.Fprintf(out, "Status:    %s\n", alert.Status)
	fmt.Fprintf(out, "Created:   %s\n", alert.CreatedAt.UTC().Format(time.RFC3339))
	if alert.ResolvedAt != nil {
		fmt.Fprintf(out, "Resolved:  %s\n", alert.ResolvedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(out, "Location:  %s, %s\n",
		decimal.NewFromFloat(alert.Latitude).StringFixed(5),
		decimal.NewFromFloat(alert.Longitude).StringFixed(5))
	fmt.Fprintf(out, "Risk:      %s (ST %s%%, %s)\n",
		alert.Risk.RiskLevel,
		decimal.NewFromFloat(alert.Risk.STPercent).StringFixed(1),
		patternList(alert.Risk.Patterns))
	fmt.Fprintf(out, "Window:    %d samples at %s Hz\n",
		alert.Window.Len(), decimal.NewFromFloat(alert.Window.SamplingRate).StringFixed(0))
	if alert.Notes != "" {
		fmt.Fprintf(out, "Notes:     %s\n", sanitizeInline(alert.Notes))
	}
	fmt.Fprintln(out)
	printOutcomes(out, d.Outcomes)
}

func printOutcomes(out io.Writer, outcomes []storage.DeliveryOutcome) {
	if len(outcomes) == 0 {
		fmt.Fprintln(out, "no delivery attempts")
		return
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Recipient\tName\tChannel\tAddress\tStatus\tRef\tError")
	for _, o := range outcomes {
		fmt.Fprintf(writer, "%s:%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			o.RecipientKind, o.RecipientID,
			dash(o.RecipientName),
			o.Channel,
			dash(o.Address),
			o.Status,
			dash(o.ProviderRef),
			dash(sanitizeInline(o.Error)),
		)
	}
	_ = writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func dash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
