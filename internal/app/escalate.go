package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"ecg-sentinel/internal/dispatch"
	"ecg-sentinel/internal/responder"
	"ecg-sentinel/internal/signal"
	"ecg-sentinel/internal/storage"
)

// EscalateOptions configure a manual or test escalation.
type EscalateOptions struct {
	Subject  string
	Location responder.Location
	Trigger  storage.TriggerKind
	Notes    string
	// RecordingPath optionally attaches a CSV recording; it is analyzed and
	// stored as the alert snapshot.
	RecordingPath string
	Rate          float64
}

// Escalate runs one escalation outside the arbiter and prints the summary.
func (a *App) Escalate(ctx context.Context, opts EscalateOptions) (*dispatch.Summary, error) {
	switch opts.Trigger {
	case storage.TriggerManual, storage.TriggerTest:
	default:
		return nil, fmt.Errorf("trigger %q cannot be raised by hand", opts.Trigger)
	}

	req := dispatch.Request{
		Subject:  opts.Subject,
		Location: opts.Location,
		Trigger:  opts.Trigger,
		Notes:    opts.Notes,
	}
	if opts.RecordingPath != "" {
		f, err := os.Open(opts.RecordingPath)
		if err != nil {
			return nil, fmt.Errorf("open recording: %w", err)
		}
		w, err := signal.ReadCSV(f, opts.Rate)
		_ = f.Close()
		if err != nil {
			return nil, err
		}
		req.Window = w
		req.Risk = a.newAnalyzer(nil).Assess(ctx, w)
	}

	b, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer b.close()

	dir, _, err := a.openDirectory(b)
	if err != nil {
		return nil, err
	}
	dispatcher, err := a.newDispatcher(b.alerts, dir, nil)
	if err != nil {
		return nil, err
	}

	summary, err := dispatcher.Escalate(ctx, req)
	if err != nil {
		if errors.Is(err, dispatch.ErrInvalidRequest) {
			return nil, err
		}
		return nil, fmt.Errorf("escalate: %w", err)
	}
	a.printSummary(summary)
	return summary, nil
}

func (a *App) printSummary(s *dispatch.Summary) {
	fmt.Fprintf(a.Out, "alert %s %s (%d facilities, %d contacts considered)\n",
		s.AlertID, s.Status, s.FacilitiesConsidered, s.ContactsConsidered)
	fmt.Fprintf(a.Out, "sent=%d delivered=%d failed=%d skipped=%d\n\n",
		s.Tally.Sent, s.Tally.Delivered, s.Tally.Failed, s.Tally.Skipped)

	if len(s.Facilities) > 0 {
		writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Facility\tName\tDistance(km)\tPhone")
		for _, f := range s.Facilities {
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", f.ID, f.Name, f.DistanceKM.StringFixed(2), dash(f.Phone))
		}
		_ = writer.Flush()
		fmt.Fprintln(a.Out)
	}
	printOutcomes(a.Out, s.Outcomes)
}
