package dispatch

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"ecg-sentinel/internal/alerting"
	"ecg-sentinel/internal/signal"
	"ecg-sentinel/internal/storage"
)

const testPrefix = "[TEST] "

func headline(a storage.Alert) string {
	finding := "cardiac risk"
	switch {
	case a.Risk.Has(signal.PatternSTElevation):
		finding = "possible ST elevation"
	case a.Risk.Has(signal.PatternPossibleAfib):
		finding = "possible atrial fibrillation"
	case a.Risk.Has(signal.PatternTachycardia):
		finding = "tachycardia"
	case a.Risk.Has(signal.PatternBradycardia):
		finding = "bradycardia"
	}
	title := fmt.Sprintf("ECG alert: %s for subject %s", finding, a.Subject)
	if a.Trigger == storage.TriggerTest {
		title = testPrefix + title
	}
	return title
}

// renderMessage builds the text for one recipient. distanceKM is nil for
// personal contacts.
func renderMessage(a storage.Alert, t target, outcomeID string) alerting.Message {
	var b strings.Builder
	if a.Risk.RiskLevel != "" {
		fmt.Fprintf(&b, "Risk: %s (ST %s%%)\n", a.Risk.RiskLevel, decimal.NewFromFloat(a.Risk.STPercent).StringFixed(1))
	}
	if a.Risk.BPM != nil {
		fmt.Fprintf(&b, "Heart rate: %s bpm\n", decimal.NewFromFloat(*a.Risk.BPM).StringFixed(0))
	}
	if len(a.Risk.Patterns) > 0 {
		names := make([]string, len(a.Risk.Patterns))
		for i, p := range a.Risk.Patterns {
			names[i] = string(p)
		}
		fmt.Fprintf(&b, "Findings: %s\n", strings.Join(names, ", "))
	}

	lat := decimal.NewFromFloat(a.Latitude).StringFixed(5)
	lon := decimal.NewFromFloat(a.Longitude).StringFixed(5)
	fmt.Fprintf(&b, "Location: %s, %s https://maps.google.com/?q=%s,%s\n", lat, lon, lat, lon)
	if t.distanceKM != nil {
		fmt.Fprintf(&b, "Distance from your facility: %s km\n", t.distanceKM.StringFixed(2))
	}
	fmt.Fprintf(&b, "Trigger: %s at %s\n", a.Trigger, a.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	if a.Notes != "" {
		fmt.Fprintf(&b, "Notes: %s\n", a.Notes)
	}
	fmt.Fprintf(&b, "Alert ID: %s", a.ID)

	return alerting.Message{
		Title:     headline(a),
		Body:      b.String(),
		AlertID:   a.ID,
		OutcomeID: outcomeID,
		Test:      a.Trigger == storage.TriggerTest,
	}
}
