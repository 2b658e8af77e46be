// Package storagetest holds the behaviour every storage.AlertStore must share.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"ecg-sentinel/internal/signal"
	"ecg-sentinel/internal/storage"
)

// Factory returns an empty store for one test.
type Factory func(t *testing.T) storage.AlertStore

var base = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

// NewAlert builds a triggered alert with a small snapshot.
func NewAlert(id, subject string, createdAt time.Time) storage.Alert {
	bpm := 74.5
	return storage.Alert{
		ID:        id,
		Subject:   subject,
		Latitude:  12.9716,
		Longitude: 77.5946,
		Trigger:   storage.TriggerAuto,
		Notes:     "sustained ST elevation",
		Window:    signal.SampleWindow{Samples: []float64{300, 305, 450, 460}, SamplingRate: 250},
		Risk: signal.Assessment{
			STPercent: 61.5,
			BPM:       &bpm,
			Patterns:  []signal.Pattern{signal.PatternSTElevation},
			RiskLevel: signal.RiskHigh,
			Source:    signal.SourceHeuristic,
		},
		Status:    storage.StatusTriggered,
		CreatedAt: createdAt,
	}
}

// NewOutcome builds a sent outcome row.
func NewOutcome(id, alertID, recipient string, at time.Time) storage.DeliveryOutcome {
	return storage.DeliveryOutcome{
		ID:            id,
		AlertID:       alertID,
		RecipientKind: storage.RecipientFacility,
		RecipientID:   recipient,
		RecipientName: "City Hospital",
		Channel:       "sms",
		Address:       "+15550101",
		Status:        storage.OutcomeSent,
		ProviderRef:   "SM" + id,
		AttemptedAt:   at,
		CompletedAt:   at.Add(150 * time.Millisecond),
	}
}

// Run exercises the AlertStore contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("StatusMovesForward", func(t *testing.T) { testStatusMovesForward(t, newStore(t)) })
	t.Run("ResolveFromTriggered", func(t *testing.T) { testResolveFromTriggered(t, newStore(t)) })
	t.Run("ListRecent", func(t *testing.T) { testListRecent(t, newStore(t)) })
	t.Run("Outcomes", func(t *testing.T) { testOutcomes(t, newStore(t)) })
	t.Run("MarkDelivered", func(t *testing.T) { testMarkDelivered(t, newStore(t)) })
	t.Run("DeleteBefore", func(t *testing.T) { testDeleteBefore(t, newStore(t)) })
}

func testCreateAndGet(t *testing.T, s storage.AlertStore) {
	ctx := context.Background()
	want := NewAlert("01HX0000000000000000000001", "42", base)
	if err := s.CreateAlert(ctx, want); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}

	got, err := s.GetAlert(ctx, want.ID)
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if got.Subject != "42" || got.Status != storage.StatusTriggered || got.Trigger != storage.TriggerAuto {
		t.Fatalf("alert = %+v", got)
	}
	if !got.CreatedAt.Equal(base) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, base)
	}
	if got.Latitude != want.Latitude || got.Longitude != want.Longitude {
		t.Fatalf("location = %v,%v", got.Latitude, got.Longitude)
	}
	if len(got.Window.Samples) != 4 || got.Window.Samples[2] != 450 || got.Window.SamplingRate != 250 {
		t.Fatalf("window snapshot = %+v", got.Window)
	}
	if got.Risk.STPercent != 61.5 || got.Risk.BPM == nil || *got.Risk.BPM != 74.5 || !got.Risk.Has(signal.PatternSTElevation) {
		t.Fatalf("risk snapshot = %+v", got.Risk)
	}
	if got.ResolvedAt != nil {
		t.Fatal("new alert should not be resolved")
	}
}

func testGetMissing(t *testing.T, s storage.AlertStore) {
	if _, err := s.GetAlert(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetAlert(missing) = %v, want ErrNotFound", err)
	}
	if _, err := s.MarkDelivered(context.Background(), "missing", base); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("MarkDelivered(missing) = %v, want ErrNotFound", err)
	}
}

func testStatusMovesForward(t *testing.T, s storage.AlertStore) {
	ctx := context.Background()
	alert := NewAlert("01HX0000000000000000000002", "42", base)
	if err := s.CreateAlert(ctx, alert); err != nil {
		t.Fatal(err)
	}

	got, err := s.UpdateAlertStatus(ctx, alert.ID, storage.StatusNotified, base.Add(time.Second))
	if err != nil || got.Status != storage.StatusNotified {
		t.Fatalf("notify = %+v, %v", got.Status, err)
	}
	resolvedAt := base.Add(time.Minute)
	got, err = s.UpdateAlertStatus(ctx, alert.ID, storage.StatusResolved, resolvedAt)
	if err != nil || got.Status != storage.StatusResolved {
		t.Fatalf("resolve = %+v, %v", got.Status, err)
	}

	if _, err := s.UpdateAlertStatus(ctx, alert.ID, storage.StatusNotified, base.Add(2*time.Minute)); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("resolved -> notified = %v, want ErrInvalidTransition", err)
	}
	stored, err := s.GetAlert(ctx, alert.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != storage.StatusResolved || stored.ResolvedAt == nil || !stored.ResolvedAt.Equal(resolvedAt) {
		t.Fatalf("stored = %s resolved_at=%v", stored.Status, stored.ResolvedAt)
	}
}

func testResolveFromTriggered(t *testing.T, s storage.AlertStore) {
	ctx := context.Background()
	alert := NewAlert("01HX0000000000000000000003", "7", base)
	if err := s.CreateAlert(ctx, alert); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateAlertStatus(ctx, alert.ID, storage.StatusResolved, base); err != nil {
		t.Fatalf("triggered -> resolved: %v", err)
	}
	if _, err := s.UpdateAlertStatus(ctx, alert.ID, storage.StatusResolved, base.Add(time.Hour)); err != nil {
		t.Fatalf("resolving twice should be a no-op: %v", err)
	}
	if _, err := s.UpdateAlertStatus(ctx, "missing", storage.StatusResolved, base); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("resolve missing = %v", err)
	}
}

func testListRecent(t *testing.T, s storage.AlertStore) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		subject := "42"
		if i%2 == 1 {
			subject = "7"
		}
		a := NewAlert(fmt.Sprintf("01HX00000000000000000001%02d", i), subject, base.Add(time.Duration(i)*time.Minute))
		if err := s.CreateAlert(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListRecentAlerts(ctx, 3, "")
	if err != nil {
		t.Fatalf("ListRecentAlerts: %v", err)
	}
	if len(all) != 3 || all[0].ID != "01HX0000000000000000000104" || all[2].ID != "01HX0000000000000000000102" {
		t.Fatalf("recent = %v", alertIDs(all))
	}

	mine, err := s.ListRecentAlerts(ctx, 10, "7")
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 2 || mine[0].ID != "01HX0000000000000000000103" {
		t.Fatalf("subject 7 = %v", alertIDs(mine))
	}
}

func testOutcomes(t *testing.T, s storage.AlertStore) {
	ctx := context.Background()
	alert := NewAlert("01HX0000000000000000000004", "42", base)
	if err := s.CreateAlert(ctx, alert); err != nil {
		t.Fatal(err)
	}

	failed := NewOutcome("o-2", alert.ID, "h2", base)
	failed.Status = storage.OutcomeFailed
	failed.Error = "provider returned status 500"
	failed.ProviderRef = ""
	skipped := NewOutcome("o-3", alert.ID, "c1", base)
	skipped.RecipientKind = storage.RecipientContact
	skipped.Channel = "email"
	skipped.Address = ""
	skipped.Status = storage.OutcomeUnconfigured

	for _, o := range []storage.DeliveryOutcome{NewOutcome("o-1", alert.ID, "h1", base), failed, skipped} {
		if err := s.AppendOutcome(ctx, o); err != nil {
			t.Fatalf("AppendOutcome %s: %v", o.ID, err)
		}
	}

	got, err := s.ListOutcomes(ctx, alert.ID)
	if err != nil {
		t.Fatalf("ListOutcomes: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(got))
	}
	byID := map[string]storage.DeliveryOutcome{}
	for _, o := range got {
		byID[o.ID] = o
	}
	if byID["o-2"].Status != storage.OutcomeFailed || byID["o-2"].Error == "" {
		t.Fatalf("failed row = %+v", byID["o-2"])
	}
	if byID["o-3"].Status != storage.OutcomeUnconfigured || byID["o-3"].RecipientKind != storage.RecipientContact {
		t.Fatalf("skipped row = %+v", byID["o-3"])
	}
	if !byID["o-1"].CompletedAt.Equal(base.Add(150*time.Millisecond)) || byID["o-1"].ProviderRef != "SMo-1" {
		t.Fatalf("sent row = %+v", byID["o-1"])
	}

	if none, err := s.ListOutcomes(ctx, "other"); err != nil || len(none) != 0 {
		t.Fatalf("outcomes for unknown alert = %v, %v", none, err)
	}
}

func testMarkDelivered(t *testing.T, s storage.AlertStore) {
	ctx := context.Background()
	alert := NewAlert("01HX0000000000000000000005", "42", base)
	if err := s.CreateAlert(ctx, alert); err != nil {
		t.Fatal(err)
	}
	sent := NewOutcome("d-1", alert.ID, "h1", base)
	failed := NewOutcome("d-2", alert.ID, "h2", base)
	failed.Status = storage.OutcomeFailed
	for _, o := range []storage.DeliveryOutcome{sent, failed} {
		if err := s.AppendOutcome(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	at := base.Add(20 * time.Second)
	got, err := s.MarkDelivered(ctx, "d-1", at)
	if err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if got.Status != storage.OutcomeDelivered || got.DeliveredAt == nil || !got.DeliveredAt.Equal(at) {
		t.Fatalf("delivered = %+v", got)
	}
	again, err := s.MarkDelivered(ctx, "d-1", at.Add(time.Minute))
	if err != nil || !again.DeliveredAt.Equal(at) {
		t.Fatalf("repeat confirmation = %+v, %v", again.DeliveredAt, err)
	}

	if _, err := s.MarkDelivered(ctx, "d-2", at); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("confirming a failed row = %v, want ErrInvalidTransition", err)
	}
}

func testDeleteBefore(t *testing.T, s storage.AlertStore) {
	ctx := context.Background()
	old := NewAlert("01HX0000000000000000000006", "42", base.Add(-48*time.Hour))
	fresh := NewAlert("01HX0000000000000000000007", "42", base)
	for _, a := range []storage.Alert{old, fresh} {
		if err := s.CreateAlert(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.AppendOutcome(ctx, NewOutcome("x-1", old.ID, "h1", old.CreatedAt)); err != nil {
		t.Fatal(err)
	}

	n, err := s.DeleteAlertsBefore(ctx, base.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteAlertsBefore: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}
	if _, err := s.GetAlert(ctx, old.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("old alert still present: %v", err)
	}
	if outcomes, _ := s.ListOutcomes(ctx, old.ID); len(outcomes) != 0 {
		t.Fatalf("outcomes of deleted alert remain: %d", len(outcomes))
	}
	if _, err := s.GetAlert(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh alert removed: %v", err)
	}
}

func alertIDs(alerts []storage.Alert) []string {
	ids := make([]string, len(alerts))
	for i, a := range alerts {
		ids[i] = a.ID
	}
	return ids
}
