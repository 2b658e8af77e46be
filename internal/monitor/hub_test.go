package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ecg-sentinel/internal/arbiter"
	"ecg-sentinel/internal/responder"
	"ecg-sentinel/internal/signal"
	"ecg-sentinel/internal/stream"
)

type fixedAssessor struct {
	st atomic.Value
}

func newFixedAssessor(st float64) *fixedAssessor {
	f := &fixedAssessor{}
	f.st.Store(st)
	return f
}

func (f *fixedAssessor) Assess(_ context.Context, w signal.SampleWindow) signal.Assessment {
	st := f.st.Load().(float64)
	level := signal.RiskLow
	patterns := []signal.Pattern{}
	if st >= 25 {
		level = signal.RiskHigh
		patterns = append(patterns, signal.PatternSTElevation)
	}
	return signal.Assessment{STPercent: st, RiskLevel: level, Patterns: patterns, Source: signal.SourceHeuristic}
}

type escalations chan arbiter.Escalation

func (e escalations) Escalate(_ context.Context, esc arbiter.Escalation) error {
	e <- esc
	return nil
}

func fastPolicy() arbiter.Policy {
	return arbiter.Policy{
		Threshold:      25,
		Sustain:        20 * time.Millisecond,
		Countdown:      30 * time.Millisecond,
		Tick:           10 * time.Millisecond,
		Cooldown:       time.Hour,
		NoticeInterval: time.Hour,
	}
}

func window() signal.SampleWindow {
	return signal.SampleWindow{Samples: make([]float64, 50), SamplingRate: 250}
}

func newHub(assessor Assessor, esc arbiter.Escalator, policy arbiter.Policy) *Hub {
	return NewHub(stream.NewBroker[Frame](), assessor, esc, policy, WithLogger(zerolog.Nop()))
}

func TestSustainedElevationEscalates(t *testing.T) {
	t.Parallel()

	esc := make(escalations, 4)
	hub := newHub(newFixedAssessor(80), esc, fastPolicy())
	defer hub.Shutdown(context.Background())

	loc := responder.Location{Lat: 48.137, Lon: 11.575}
	if _, started, err := hub.Start(context.Background(), "s1", loc); err != nil || !started {
		t.Fatalf("Start = %v, %v", started, err)
	}

	deadline := time.After(3 * time.Second)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case got := <-esc:
			if got.Subject != "s1" || got.Location != loc {
				t.Fatalf("escalation = %+v", got)
			}
			if got.Assessment.STPercent != 80 || len(got.Window.Samples) != 50 {
				t.Fatalf("escalation payload = %+v", got.Assessment)
			}
			return
		case <-ticker.C:
			if _, err := hub.Publish("s1", window(), nil); err != nil {
				t.Fatalf("Publish: %v", err)
			}
		case <-deadline:
			t.Fatal("no escalation")
		}
	}
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()

	hub := newHub(newFixedAssessor(0), nil, fastPolicy())
	ctx := context.Background()

	first, started, err := hub.Start(ctx, "s1", responder.Location{Lat: 1, Lon: 2})
	if err != nil || !started {
		t.Fatalf("Start = %v, %v", started, err)
	}
	second, started, err := hub.Start(ctx, "s1", responder.Location{Lat: 3, Lon: 4})
	if err != nil || started || second != first {
		t.Fatalf("second Start = %v, %v", started, err)
	}
	if got := hub.Subjects(); len(got) != 1 || got[0] != "s1" {
		t.Fatalf("Subjects = %v", got)
	}

	view, err := first.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if view.Arbiter.Location != (responder.Location{Lat: 3, Lon: 4}) {
		t.Fatalf("location = %+v", view.Arbiter.Location)
	}

	if err := hub.Stop(ctx, "s1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := hub.Stop(ctx, "s1"); !errors.Is(err, ErrNotMonitoring) {
		t.Fatalf("second Stop = %v", err)
	}
	if _, err := hub.Session("s1"); !errors.Is(err, ErrNotMonitoring) {
		t.Fatalf("Session = %v", err)
	}
}

func TestStartRejectsBadInput(t *testing.T) {
	t.Parallel()

	hub := newHub(newFixedAssessor(0), nil, fastPolicy())
	if _, _, err := hub.Start(context.Background(), " ", responder.Location{}); err == nil {
		t.Fatal("empty subject accepted")
	}
	if _, _, err := hub.Start(context.Background(), "s1", responder.Location{Lat: 95}); err == nil {
		t.Fatal("bad latitude accepted")
	}
}

func TestPublishUnknownSubject(t *testing.T) {
	t.Parallel()

	hub := newHub(newFixedAssessor(0), nil, fastPolicy())
	if _, err := hub.Publish("ghost", window(), nil); !errors.Is(err, ErrNotMonitoring) {
		t.Fatalf("Publish = %v", err)
	}
}

func TestSnapshotTracksLastAssessmentAndLocation(t *testing.T) {
	t.Parallel()

	hub := newHub(newFixedAssessor(12), nil, fastPolicy())
	ctx := context.Background()
	defer hub.Shutdown(ctx)

	s, _, err := hub.Start(ctx, "s1", responder.Location{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	moved := responder.Location{Lat: 40.7, Lon: -74}
	if _, err := hub.Publish("s1", window(), &moved); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	view := waitFor(t, s, func(v View) bool { return v.Windows >= 1 })
	if view.Last == nil || view.Last.STPercent != 12 {
		t.Fatalf("last = %+v", view.Last)
	}
	if view.Arbiter.State != arbiter.StateIdle {
		t.Fatalf("state = %s", view.Arbiter.State)
	}
	if view.Arbiter.Location != moved {
		t.Fatalf("location = %+v", view.Arbiter.Location)
	}
}

func TestCancelArmedEpisode(t *testing.T) {
	t.Parallel()

	policy := fastPolicy()
	policy.Countdown = 10 * time.Second
	policy.Tick = time.Second
	esc := make(escalations, 1)
	hub := newHub(newFixedAssessor(90), esc, policy)
	ctx := context.Background()
	defer hub.Shutdown(ctx)

	s, _, err := hub.Start(ctx, "s1", responder.Location{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := hub.Publish("s1", window(), nil); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		view, err := s.Snapshot(ctx)
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		if view.Arbiter.State == arbiter.StateArmed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("never armed, state %s", view.Arbiter.State)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancelled, err := s.Cancel(ctx)
	if err != nil || !cancelled {
		t.Fatalf("Cancel = %v, %v", cancelled, err)
	}
	select {
	case got := <-esc:
		t.Fatalf("escalated after cancel: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestShutdownStopsAll(t *testing.T) {
	t.Parallel()

	hub := newHub(newFixedAssessor(0), nil, fastPolicy())
	ctx := context.Background()
	for _, subject := range []string{"b", "a"} {
		if _, _, err := hub.Start(ctx, subject, responder.Location{}); err != nil {
			t.Fatalf("Start %s: %v", subject, err)
		}
	}
	if got := hub.Subjects(); len(got) != 2 || got[0] != "a" {
		t.Fatalf("Subjects = %v", got)
	}

	sessions := []*Session{}
	for _, subject := range hub.Subjects() {
		s, _ := hub.Session(subject)
		sessions = append(sessions, s)
	}
	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := hub.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := hub.Subjects(); len(got) != 0 {
		t.Fatalf("Subjects after shutdown = %v", got)
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		default:
			t.Fatalf("session %s still running", s.Subject())
		}
	}
}

func waitFor(t *testing.T, s *Session, cond func(View) bool) View {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		v, err := s.Snapshot(context.Background())
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		if cond(v) {
			return v
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met, last view %+v", v)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
