package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"ecg-sentinel/internal/arbiter"
	"ecg-sentinel/internal/dispatch"
	"ecg-sentinel/internal/monitor"
	"ecg-sentinel/internal/responder"
	"ecg-sentinel/internal/signal"
	"ecg-sentinel/internal/storage"
	"ecg-sentinel/internal/stream"
)

// SimulateOptions configure a synthetic monitoring run.
type SimulateOptions struct {
	Subject  string
	Rhythm   signal.Rhythm
	Duration time.Duration
	Window   time.Duration
	Rate     float64
	Location responder.Location
	// Speed compresses wall-clock time; the escalation policy is scaled to
	// match.
	Speed float64
	Seed  uint64
	// Dispatch sends real messages when a countdown completes. Alerts are
	// marked test unless Live is set.
	Dispatch bool
	Live     bool
}

// SimulateReport is the outcome of a run.
type SimulateReport struct {
	Windows     int
	Dropped     int
	FinalState  arbiter.State
	Escalations int
	Alerts      []*dispatch.Summary
}

// Simulate streams a synthetic rhythm through a monitoring session exactly as
// live ingestion would.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) (SimulateReport, error) {
	var report SimulateReport
	if opts.Speed <= 0 {
		opts.Speed = 1
	}
	if opts.Window <= 0 {
		return report, errors.New("window must be positive")
	}
	if opts.Subject == "" {
		opts.Subject = "simulated"
	}

	count := int(opts.Duration / opts.Window)
	if count == 0 {
		return report, fmt.Errorf("duration %s is shorter than one %s window", opts.Duration, opts.Window)
	}
	// Each window is a fresh strip, the way a wearable uploads snapshots.
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	windows := make([]signal.SampleWindow, count)
	for i := range windows {
		windows[i] = signal.Generate(opts.Rhythm, opts.Window.Seconds(), opts.Rate, rng)
	}

	policy := scalePolicy(a.Config.Monitor.Policy(), opts.Speed)

	var (
		mu          sync.Mutex
		escalations int
		alerts      []*dispatch.Summary
		escalator   arbiter.Escalator
	)
	if opts.Dispatch {
		b, err := a.openStore(ctx)
		if err != nil {
			return report, err
		}
		defer b.close()
		dir, _, err := a.openDirectory(b)
		if err != nil {
			return report, err
		}
		dispatcher, err := a.newDispatcher(b.alerts, dir, nil)
		if err != nil {
			return report, err
		}
		trigger := storage.TriggerTest
		if opts.Live {
			trigger = storage.TriggerAuto
		}
		escalator = arbiter.EscalatorFunc(func(ctx context.Context, e arbiter.Escalation) error {
			summary, err := dispatcher.Escalate(ctx, dispatch.Request{
				Subject:  e.Subject,
				Location: e.Location,
				Trigger:  trigger,
				Notes:    fmt.Sprintf("simulated %s rhythm", opts.Rhythm),
				Window:   e.Window,
				Risk:     e.Assessment,
			})
			if err != nil {
				return err
			}
			mu.Lock()
			escalations++
			alerts = append(alerts, summary)
			mu.Unlock()
			return nil
		})
	} else {
		escalator = arbiter.EscalatorFunc(func(_ context.Context, e arbiter.Escalation) error {
			mu.Lock()
			escalations++
			mu.Unlock()
			a.Logger.Warn().
				Str("subject", e.Subject).
				Float64("st_percent", e.Assessment.STPercent).
				Msg("countdown completed; dispatch disabled for this run")
			return nil
		})
	}

	broker := stream.NewBroker[monitor.Frame](stream.WithBuffer(len(windows)))
	defer broker.Close()
	hub := monitor.NewHub(broker, a.newAnalyzer(nil), escalator, policy, monitor.WithLogger(a.Logger))
	defer func() { _ = hub.Shutdown(context.WithoutCancel(ctx)) }()

	session, _, err := hub.Start(ctx, opts.Subject, opts.Location)
	if err != nil {
		return report, err
	}

	pace := time.Duration(float64(opts.Window) / opts.Speed)
	a.Logger.Info().
		Str("subject", opts.Subject).
		Str("rhythm", string(opts.Rhythm)).
		Int("windows", len(windows)).
		Dur("pace", pace).
		Msg("simulation started")

	ticker := time.NewTicker(pace)
	defer ticker.Stop()
	for _, w := range windows {
		w.StartedAt = time.Now().UTC()
		dropped, err := hub.Publish(opts.Subject, w, nil)
		if err != nil {
			return report, err
		}
		report.Windows++
		if dropped {
			report.Dropped++
		}
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		case <-ticker.C:
		}
	}

	// Let a running countdown finish before reporting.
	deadline := time.Now().Add(policy.Sustain + policy.Countdown + 2*policy.Tick)
	for {
		view, err := session.Snapshot(ctx)
		if err != nil {
			return report, err
		}
		report.FinalState = view.Arbiter.State
		if view.Windows >= uint64(report.Windows-report.Dropped) &&
			view.Arbiter.State != arbiter.StateSustaining && view.Arbiter.State != arbiter.StateArmed {
			break
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		case <-time.After(policy.Tick):
		}
	}

	mu.Lock()
	report.Escalations = escalations
	report.Alerts = append([]*dispatch.Summary(nil), alerts...)
	mu.Unlock()

	fmt.Fprintf(a.Out, "subject %s: %d windows of %s (%d dropped), final state %s, %d escalation(s)\n",
		opts.Subject, report.Windows, opts.Rhythm, report.Dropped, report.FinalState, report.Escalations)
	for _, s := range report.Alerts {
		fmt.Fprintf(a.Out, "alert %s %s: sent=%d delivered=%d failed=%d skipped=%d\n",
			s.AlertID, s.Status, s.Tally.Sent, s.Tally.Delivered, s.Tally.Failed, s.Tally.Skipped)
	}
	return report, nil
}

func scalePolicy(p arbiter.Policy, speed float64) arbiter.Policy {
	scale := func(d time.Duration) time.Duration {
		return time.Duration(float64(d) / speed)
	}
	p.Sustain = scale(p.Sustain)
	p.Countdown = scale(p.Countdown)
	p.Tick = scale(p.Tick)
	p.Cooldown = scale(p.Cooldown)
	p.NoticeInterval = scale(p.NoticeInterval)
	return p
}
