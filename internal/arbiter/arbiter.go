package arbiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ecg-sentinel/internal/responder"
	"ecg-sentinel/internal/signal"
)

// ErrStopped is returned once the arbiter's Run loop has exited.
var ErrStopped = errors.New("arbiter: stopped")

const inboxSize = 64

// Observation is one analyzed window.
type Observation struct {
	Window     signal.SampleWindow
	Assessment signal.Assessment
	At         time.Time
}

// Escalation is handed to the Escalator when a countdown completes.
type Escalation struct {
	Subject     string
	Location    responder.Location
	Window      signal.SampleWindow
	Assessment  signal.Assessment
	TriggeredAt time.Time
}

// Escalator starts the real-world response.
type Escalator interface {
	Escalate(ctx context.Context, e Escalation) error
}

// EscalatorFunc adapts a function to Escalator.
type EscalatorFunc func(ctx context.Context, e Escalation) error

// Escalate implements Escalator.
func (f EscalatorFunc) Escalate(ctx context.Context, e Escalation) error {
	return f(ctx, e)
}

// Hooks observe arbiter events. All callbacks are optional.
type Hooks struct {
	OnTransition func(subject string, from, to State)
	OnFire       func(subject string)
	OnNotice     func(subject string, a signal.Assessment)
	OnCancel     func(subject string)
	OnError      func(subject string, err error)
}

// Snapshot is the externally visible state of one subject.
type Snapshot struct {
	Status

	Subject    string             `json:"subject"`
	Policy     Policy             `json:"policy"`
	STPercent  float64            `json:"st_percent"`
	RiskLevel  signal.RiskLevel   `json:"risk_level"`
	Patterns   []signal.Pattern   `json:"patterns"`
	ObservedAt time.Time          `json:"observed_at,omitempty"`
	Location   responder.Location `json:"location"`
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Arbiter) {
		a.logger = logger
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Arbiter) {
		if now != nil {
			a.now = now
		}
	}
}

// WithHooks installs event callbacks.
func WithHooks(h Hooks) Option {
	return func(a *Arbiter) {
		a.hooks = h
	}
}

// WithLocation sets the initial subject location.
func WithLocation(loc responder.Location) Option {
	return func(a *Arbiter) {
		a.location = loc
	}
}

type (
	observeMsg  struct{ obs Observation }
	tickMsg     struct{ episode uint64 }
	cancelMsg   struct{ reply chan bool }
	snapshotMsg struct{ reply chan Snapshot }
	locationMsg struct{ loc responder.Location }
)

// Arbiter owns the escalation state of one subject. Every event goes through
// the inbox and is applied by the Run goroutine.
type Arbiter struct {
	subject   string
	escalator Escalator
	logger    zerolog.Logger
	hooks     Hooks
	now       func() time.Time

	inbox chan any
	done  chan struct{}

	// owned by Run
	machine   *Machine
	latest    Observation
	location  responder.Location
	stopTimer context.CancelFunc
}

// New constructs an Arbiter for subject. Call Run to start it.
func New(subject string, policy Policy, escalator Escalator, opts ...Option) *Arbiter {
	a := &Arbiter{
		subject:   subject,
		escalator: escalator,
		logger:    zerolog.Nop(),
		now:       time.Now,
		inbox:     make(chan any, inboxSize),
		done:      make(chan struct{}),
		machine:   NewMachine(policy),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With().Str("component", "arbiter").Str("subject", subject).Logger()
	return a
}

// Subject returns the subject id.
func (a *Arbiter) Subject() string {
	return a.subject
}

// Done is closed when Run returns.
func (a *Arbiter) Done() <-chan struct{} {
	return a.done
}

// Run processes events until ctx is cancelled.
func (a *Arbiter) Run(ctx context.Context) error {
	defer close(a.done)
	defer a.stopCountdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-a.inbox:
			a.handle(ctx, msg)
		}
	}
}

// Observe queues an observation.
func (a *Arbiter) Observe(ctx context.Context, obs Observation) error {
	return a.send(ctx, observeMsg{obs: obs})
}

// SetLocation updates the coordinates used for the next escalation.
func (a *Arbiter) SetLocation(ctx context.Context, loc responder.Location) error {
	return a.send(ctx, locationMsg{loc: loc})
}

// Cancel aborts a sustaining or armed episode. It reports whether anything
// was cancelled.
func (a *Arbiter) Cancel(ctx context.Context) (bool, error) {
	reply := make(chan bool, 1)
	if err := a.send(ctx, cancelMsg{reply: reply}); err != nil {
		return false, err
	}
	select {
	case ok := <-reply:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-a.done:
		return false, ErrStopped
	}
}

// Snapshot returns the current state.
func (a *Arbiter) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := a.send(ctx, snapshotMsg{reply: reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-a.done:
		return Snapshot{}, ErrStopped
	}
}

func (a *Arbiter) send(ctx context.Context, msg any) error {
	select {
	case <-a.done:
		return ErrStopped
	default:
	}
	select {
	case a.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return ErrStopped
	}
}

func (a *Arbiter) handle(ctx context.Context, msg any) {
	now := a.now()
	switch m := msg.(type) {
	case observeMsg:
		a.latest = m.obs
		d := a.machine.Observe(now, m.obs.Assessment.STPercent)
		a.apply(ctx, now, d)
	case tickMsg:
		d := a.machine.Tick(now, m.episode)
		if d.Stale {
			return
		}
		a.apply(ctx, now, d)
	case cancelMsg:
		d := a.machine.Cancel(now)
		a.apply(ctx, now, d)
		if d.Cancelled {
			a.logger.Info().Str("from", string(d.From)).Msg("escalation cancelled")
			if a.hooks.OnCancel != nil {
				a.hooks.OnCancel(a.subject)
			}
		}
		m.reply <- d.Cancelled
	case snapshotMsg:
		m.reply <- a.snapshot(now)
	case locationMsg:
		a.location = m.loc
	default:
		a.logger.Error().Str("type", fmt.Sprintf("%T", msg)).Msg("unknown arbiter message")
	}
}

func (a *Arbiter) apply(ctx context.Context, now time.Time, d Decision) {
	if d.Disarm {
		a.stopCountdown()
	}
	if d.Changed() {
		a.logger.Debug().Str("from", string(d.From)).Str("to", string(d.To)).Msg("state transition")
		if a.hooks.OnTransition != nil {
			a.hooks.OnTransition(a.subject, d.From, d.To)
		}
	}
	if d.Notice {
		a.logger.Warn().
			Float64("st_percent", a.latest.Assessment.STPercent).
			Str("risk", string(a.latest.Assessment.RiskLevel)).
			Msg("sustained ST elevation; local attention requested")
		if a.hooks.OnNotice != nil {
			a.hooks.OnNotice(a.subject, a.latest.Assessment)
		}
	}
	if d.Arm {
		a.logger.Warn().Dur("countdown", d.Remaining).Uint64("episode", d.Episode).Msg("escalation armed")
		a.startCountdown(ctx, d.Episode)
	}
	if d.Fire {
		a.fire(ctx, now)
	}
}

func (a *Arbiter) startCountdown(ctx context.Context, episode uint64) {
	a.stopCountdown()

	tick := a.machine.Policy().Tick
	cctx, cancel := context.WithCancel(ctx)
	a.stopTimer = cancel

	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-cctx.Done():
				return
			case <-ticker.C:
				select {
				case a.inbox <- tickMsg{episode: episode}:
				case <-cctx.Done():
					return
				}
			}
		}
	}()
}

func (a *Arbiter) stopCountdown() {
	if a.stopTimer != nil {
		a.stopTimer()
		a.stopTimer = nil
	}
}

func (a *Arbiter) fire(ctx context.Context, now time.Time) {
	esc := Escalation{
		Subject:     a.subject,
		Location:    a.location,
		Window:      a.latest.Window.Clone(),
		Assessment:  a.latest.Assessment,
		TriggeredAt: now,
	}
	a.logger.Error().
		Float64("st_percent", esc.Assessment.STPercent).
		Str("risk", string(esc.Assessment.RiskLevel)).
		Msg("escalating")
	if a.hooks.OnFire != nil {
		a.hooks.OnFire(a.subject)
	}
	if a.escalator == nil {
		return
	}

	// dispatch outlives the monitoring session
	detached := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				a.report(fmt.Errorf("escalator panic: %v", r))
			}
		}()
		if err := a.escalator.Escalate(detached, esc); err != nil {
			a.report(err)
		}
	}()
}

func (a *Arbiter) report(err error) {
	a.logger.Error().Err(err).Msg("escalation failed")
	if a.hooks.OnError != nil {
		a.hooks.OnError(a.subject, err)
	}
}

func (a *Arbiter) snapshot(now time.Time) Snapshot {
	patterns := append([]signal.Pattern(nil), a.latest.Assessment.Patterns...)
	if patterns == nil {
		patterns = []signal.Pattern{}
	}
	return Snapshot{
		Subject:    a.subject,
		Status:     a.machine.Status(now),
		Policy:     a.machine.Policy(),
		STPercent:  a.latest.Assessment.STPercent,
		RiskLevel:  a.latest.Assessment.RiskLevel,
		Patterns:   patterns,
		ObservedAt: a.latest.At,
		Location:   a.location,
	}
}
