// Package monitor runs one analysis session per monitored subject.
//
// Frames published on the broker are analyzed by the session goroutine and
// handed to the subject's arbiter in arrival order.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ecg-sentinel/internal/arbiter"
	"ecg-sentinel/internal/responder"
	"ecg-sentinel/internal/signal"
	"ecg-sentinel/internal/stream"
)

// ErrNotMonitoring is returned for subjects without a running session.
var ErrNotMonitoring = errors.New("monitor: subject is not monitored")

// Frame is one ingested window. Location, when set, moves the subject.
type Frame struct {
	Subject    string
	Window     signal.SampleWindow
	Location   *responder.Location
	ReceivedAt time.Time
}

// Assessor scores a window. *signal.Analyzer satisfies it.
type Assessor interface {
	Assess(ctx context.Context, w signal.SampleWindow) signal.Assessment
}

// Hub owns the set of live sessions.
type Hub struct {
	broker    *stream.Broker[Frame]
	analyzer  Assessor
	escalator arbiter.Escalator
	policy    arbiter.Policy
	root      zerolog.Logger
	logger    zerolog.Logger
	hooks     arbiter.Hooks
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Hub) {
		h.root = logger
	}
}

// WithArbiterHooks installs callbacks on every arbiter the hub creates.
func WithArbiterHooks(hooks arbiter.Hooks) Option {
	return func(h *Hub) {
		h.hooks = hooks
	}
}

// WithClock overrides time.Now for frame timestamps and arbiters.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHub constructs a Hub.
func NewHub(broker *stream.Broker[Frame], analyzer Assessor, escalator arbiter.Escalator, policy arbiter.Policy, opts ...Option) *Hub {
	h := &Hub{
		broker:    broker,
		analyzer:  analyzer,
		escalator: escalator,
		policy:    policy,
		root:      zerolog.Nop(),
		now:       time.Now,
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.root.With().Str("component", "monitor").Logger()
	return h
}

// Start begins monitoring subject. Starting an already monitored subject
// updates its location and returns the existing session with started false.
// The session outlives ctx; use Stop to end it.
func (h *Hub) Start(ctx context.Context, subject string, loc responder.Location) (*Session, bool, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, false, errors.New("subject is required")
	}
	if err := loc.Validate(); err != nil {
		return nil, false, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.sessions[subject]; ok {
		if err := s.arb.SetLocation(ctx, loc); err != nil {
			return nil, false, err
		}
		return s, false, nil
	}

	sub, err := h.broker.Subscribe(subject)
	if err != nil {
		return nil, false, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	logger := h.logger.With().Str("subject", subject).Logger()
	arb := arbiter.New(subject, h.policy, h.escalator,
		arbiter.WithLogger(h.root),
		arbiter.WithHooks(h.hooks),
		arbiter.WithClock(h.now),
		arbiter.WithLocation(loc),
	)
	s := &Session{
		subject:  subject,
		arb:      arb,
		sub:      sub,
		analyzer: h.analyzer,
		logger:   logger,
		now:      h.now,
		cancel:   cancel,
		done:     make(chan struct{}),
		started:  h.now(),
	}
	h.sessions[subject] = s

	go func() {
		if err := arb.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("arbiter stopped")
		}
	}()
	go s.run(runCtx)

	logger.Info().Float64("lat", loc.Lat).Float64("lon", loc.Lon).Msg("monitoring started")
	return s, true, nil
}

// Stop ends the subject's session and waits for it to drain.
func (h *Hub) Stop(ctx context.Context, subject string) error {
	h.mu.Lock()
	s, ok := h.sessions[subject]
	if ok {
		delete(h.sessions, subject)
	}
	h.mu.Unlock()
	if !ok {
		return ErrNotMonitoring
	}
	return s.stop(ctx)
}

// Session returns the live session for subject.
func (h *Hub) Session(subject string) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[subject]
	if !ok {
		return nil, ErrNotMonitoring
	}
	return s, nil
}

// Subjects lists monitored subjects in lexical order.
func (h *Hub) Subjects() []string {
	h.mu.Lock()
	out := make([]string, 0, len(h.sessions))
	for subject := range h.sessions {
		out = append(out, subject)
	}
	h.mu.Unlock()
	sort.Strings(out)
	return out
}

// Publish queues a window for subject. It reports whether the frame was
// dropped because the session is behind.
func (h *Hub) Publish(subject string, w signal.SampleWindow, loc *responder.Location) (bool, error) {
	if loc != nil {
		if err := loc.Validate(); err != nil {
			return false, err
		}
	}
	frame := Frame{Subject: subject, Window: w.Clone(), Location: loc, ReceivedAt: h.now()}
	delivered, dropped := h.broker.Publish(subject, frame)
	if delivered == 0 && dropped == 0 {
		return false, ErrNotMonitoring
	}
	if dropped > 0 {
		h.logger.Warn().Str("subject", subject).Msg("session queue full; window dropped")
	}
	return dropped > 0, nil
}

// Shutdown stops every session.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for subject, s := range h.sessions {
		sessions = append(sessions, s)
		delete(h.sessions, subject)
	}
	h.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", s.subject, err))
		}
	}
	return errors.Join(errs...)
}
