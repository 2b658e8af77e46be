package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ecg-sentinel/internal/arbiter"
	"ecg-sentinel/internal/signal"
	"ecg-sentinel/internal/stream"
)

// Session is the analysis loop of one subject.
type Session struct {
	subject  string
	arb      *arbiter.Arbiter
	sub      *stream.Subscription[Frame]
	analyzer Assessor
	logger   zerolog.Logger
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	started  time.Time

	mu       sync.Mutex
	last     signal.Assessment
	lastAt   time.Time
	windows  uint64
	analyzed bool
}

// View is the externally visible state of a session.
type View struct {
	Subject   string             `json:"subject"`
	StartedAt time.Time          `json:"started_at"`
	Windows   uint64             `json:"windows"`
	Last      *signal.Assessment `json:"last_assessment,omitempty"`
	LastAt    time.Time          `json:"last_at,omitempty"`
	Arbiter   arbiter.Snapshot   `json:"arbiter"`
}

// Subject returns the monitored subject id.
func (s *Session) Subject() string {
	return s.subject
}

// Cancel aborts a pending escalation.
func (s *Session) Cancel(ctx context.Context) (bool, error) {
	return s.arb.Cancel(ctx)
}

// Snapshot combines the arbiter state with the latest assessment.
func (s *Session) Snapshot(ctx context.Context) (View, error) {
	s.mu.Lock()
	v := View{
		Subject:   s.subject,
		StartedAt: s.started,
		Windows:   s.windows,
		LastAt:    s.lastAt,
	}
	if s.analyzed {
		last := s.last
		v.Last = &last
	}
	s.mu.Unlock()

	snap, err := s.arb.Snapshot(ctx)
	if err != nil {
		return View{}, err
	}
	v.Arbiter = snap
	return v, nil
}

// Done is closed once the session loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-s.sub.C():
			if !ok {
				return
			}
			s.handle(ctx, frame)
		}
	}
}

func (s *Session) handle(ctx context.Context, frame Frame) {
	if frame.Location != nil {
		if err := s.arb.SetLocation(ctx, *frame.Location); err != nil {
			s.logger.Warn().Err(err).Msg("location update dropped")
		}
	}

	assessment := s.analyzer.Assess(ctx, frame.Window)
	at := frame.ReceivedAt
	if at.IsZero() {
		at = s.now()
	}

	s.mu.Lock()
	s.last = assessment
	s.lastAt = at
	s.windows++
	s.analyzed = true
	s.mu.Unlock()

	err := s.arb.Observe(ctx, arbiter.Observation{Window: frame.Window, Assessment: assessment, At: at})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn().Err(err).Msg("observation dropped")
	}
}

func (s *Session) stop(ctx context.Context) error {
	s.sub.Close()
	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-s.arb.Done():
		s.logger.Info().Msg("monitoring stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
