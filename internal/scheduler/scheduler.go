// Package scheduler runs periodic maintenance jobs such as alert retention
// sweeps.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// JobFunc is invoked once per interval. slot is the start of the interval the
// run belongs to.
type JobFunc func(ctx context.Context, slot time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Name     string
	Interval time.Duration
	// AlignToBucket fires on wall-clock multiples of Interval instead of
	// Interval after start.
	AlignToBucket bool
	StartupDelay  time.Duration
}

// Scheduler drives periodic execution of a single job.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Scheduler. It panics on a non-positive interval.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.Name == "" {
		opts.Name = "job"
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Str("job", opts.Name).Logger(),
		now:    time.Now,
	}
}

// Run blocks, invoking job at each interval until ctx is cancelled. Job
// errors are logged and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context, job JobFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	next := s.nextRun(s.now().UTC())
	for {
		delay := next.Sub(s.now())
		if delay < 0 {
			next = s.nextRun(s.now().UTC())
			delay = next.Sub(s.now())
		}
		s.logger.Debug().Time("next_run", next).Msg("waiting for next run")
		if err := sleep(ctx, delay); err != nil {
			return err
		}

		slot := s.slotStart(next)
		started := s.now()
		if err := job(ctx, slot); err != nil {
			s.logger.Error().Err(err).Time("slot", slot).Msg("scheduled job failed")
		} else {
			s.logger.Debug().Time("slot", slot).Dur("took", s.now().Sub(started)).Msg("scheduled job finished")
		}

		next = next.Add(s.opts.Interval)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) nextRun(now time.Time) time.Time {
	if !s.opts.AlignToBucket {
		return now.Add(s.opts.Interval)
	}
	slot := now.Truncate(s.opts.Interval)
	if !slot.After(now) {
		slot = slot.Add(s.opts.Interval)
	}
	return slot
}

func (s *Scheduler) slotStart(t time.Time) time.Time {
	if !s.opts.AlignToBucket {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
