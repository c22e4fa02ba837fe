package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval.
type TickFunc func(ctx context.Context) error

// Options tune scheduler behaviour.
type Options struct {
	Interval time.Duration
	// IntervalFunc, when set, is consulted before every wait so the cadence
	// can change while Run is active. Non-positive results fall back to Interval.
	IntervalFunc func() time.Duration
	// Reschedule interrupts the current wait; the next tick is then planned
	// one live interval after the previous tick started.
	Reschedule   <-chan struct{}
	StartupDelay time.Duration
	// Immediate runs the first tick without waiting a full interval.
	Immediate bool
	// OnError receives tick failures; the loop always continues.
	OnError func(err error)
}

// Scheduler drives periodic execution of a tick function.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    time.Now,
	}
}

// Run blocks, invoking tick at each interval until ctx is cancelled. A tick
// that overruns its slot is followed by a full interval wait.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	prev := s.now()
	next := prev
	if !s.opts.Immediate {
		next = prev.Add(s.interval())
	}

	for {
		if delay := next.Sub(s.now()); delay > 0 {
			timer := time.NewTimer(delay)
			s.logger.Trace().Time("next_tick", next).Msg("waiting for next tick")

			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-s.opts.Reschedule:
				timer.Stop()
				next = prev.Add(s.interval())
				s.logger.Debug().Time("next_tick", next).Msg("tick rescheduled")
				continue
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		prev = s.now()
		if err := tick(ctx); err != nil {
			s.reportError(err)
		}

		next = s.nextTick(next, s.now())
	}
}

func (s *Scheduler) reportError(err error) {
	if s.opts.OnError != nil {
		s.opts.OnError(err)
		return
	}
	s.logger.Error().Err(err).Msg("tick execution failed")
}

func (s *Scheduler) interval() time.Duration {
	if s.opts.IntervalFunc != nil {
		if d := s.opts.IntervalFunc(); d > 0 {
			return d
		}
	}
	return s.opts.Interval
}

// nextTick keeps a fixed rate while ticks fit their slot and otherwise
// restarts the cadence from finished.
func (s *Scheduler) nextTick(scheduled, finished time.Time) time.Time {
	interval := s.interval()
	next := scheduled.Add(interval)
	if next.Before(finished) {
		next = finished.Add(interval)
	}
	return next
}
