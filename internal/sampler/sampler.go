package sampler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/rs/zerolog"

	"meterwatch/internal/measurement"
	"meterwatch/internal/scheduler"
	"meterwatch/internal/source"
	"meterwatch/internal/window"
)

// DefaultEvictEvery is the number of accepted samples between retention sweeps.
const DefaultEvictEvery = 10

var (
	// ErrSourceInit is returned by Run when the meter could not be opened.
	ErrSourceInit = errors.New("meter source initialisation failed")
	// ErrInvalidInterval rejects non-positive poll intervals.
	ErrInvalidInterval = errors.New("poll interval must be positive")
)

// Observer receives every accepted sample. Implementations must not block.
type Observer interface {
	Observe(sample measurement.Sample)
}

// Recorder captures sampler telemetry.
type Recorder interface {
	ObservePoll(d time.Duration, err error)
	SetRunning(running bool)
}

type nopRecorder struct{}

func (nopRecorder) ObservePoll(time.Duration, error) {}
func (nopRecorder) SetRunning(bool)                  {}

// Options tune the sampling loop.
type Options struct {
	Interval time.Duration
	// EvictEvery prunes the store after this many accepted samples.
	EvictEvery int
	// EvictInterval additionally prunes when this much time passed since the last sweep.
	EvictInterval time.Duration
	StartupDelay  time.Duration
	Now           func() time.Time
	OnPollError   func(err error)
}

// Sampler polls a meter at a fixed cadence and appends stamped samples to the store.
type Sampler struct {
	source    source.Source
	store     *window.Store
	observers []Observer
	recorder  Recorder
	logger    zerolog.Logger

	evictEvery    int
	evictInterval time.Duration
	startupDelay  time.Duration
	now           func() time.Time
	onPollError   func(err error)

	interval atomic.Int64
	wake     chan struct{}
	running  atomic.Bool

	mu              sync.Mutex
	lastErr         error
	latency         ewma.MovingAverage
	sinceEvict      int
	lastEvict       time.Time
	pollsTotal      uint64
	pollErrorsTotal uint64
}

// New wires a sampler. recorder may be nil.
func New(src source.Source, store *window.Store, opts Options, recorder Recorder, logger zerolog.Logger, observers ...Observer) (*Sampler, error) {
	if src == nil {
		return nil, errors.New("sampler needs a source")
	}
	if store == nil {
		return nil, errors.New("sampler needs a store")
	}
	if opts.Interval <= 0 {
		return nil, ErrInvalidInterval
	}
	if opts.EvictEvery < 0 || opts.EvictInterval < 0 {
		return nil, errors.New("eviction cadence must not be negative")
	}
	if opts.EvictEvery == 0 && opts.EvictInterval == 0 {
		opts.EvictEvery = DefaultEvictEvery
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	s := &Sampler{
		source:        src,
		store:         store,
		observers:     observers,
		recorder:      recorder,
		logger:        logger.With().Str("component", "sampler").Logger(),
		evictEvery:    opts.EvictEvery,
		evictInterval: opts.EvictInterval,
		startupDelay:  opts.StartupDelay,
		now:           opts.Now,
		onPollError:   opts.OnPollError,
		latency:       ewma.NewMovingAverage(),
		wake:          make(chan struct{}, 1),
	}
	s.interval.Store(int64(opts.Interval))
	return s, nil
}

// Run opens the source and polls until ctx is cancelled. Cancellation is a
// clean stop and returns nil; an open failure returns ErrSourceInit.
func (s *Sampler) Run(ctx context.Context) error {
	if err := s.source.Open(ctx); err != nil {
		s.setLastError(err)
		return fmt.Errorf("%w: %w", ErrSourceInit, err)
	}
	defer func() {
		if err := s.source.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("close meter source")
		}
	}()

	s.running.Store(true)
	s.recorder.SetRunning(true)
	defer func() {
		s.running.Store(false)
		s.recorder.SetRunning(false)
	}()

	s.mu.Lock()
	s.lastEvict = s.now()
	s.mu.Unlock()

	s.logger.Info().Dur("interval", s.Interval()).Msg("sampling started")

	sched := scheduler.New(scheduler.Options{
		Interval:     s.Interval(),
		IntervalFunc: s.Interval,
		Reschedule:   s.wake,
		StartupDelay: s.startupDelay,
		Immediate:    true,
		OnError: func(err error) {
			s.logger.Warn().Err(err).Msg("poll failed")
		},
	}, s.logger)

	err := sched.Run(ctx, s.Step)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.logger.Info().Msg("sampling stopped")
		return nil
	}
	return err
}

// Step performs one poll-append-sweep cycle. Poll failures are recorded and
// returned; the store is left untouched.
func (s *Sampler) Step(ctx context.Context) error {
	started := time.Now()
	reading, err := s.source.Poll(ctx)
	elapsed := time.Since(started)
	if err == nil {
		err = reading.Validate()
	}
	s.recorder.ObservePoll(elapsed, err)

	s.mu.Lock()
	s.pollsTotal++
	s.latency.Add(elapsed.Seconds())
	if err != nil {
		s.pollErrorsTotal++
		s.lastErr = err
	}
	s.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if s.onPollError != nil {
			s.onPollError(err)
		}
		return fmt.Errorf("poll meter: %w", err)
	}

	now := s.now()
	sample := measurement.Sample{Timestamp: now, Reading: reading}
	if err := s.store.Append(sample); err != nil {
		if errors.Is(err, window.ErrOutOfOrder) {
			s.logger.Warn().Time("timestamp", now).Msg("clock went backwards, sample dropped")
			return nil
		}
		return fmt.Errorf("append sample: %w", err)
	}

	s.mu.Lock()
	s.lastErr = nil
	s.sinceEvict++
	sweep := (s.evictEvery > 0 && s.sinceEvict >= s.evictEvery) ||
		(s.evictInterval > 0 && now.Sub(s.lastEvict) >= s.evictInterval)
	if sweep {
		s.sinceEvict = 0
		s.lastEvict = now
	}
	s.mu.Unlock()

	if sweep {
		if n := s.store.Prune(now); n > 0 {
			s.logger.Debug().Int("evicted", n).Int("retained", s.store.Size()).Msg("retention sweep")
		}
	}

	for _, o := range s.observers {
		o.Observe(sample)
	}

	s.logger.Trace().
		Float64("voltage", reading.Voltage).
		Float64("current", reading.Current).
		Float64("power", reading.Power).
		Msg("sample recorded")
	return nil
}

// Interval reports the live poll interval.
func (s *Sampler) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

// SetInterval changes the cadence. A wait in progress is cut short and the
// next poll is planned one new interval after the previous poll started.
func (s *Sampler) SetInterval(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidInterval
	}
	old := time.Duration(s.interval.Swap(int64(d)))
	if old == d {
		return nil
	}
	s.logger.Info().Dur("old", old).Dur("new", d).Msg("poll interval updated")
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Running reports whether the poll loop is active.
func (s *Sampler) Running() bool {
	return s.running.Load()
}

// LastError returns the most recent poll failure, cleared by the next accepted sample.
func (s *Sampler) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// PollLatency is the exponentially weighted average poll duration.
func (s *Sampler) PollLatency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.latency.Value() * float64(time.Second))
}

// Polls reports how many polls ran and how many of them failed.
func (s *Sampler) Polls() (total, failed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollsTotal, s.pollErrorsTotal
}

func (s *Sampler) setLastError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}
