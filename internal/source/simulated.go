package source

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"meterwatch/internal/measurement"
)

var (
	// ErrSimulatedFault is returned by a simulated poll configured to fail.
	ErrSimulatedFault = errors.New("simulated poll fault")
	// ErrSimulatedOpen is returned by a simulated source configured not to open.
	ErrSimulatedOpen = errors.New("simulated open failure")
)

// SimulatedOptions tune the synthetic instrument.
type SimulatedOptions struct {
	Seed      uint64
	FailEvery int
	FailOpen  bool
	Now       func() time.Time
}

// Simulated emulates a USB meter charging a load with a slowly varying current.
type Simulated struct {
	opts   SimulatedOptions
	logger zerolog.Logger

	mu     sync.Mutex
	rng    *rand.Rand
	opened bool
	polls  int
	last   time.Time
	mAh    float64
	mWh    float64
}

// NewSimulated constructs a simulated source.
func NewSimulated(opts SimulatedOptions, logger zerolog.Logger) *Simulated {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Simulated{
		opts:   opts,
		logger: logger.With().Str("component", "sim_source").Logger(),
		rng:    rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}
}

// Open marks the source ready.
func (s *Simulated) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.opts.FailOpen {
		return ErrSimulatedOpen
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = true
	s.last = s.opts.Now()
	s.logger.Debug().Uint64("seed", s.opts.Seed).Msg("simulated instrument ready")
	return nil
}

// Poll synthesises one reading.
func (s *Simulated) Poll(ctx context.Context) (measurement.Reading, error) {
	if err := ctx.Err(); err != nil {
		return measurement.Reading{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		return measurement.Reading{}, errors.New("simulated source not opened")
	}

	s.polls++
	if s.opts.FailEvery > 0 && s.polls%s.opts.FailEvery == 0 {
		return measurement.Reading{}, fmt.Errorf("%w: poll %d", ErrSimulatedFault, s.polls)
	}

	now := s.opts.Now()
	hours := now.Sub(s.last).Hours()
	if hours < 0 {
		hours = 0
	}
	s.last = now

	voltage := 5.08 + s.noise(0.02)
	current := 0.45 + 0.35*math.Sin(float64(s.polls)/30) + s.noise(0.01)
	if current < 0.001 {
		current = 0.001
	}
	power := voltage * current

	s.mAh += current * 1000 * hours
	s.mWh += power * 1000 * hours

	return measurement.Reading{
		Voltage:         voltage,
		Current:         current,
		Power:           power,
		Resistance:      voltage / current,
		Temperature:     24 + 0.8*power + s.noise(0.1),
		EnergyGroup0MAh: s.mAh,
		EnergyGroup0MWh: s.mWh,
		EnergyGroup1MAh: s.mAh,
		EnergyGroup1MWh: s.mWh,
	}, nil
}

// Close releases the simulated session.
func (s *Simulated) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = false
	return nil
}

func (s *Simulated) noise(amplitude float64) float64 {
	return (s.rng.Float64()*2 - 1) * amplitude
}

func simulatedOptionsFromURL(u *url.URL) (SimulatedOptions, error) {
	q := u.Query()
	opts := SimulatedOptions{Seed: 1}

	if raw := q.Get("seed"); raw != "" {
		seed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return SimulatedOptions{}, fmt.Errorf("invalid sim seed %q: %w", raw, err)
		}
		opts.Seed = seed
	}
	if raw := q.Get("fail_every"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return SimulatedOptions{}, fmt.Errorf("invalid sim fail_every %q", raw)
		}
		opts.FailEvery = n
	}
	if raw := q.Get("fail_open"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return SimulatedOptions{}, fmt.Errorf("invalid sim fail_open %q: %w", raw, err)
		}
		opts.FailOpen = b
	}
	return opts, nil
}

var _ Source = (*Simulated)(nil)
