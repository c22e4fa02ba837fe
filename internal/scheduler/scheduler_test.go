package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunImmediateAndContinuesAfterErrors(t *testing.T) {
	var calls atomic.Int32
	var mu sync.Mutex
	var failures []error

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := New(Options{
		Interval:  5 * time.Millisecond,
		Immediate: true,
		OnError: func(err error) {
			mu.Lock()
			failures = append(failures, err)
			mu.Unlock()
		},
	}, zerolog.Nop())

	errBoom := errors.New("boom")
	err := sched.Run(ctx, func(ctx context.Context) error {
		n := calls.Add(1)
		if n == 5 {
			cancel()
		}
		if n%2 == 1 {
			return errBoom
		}
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, calls.Load(), int32(5))
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, failures)
	assert.ErrorIs(t, failures[0], errBoom)
}

func TestRunUsesLiveInterval(t *testing.T) {
	var interval atomic.Int64
	interval.Store(int64(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sched := New(Options{
		Interval:     time.Hour,
		IntervalFunc: func() time.Duration { return time.Duration(interval.Load()) },
		Immediate:    true,
	}, zerolog.Nop())

	var calls atomic.Int32
	// Shrinking the interval during the first tick must apply to the next wait.
	_ = sched.Run(ctx, func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			interval.Store(int64(time.Millisecond))
		}
		if calls.Load() == 3 {
			cancel()
		}
		return nil
	})

	assert.Equal(t, int32(3), calls.Load())
	assert.ErrorIs(t, ctx.Err(), context.Canceled, "run must finish before the deadline")
}

func TestRunStopsDuringStartupDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sched := New(Options{Interval: time.Second, StartupDelay: time.Hour}, zerolog.Nop())
	err := sched.Run(ctx, func(context.Context) error {
		t.Fatal("tick must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNextTickWaitsFullIntervalAfterOverrun(t *testing.T) {
	sched := New(Options{Interval: 100 * time.Millisecond}, zerolog.Nop())
	start := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	// A tick that fits its slot keeps the fixed rate.
	assert.Equal(t, start.Add(100*time.Millisecond), sched.nextTick(start, start.Add(30*time.Millisecond)))

	// An overrunning tick is followed by a full interval from when it finished.
	finished := start.Add(150 * time.Millisecond)
	assert.Equal(t, finished.Add(100*time.Millisecond), sched.nextTick(start, finished))
}

func TestRunWaitsAfterSlowFailingTick(t *testing.T) {
	const interval = 40 * time.Millisecond
	const work = 60 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := New(Options{
		Interval:  interval,
		Immediate: true,
		OnError:   func(error) {},
	}, zerolog.Nop())

	var starts []time.Time
	err := sched.Run(ctx, func(ctx context.Context) error {
		starts = append(starts, time.Now())
		if len(starts) == 4 {
			cancel()
			return nil
		}
		time.Sleep(work)
		return errors.New("read timeout")
	})
	assert.ErrorIs(t, err, context.Canceled)

	require.Len(t, starts, 4)
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		assert.GreaterOrEqual(t, gap, work+interval, "tick %d started without waiting an interval", i+1)
	}
}

func TestRunRescheduleWakesLongWait(t *testing.T) {
	var interval atomic.Int64
	interval.Store(int64(time.Hour))
	wake := make(chan struct{}, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sched := New(Options{
		Interval:     time.Hour,
		IntervalFunc: func() time.Duration { return time.Duration(interval.Load()) },
		Reschedule:   wake,
		Immediate:    true,
	}, zerolog.Nop())

	var calls atomic.Int32
	_ = sched.Run(ctx, func(ctx context.Context) error {
		switch calls.Add(1) {
		case 1:
			// Shrink after the tick; the hour-long wait has already been planned.
			go func() {
				time.Sleep(20 * time.Millisecond)
				interval.Store(int64(10 * time.Millisecond))
				wake <- struct{}{}
			}()
		case 2:
			cancel()
		}
		return nil
	})

	assert.Equal(t, int32(2), calls.Load())
	assert.ErrorIs(t, ctx.Err(), context.Canceled, "run must finish before the deadline")
}

func TestNewPanicsOnInvalidInterval(t *testing.T) {
	assert.Panics(t, func() { New(Options{}, zerolog.Nop()) })
}
