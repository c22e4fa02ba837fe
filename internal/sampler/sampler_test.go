package sampler

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"meterwatch/internal/measurement"
	"meterwatch/internal/window"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) Open(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockSource) Poll(ctx context.Context) (measurement.Reading, error) {
	args := m.Called(ctx)
	return args.Get(0).(measurement.Reading), args.Error(1)
}

func (m *mockSource) Close() error {
	return m.Called().Error(0)
}

type recordingObserver struct {
	mu      sync.Mutex
	samples []measurement.Sample
}

func (o *recordingObserver) Observe(s measurement.Sample) {
	o.mu.Lock()
	o.samples = append(o.samples, s)
	o.mu.Unlock()
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.samples)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

var base = time.Date(2025, 12, 19, 11, 0, 0, 0, time.UTC)

func TestStepAppendsAndNotifies(t *testing.T) {
	src := new(mockSource)
	src.On("Poll", mock.Anything).Return(measurement.Reading{Voltage: 5, Current: 1, Power: 5}, nil)

	store := window.New(window.Options{Retention: time.Minute})
	clock := &fakeClock{t: base}
	obs := &recordingObserver{}

	s, err := New(src, store, Options{Interval: time.Second, Now: clock.Now}, nil, zerolog.Nop(), obs)
	require.NoError(t, err)

	require.NoError(t, s.Step(context.Background()))
	latest, ok := store.Latest()
	require.True(t, ok)
	assert.Equal(t, base, latest.Timestamp)
	assert.Equal(t, 5.0, latest.Power)
	assert.Equal(t, 1, obs.count())
	assert.NoError(t, s.LastError())
	src.AssertExpectations(t)
}

func TestStepPollFailureLeavesStoreUntouched(t *testing.T) {
	src := new(mockSource)
	errMeter := errors.New("usb stall")
	src.On("Poll", mock.Anything).Return(measurement.Reading{}, errMeter)

	store := window.New(window.Options{Retention: time.Minute})

	var reported []error
	s, err := New(src, store, Options{
		Interval:    time.Second,
		OnPollError: func(err error) { reported = append(reported, err) },
	}, nil, zerolog.Nop())
	require.NoError(t, err)

	err = s.Step(context.Background())
	assert.ErrorIs(t, err, errMeter)
	assert.Equal(t, 0, store.Size())
	assert.ErrorIs(t, s.LastError(), errMeter)
	require.Len(t, reported, 1)

	total, failed := s.Polls()
	assert.Equal(t, uint64(1), total)
	assert.Equal(t, uint64(1), failed)
}

func TestStepRejectsNonFiniteReading(t *testing.T) {
	src := new(mockSource)
	src.On("Poll", mock.Anything).Return(measurement.Reading{Voltage: 5, Current: math.NaN()}, nil)

	store := window.New(window.Options{Retention: time.Minute})
	s, err := New(src, store, Options{Interval: time.Second}, nil, zerolog.Nop())
	require.NoError(t, err)

	assert.Error(t, s.Step(context.Background()))
	assert.Equal(t, 0, store.Size())
	_, failed := s.Polls()
	assert.Equal(t, uint64(1), failed)
}

func TestStepSweepsEveryNAppends(t *testing.T) {
	src := new(mockSource)
	src.On("Poll", mock.Anything).Return(measurement.Reading{Voltage: 5}, nil)

	store := window.New(window.Options{Retention: 5 * time.Second})
	clock := &fakeClock{t: base}

	s, err := New(src, store, Options{Interval: time.Second, EvictEvery: 10, Now: clock.Now}, nil, zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 9; i++ {
		require.NoError(t, s.Step(ctx))
		clock.Advance(time.Second)
	}
	// Nine appends spanning 8s: nothing swept yet.
	assert.Equal(t, 9, store.Size())

	require.NoError(t, s.Step(ctx))
	// The tenth append at 9s triggers a sweep keeping samples at or after 4s.
	assert.Equal(t, 6, store.Size())
	oldest, ok := store.Oldest()
	require.True(t, ok)
	assert.Equal(t, base.Add(4*time.Second), oldest)
}

func TestStepSweepsOnElapsedTime(t *testing.T) {
	src := new(mockSource)
	src.On("Poll", mock.Anything).Return(measurement.Reading{Voltage: 5}, nil)

	store := window.New(window.Options{Retention: 2 * time.Second})
	clock := &fakeClock{t: base}

	s, err := New(src, store, Options{Interval: time.Second, EvictInterval: 3 * time.Second, Now: clock.Now}, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 0, s.evictEvery, "time-based sweeping alone must not enable the count trigger")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Step(ctx))
		clock.Advance(time.Second)
	}
	assert.Equal(t, 3, store.Size())

	require.NoError(t, s.Step(ctx))
	assert.Equal(t, 3, store.Size(), "sweep at 3s keeps samples from 1s")
}

func TestStepDropsOutOfOrderSample(t *testing.T) {
	src := new(mockSource)
	src.On("Poll", mock.Anything).Return(measurement.Reading{Voltage: 5}, nil)

	store := window.New(window.Options{Retention: time.Minute})
	clock := &fakeClock{t: base}
	obs := &recordingObserver{}

	s, err := New(src, store, Options{Interval: time.Second, Now: clock.Now}, nil, zerolog.Nop(), obs)
	require.NoError(t, err)

	require.NoError(t, s.Step(context.Background()))
	clock.Set(base.Add(-time.Second))
	require.NoError(t, s.Step(context.Background()))

	assert.Equal(t, 1, store.Size())
	assert.Equal(t, 1, obs.count())
	assert.Equal(t, int64(1), store.RejectedTotal())
}

func TestSetInterval(t *testing.T) {
	store := window.New(window.Options{})
	s, err := New(new(mockSource), store, Options{Interval: time.Second}, nil, zerolog.Nop())
	require.NoError(t, err)

	assert.ErrorIs(t, s.SetInterval(0), ErrInvalidInterval)
	assert.ErrorIs(t, s.SetInterval(-time.Second), ErrInvalidInterval)
	require.NoError(t, s.SetInterval(250*time.Millisecond))
	assert.Equal(t, 250*time.Millisecond, s.Interval())
	assert.Len(t, s.wake, 1)

	// Repeated or unchanged updates never block on the wake signal.
	require.NoError(t, s.SetInterval(time.Second))
	require.NoError(t, s.SetInterval(time.Second))
	assert.Len(t, s.wake, 1)
}

func TestNewValidation(t *testing.T) {
	store := window.New(window.Options{})

	_, err := New(nil, store, Options{Interval: time.Second}, nil, zerolog.Nop())
	assert.Error(t, err)
	_, err = New(new(mockSource), nil, Options{Interval: time.Second}, nil, zerolog.Nop())
	assert.Error(t, err)
	_, err = New(new(mockSource), store, Options{}, nil, zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidInterval)
	_, err = New(new(mockSource), store, Options{Interval: time.Second, EvictEvery: -1}, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestRunReportsInitFailure(t *testing.T) {
	src := new(mockSource)
	errOpen := errors.New("no such device")
	src.On("Open", mock.Anything).Return(errOpen)

	store := window.New(window.Options{})
	s, err := New(src, store, Options{Interval: time.Second}, nil, zerolog.Nop())
	require.NoError(t, err)

	err = s.Run(context.Background())
	assert.ErrorIs(t, err, ErrSourceInit)
	assert.ErrorIs(t, err, errOpen)
	assert.False(t, s.Running())
	src.AssertNotCalled(t, "Poll", mock.Anything)
	src.AssertNotCalled(t, "Close")
}

func TestRunStopsCleanlyOnCancel(t *testing.T) {
	src := new(mockSource)
	src.On("Open", mock.Anything).Return(nil)
	src.On("Close").Return(nil)
	src.On("Poll", mock.Anything).Return(measurement.Reading{Voltage: 5, Current: 0.2, Power: 1}, nil)

	store := window.New(window.Options{Retention: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs := &recordingObserver{}
	var clockMu sync.Mutex
	tick := base
	now := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		tick = tick.Add(time.Millisecond)
		return tick
	}

	s, err := New(src, store, Options{Interval: time.Millisecond, Now: now}, nil, zerolog.Nop(), obs)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return obs.count() >= 3 }, 2*time.Second, time.Millisecond)
	assert.True(t, s.Running())
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sampler did not stop")
	}
	assert.False(t, s.Running())
	assert.GreaterOrEqual(t, store.Size(), 3)
	src.AssertCalled(t, "Close")
}

// slowFailingSource times out on every poll after a delay longer than the poll interval.
type slowFailingSource struct {
	delay time.Duration

	mu     sync.Mutex
	starts []time.Time
}

func (s *slowFailingSource) Open(context.Context) error { return nil }
func (s *slowFailingSource) Close() error               { return nil }

func (s *slowFailingSource) Poll(ctx context.Context) (measurement.Reading, error) {
	s.mu.Lock()
	s.starts = append(s.starts, time.Now())
	s.mu.Unlock()
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
	}
	return measurement.Reading{}, errors.New("read timeout")
}

func (s *slowFailingSource) pollStarts() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.starts...)
}

func TestRunWaitsIntervalAfterSlowPollFailure(t *testing.T) {
	const interval = 100 * time.Millisecond
	src := &slowFailingSource{delay: 150 * time.Millisecond}
	store := window.New(window.Options{Retention: time.Minute})

	s, err := New(src, store, Options{Interval: interval}, nil, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 1200*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	starts := src.pollStarts()
	require.GreaterOrEqual(t, len(starts), 3)
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		assert.GreaterOrEqual(t, gap, src.delay+interval, "poll %d retried without waiting the interval", i+1)
	}
	assert.Equal(t, 0, store.Size())
	assert.Error(t, s.LastError())
}

func TestRunAppliesShorterIntervalWithoutFinishingWait(t *testing.T) {
	src := new(mockSource)
	src.On("Open", mock.Anything).Return(nil)
	src.On("Close").Return(nil)
	src.On("Poll", mock.Anything).Return(measurement.Reading{Voltage: 5}, nil)

	store := window.New(window.Options{Retention: time.Minute})
	obs := &recordingObserver{}
	s, err := New(src, store, Options{Interval: time.Hour}, nil, zerolog.Nop(), obs)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return obs.count() == 1 }, 2*time.Second, time.Millisecond)
	require.NoError(t, s.SetInterval(10*time.Millisecond))
	require.Eventually(t, func() bool { return obs.count() >= 3 }, 2*time.Second, time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
