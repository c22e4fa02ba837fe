package archive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meterwatch/internal/config"
	"meterwatch/internal/measurement"
)

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]measurement.Sample
	err     error
}

func (f *fakeWriter) WriteSamples(_ context.Context, samples []measurement.Sample) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.batches = append(f.batches, append([]measurement.Sample(nil), samples...))
	return int64(len(samples)), nil
}

func (f *fakeWriter) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func (f *fakeWriter) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make([]int, len(f.batches))
	for i, b := range f.batches {
		sizes[i] = len(b)
	}
	return sizes
}

var t0 = time.Date(2025, 12, 19, 11, 0, 0, 0, time.UTC)

func sampleAt(i int) measurement.Sample {
	return measurement.Sample{
		Timestamp: t0.Add(time.Duration(i) * time.Second),
		Reading:   measurement.Reading{Voltage: 5, Current: float64(i)},
	}
}

func TestSinkFlushesFullBatchesAndDrainsOnStop(t *testing.T) {
	w := &fakeWriter{}
	sink := NewSink(w, SinkOptions{BatchSize: 3, FlushInterval: time.Hour, QueueSize: 16}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sink.Run(ctx) }()

	for i := 0; i < 7; i++ {
		sink.Observe(sampleAt(i))
	}
	require.Eventually(t, func() bool { return w.total() >= 6 }, 2*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 7, w.total())
	assert.Equal(t, []int{3, 3, 1}, w.batchSizes())
	assert.Equal(t, uint64(7), sink.Written())
	assert.Equal(t, uint64(0), sink.Dropped())
}

func TestSinkFlushesOnInterval(t *testing.T) {
	w := &fakeWriter{}
	sink := NewSink(w, SinkOptions{BatchSize: 100, FlushInterval: 10 * time.Millisecond, QueueSize: 16}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sink.Run(ctx) }()

	sink.Observe(sampleAt(0))
	sink.Observe(sampleAt(1))
	assert.Eventually(t, func() bool { return w.total() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestSinkDropsWhenQueueFull(t *testing.T) {
	w := &fakeWriter{}
	sink := NewSink(w, SinkOptions{BatchSize: 10, QueueSize: 2}, zerolog.Nop())

	for i := 0; i < 5; i++ {
		sink.Observe(sampleAt(i))
	}
	assert.Equal(t, 2, sink.Depth())
	assert.Equal(t, uint64(3), sink.Dropped())
}

func TestSinkCountsFailedBatches(t *testing.T) {
	w := &fakeWriter{err: errors.New("connection refused")}
	sink := NewSink(w, SinkOptions{BatchSize: 2, FlushInterval: time.Hour, QueueSize: 8}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sink.Run(ctx) }()

	for i := 0; i < 4; i++ {
		sink.Observe(sampleAt(i))
	}
	require.Eventually(t, func() bool { return sink.Failed() == 4 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, uint64(0), sink.Written())
}

func TestStoreWithoutPool(t *testing.T) {
	var s *Store
	_, err := s.WriteSamples(context.Background(), []measurement.Sample{sampleAt(0)})
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, s.EnsureSchema(context.Background()), ErrNotConfigured)
	_, err = s.CountSamples(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = NewStore(nil, "sim://").InsertAlert(context.Background(), AlertRecord{})
	assert.ErrorIs(t, err, ErrNotConfigured)
	s.Close()
}

func TestSampleRowMatchesColumns(t *testing.T) {
	local := time.FixedZone("CET", 3600)
	s := measurement.Sample{
		Timestamp: time.Date(2025, 12, 19, 12, 0, 0, 0, local),
		Reading: measurement.Reading{
			Voltage: 5.1, Current: 0.5, Power: 2.55, Resistance: 10.2, Temperature: 27,
			EnergyGroup0MAh: 1, EnergyGroup0MWh: 2, EnergyGroup1MAh: 3, EnergyGroup1MWh: 4,
		},
	}
	row := sampleRow("sim://tc66c", s)
	require.Len(t, row, len(sampleColumns))
	assert.Equal(t, time.Date(2025, 12, 19, 11, 0, 0, 0, time.UTC), row[0])
	assert.Equal(t, "sim://tc66c", row[1])
	assert.Equal(t, 5.1, row[2])
	assert.Equal(t, 4.0, row[10])
}

func TestNewPoolRequiresDSN(t *testing.T) {
	_, err := NewPool(context.Background(), config.ArchiveConfig{})
	assert.Error(t, err)
	_, err = NewPool(context.Background(), config.ArchiveConfig{DSN: "::not a dsn::"})
	assert.Error(t, err)
}
