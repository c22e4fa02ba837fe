package archive

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"meterwatch/internal/measurement"
)

// flushTimeout bounds one batch write, including the final one at shutdown.
const flushTimeout = 10 * time.Second

// SampleWriter persists a batch of samples.
type SampleWriter interface {
	WriteSamples(ctx context.Context, samples []measurement.Sample) (int64, error)
}

// SinkOptions tune batching.
type SinkOptions struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
}

// Sink buffers accepted samples and copies them out in batches. Observe never
// blocks the sampler: when the queue is full the sample is dropped and counted.
type Sink struct {
	writer SampleWriter
	opts   SinkOptions
	logger zerolog.Logger
	queue  chan measurement.Sample

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewSink wires a batching sink in front of writer.
func NewSink(writer SampleWriter, opts SinkOptions, logger zerolog.Logger) *Sink {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 10 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	return &Sink{
		writer: writer,
		opts:   opts,
		logger: logger.With().Str("component", "archive").Logger(),
		queue:  make(chan measurement.Sample, opts.QueueSize),
	}
}

// Observe enqueues a sample without blocking.
func (s *Sink) Observe(sample measurement.Sample) {
	select {
	case s.queue <- sample:
	default:
		if s.dropped.Add(1)%100 == 1 {
			s.logger.Warn().Uint64("dropped", s.dropped.Load()).Msg("archive queue full, dropping samples")
		}
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (s *Sink) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]measurement.Sample, 0, s.opts.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		writeCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()

		n, err := s.writer.WriteSamples(writeCtx, batch)
		s.written.Add(uint64(n))
		if err != nil {
			s.failed.Add(uint64(len(batch)) - uint64(n))
			s.logger.Error().Err(err).Int("batch", len(batch)).Msg("archive write failed")
		} else {
			s.logger.Debug().Int64("rows", n).Msg("archive batch written")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case sample := <-s.queue:
					batch = append(batch, sample)
					if len(batch) >= s.opts.BatchSize {
						flush()
					}
				default:
					flush()
					s.logger.Info().Uint64("written", s.written.Load()).Msg("archive stopped")
					return nil
				}
			}
		case sample := <-s.queue:
			batch = append(batch, sample)
			if len(batch) >= s.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Depth reports queued samples.
func (s *Sink) Depth() int { return len(s.queue) }

// Dropped counts samples lost to a full queue.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

// Written counts rows copied out.
func (s *Sink) Written() uint64 { return s.written.Load() }

// Failed counts samples in batches that could not be written.
func (s *Sink) Failed() uint64 { return s.failed.Load() }
