package window

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"meterwatch/internal/measurement"
)

// DefaultRetention applies when Options.Retention is not positive.
const DefaultRetention = 10 * time.Minute

// compactThreshold is the smallest dead prefix worth reallocating for.
const compactThreshold = 64

var (
	// ErrOutOfOrder is returned when a sample is older than the current tail.
	ErrOutOfOrder = errors.New("window: sample older than tail")
	// ErrNoData signals an empty store or an empty query window.
	ErrNoData = errors.New("window: no data")
	// ErrInvalidRetention rejects non-positive retention windows.
	ErrInvalidRetention = errors.New("window: retention must be positive")
)

// Options configure a Store.
type Options struct {
	Retention time.Duration
	// MaxSamples caps the number of retained samples; zero disables the cap.
	MaxSamples int
}

// Stats is a consistent view of the store bounds.
type Stats struct {
	Count  int
	Oldest time.Time
	Newest time.Time
}

// Store is an ordered, time-bounded sample buffer with a single writer and
// any number of concurrent readers. Samples are appended at the tail and
// evicted from the head; every read returns a copy.
type Store struct {
	mu         sync.RWMutex
	samples    []measurement.Sample
	head       int
	retention  time.Duration
	maxSamples int

	appended atomic.Int64
	evicted  atomic.Int64
	rejected atomic.Int64
}

// New constructs an empty Store.
func New(opts Options) *Store {
	retention := opts.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	maxSamples := opts.MaxSamples
	if maxSamples < 0 {
		maxSamples = 0
	}
	return &Store{
		retention:  retention,
		maxSamples: maxSamples,
	}
}

// Append adds sample at the tail. A sample older than the tail is rejected
// and the store is left untouched.
func (s *Store) Append(sample measurement.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.samples); n > s.head {
		tail := s.samples[n-1].Timestamp
		if sample.Timestamp.Before(tail) {
			s.rejected.Add(1)
			return fmt.Errorf("%w: %s before %s", ErrOutOfOrder,
				sample.Timestamp.Format(time.RFC3339Nano), tail.Format(time.RFC3339Nano))
		}
	}

	s.samples = append(s.samples, sample)
	s.appended.Add(1)

	if s.maxSamples > 0 {
		if over := s.lenLocked() - s.maxSamples; over > 0 {
			s.dropHeadLocked(over)
		}
	}
	return nil
}

// EvictOlderThan drops samples strictly before cutoff and returns how many
// were removed.
func (s *Store) EvictOlderThan(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(cutoff)
}

// Prune enforces the retention window relative to now.
func (s *Store) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(now.Add(-s.retention))
}

// Retention returns the current retention window.
func (s *Store) Retention() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retention
}

// SetRetention replaces the retention window and evicts immediately.
func (s *Store) SetRetention(retention time.Duration, now time.Time) (int, error) {
	if retention <= 0 {
		return 0, ErrInvalidRetention
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.retention = retention
	return s.evictLocked(now.Add(-retention)), nil
}

// QueryWindow returns a copy of every sample at or after cutoff, oldest first.
func (s *Store) QueryWindow(cutoff time.Time) []measurement.Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	live := s.samples[s.head:]
	start := searchFrom(live, cutoff)

	out := make([]measurement.Sample, len(live)-start)
	copy(out, live[start:])
	return out
}

// Latest returns the newest sample.
func (s *Store) Latest() (measurement.Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.samples) == s.head {
		return measurement.Sample{}, false
	}
	return s.samples[len(s.samples)-1], true
}

// Size returns the number of retained samples.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lenLocked()
}

// Oldest returns the timestamp of the head sample.
func (s *Store) Oldest() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.samples) == s.head {
		return time.Time{}, false
	}
	return s.samples[s.head].Timestamp, true
}

// Newest returns the timestamp of the tail sample.
func (s *Store) Newest() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.samples) == s.head {
		return time.Time{}, false
	}
	return s.samples[len(s.samples)-1].Timestamp, true
}

// Stats returns count and bounds observed under a single lock.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Count: s.lenLocked()}
	if st.Count > 0 {
		st.Oldest = s.samples[s.head].Timestamp
		st.Newest = s.samples[len(s.samples)-1].Timestamp
	}
	return st
}

// AppendedTotal counts accepted samples since construction.
func (s *Store) AppendedTotal() int64 { return s.appended.Load() }

// EvictedTotal counts samples removed by retention or the size cap.
func (s *Store) EvictedTotal() int64 { return s.evicted.Load() }

// RejectedTotal counts out-of-order samples.
func (s *Store) RejectedTotal() int64 { return s.rejected.Load() }

func (s *Store) lenLocked() int {
	return len(s.samples) - s.head
}

func (s *Store) evictLocked(cutoff time.Time) int {
	n := 0
	for i := s.head; i < len(s.samples) && s.samples[i].Timestamp.Before(cutoff); i++ {
		n++
	}
	s.dropHeadLocked(n)
	return n
}

func (s *Store) dropHeadLocked(n int) {
	if n <= 0 {
		return
	}

	clear(s.samples[s.head : s.head+n])
	s.head += n
	s.evicted.Add(int64(n))

	switch {
	case s.head == len(s.samples):
		s.samples = s.samples[:0]
		s.head = 0
	case s.head >= compactThreshold && s.head >= len(s.samples)/2:
		live := make([]measurement.Sample, len(s.samples)-s.head, 2*(len(s.samples)-s.head))
		copy(live, s.samples[s.head:])
		s.samples = live
		s.head = 0
	}
}

// searchFrom returns the index of the first sample at or after cutoff.
func searchFrom(samples []measurement.Sample, cutoff time.Time) int {
	return sort.Search(len(samples), func(i int) bool {
		return !samples[i].Timestamp.Before(cutoff)
	})
}
