package query

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"meterwatch/internal/measurement"
	"meterwatch/internal/window"
)

var (
	// ErrNoData signals an empty store or an empty window.
	ErrNoData = window.ErrNoData
	// ErrUnknownField is returned when a statistics request names an unknown field.
	ErrUnknownField = measurement.ErrUnknownField
	// ErrEmptyUpdate rejects a configuration update without any keys.
	ErrEmptyUpdate = errors.New("empty configuration update")
)

// Controller is the live view of the sampling loop.
type Controller interface {
	Interval() time.Duration
	SetInterval(d time.Duration) error
	Running() bool
	LastError() error
	PollLatency() time.Duration
	Polls() (total, failed uint64)
}

// Service answers queries against the store and owns live reconfiguration.
type Service struct {
	store    *window.Store
	sampler  Controller
	endpoint string
	logger   zerolog.Logger
	now      func() time.Time
}

// New builds the query façade.
func New(store *window.Store, sampler Controller, endpoint string, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		sampler:  sampler,
		endpoint: endpoint,
		logger:   logger.With().Str("component", "query").Logger(),
		now:      time.Now,
	}
}

// Window returns every sample inside the trailing period.
func (s *Service) Window(period string) (WindowResult, error) {
	d, err := ParsePeriod(period)
	if err != nil {
		return WindowResult{}, err
	}

	now := s.now()
	cutoff := now.Add(-d)
	samples := s.store.QueryWindow(cutoff)

	records := make([]Record, len(samples))
	for i, sample := range samples {
		records[i] = NewRecord(sample)
	}

	return WindowResult{
		Period:    period,
		Count:     len(records),
		StartTime: FormatTime(cutoff),
		EndTime:   FormatTime(now),
		Data:      records,
	}, nil
}

// Latest returns the newest sample.
func (s *Service) Latest() (Record, error) {
	sample, ok := s.store.Latest()
	if !ok {
		return Record{}, ErrNoData
	}
	return NewRecord(sample), nil
}

// Aggregate summarises fields (comma separated, default voltage,current,power)
// over the trailing period.
func (s *Service) Aggregate(period, fields string) (AggregateResult, error) {
	d, err := ParsePeriod(period)
	if err != nil {
		return AggregateResult{}, err
	}
	selected, err := measurement.ParseFields(fields)
	if err != nil {
		return AggregateResult{}, err
	}

	agg, err := s.store.Aggregate(s.now().Add(-d), selected)
	if err != nil {
		return AggregateResult{}, err
	}
	return newAggregateResult(period, agg), nil
}

// Status reports sampler and store state.
func (s *Service) Status() Status {
	stats := s.store.Stats()

	polls, failed := s.sampler.Polls()
	st := Status{
		Running:          s.sampler.Running(),
		DataCount:        stats.Count,
		RetentionMinutes: s.store.Retention().Minutes(),
		PollInterval:     s.sampler.Interval().Seconds(),
		SourceEndpoint:   s.endpoint,
		PollLatencyMS:    float64(s.sampler.PollLatency()) / float64(time.Millisecond),
		Polls:            polls,
		PollErrors:       failed,
	}
	if stats.Count > 0 {
		oldest, newest := FormatTime(stats.Oldest), FormatTime(stats.Newest)
		st.OldestData, st.NewestData = &oldest, &newest
	}
	if err := s.sampler.LastError(); err != nil {
		msg := err.Error()
		st.LastError = &msg
	}
	return st
}

// Config returns the live configuration.
func (s *Service) Config() Config {
	return Config{
		SourceEndpoint:   s.endpoint,
		PollInterval:     s.sampler.Interval().Seconds(),
		RetentionMinutes: s.store.Retention().Minutes(),
	}
}

// maxRetentionMinutes keeps retention representable as a time.Duration.
const maxRetentionMinutes = math.MaxInt64 / int64(time.Minute)

// UpdateConfig applies a partial configuration document. Each recognised key
// is validated on its own; a rejected key never blocks the others.
func (s *Service) UpdateConfig(doc map[string]any) (UpdateResult, error) {
	if len(doc) == 0 {
		return UpdateResult{}, ErrEmptyUpdate
	}

	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	res := UpdateResult{Applied: []string{}}
	reject := func(key string, err error) {
		if res.Rejected == nil {
			res.Rejected = make(map[string]string)
		}
		res.Rejected[key] = err.Error()
	}

	for _, key := range keys {
		value := doc[key]
		switch key {
		case "poll_interval", "polling_interval":
			seconds, err := positiveNumber(value)
			if err != nil {
				reject(key, err)
				continue
			}
			d := time.Duration(seconds * float64(time.Second))
			if d <= 0 {
				reject(key, errors.New("must be at least one nanosecond"))
				continue
			}
			if err := s.sampler.SetInterval(d); err != nil {
				reject(key, err)
				continue
			}
			res.Applied = append(res.Applied, key)
		case "retention_minutes", "retention_window", "data_retention_minutes":
			minutes, err := positiveInteger(value)
			if err != nil {
				reject(key, err)
				continue
			}
			if minutes > maxRetentionMinutes {
				reject(key, errors.New("too large"))
				continue
			}
			evicted, err := s.store.SetRetention(time.Duration(minutes)*time.Minute, s.now())
			if err != nil {
				reject(key, err)
				continue
			}
			res.Evicted += evicted
			res.Applied = append(res.Applied, key)
			s.logger.Info().Int64("retention_minutes", minutes).Int("evicted", evicted).Msg("retention updated")
		default:
			res.Ignored = append(res.Ignored, key)
		}
	}

	res.Config = s.Config()
	switch {
	case len(res.Rejected) == 0:
		res.Message = "configuration updated"
	case len(res.Applied) == 0:
		res.Message = "configuration unchanged"
	default:
		res.Message = "configuration partially updated"
	}
	return res, nil
}

func positiveNumber(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return 0, errors.New("must be a positive number")
	}
	if f > math.MaxInt64/float64(time.Second) {
		return 0, errors.New("too large")
	}
	return f, nil
}

func positiveInteger(v any) (int64, error) {
	var n int64
	switch x := v.(type) {
	case float64:
		if x != math.Trunc(x) || x >= math.MaxInt64 || x < math.MinInt64 {
			return 0, errors.New("must be a whole number of minutes")
		}
		n = int64(x)
	case int:
		n = int64(x)
	case int64:
		n = x
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", x)
		}
		n = parsed
	default:
		return 0, fmt.Errorf("not an integer: %v", v)
	}
	if n <= 0 {
		return 0, errors.New("must be a positive integer")
	}
	return n, nil
}
