package window

import (
	"math"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"meterwatch/internal/measurement"
)

// quantileAccuracy is the relative accuracy of the percentile sketch.
const quantileAccuracy = 0.01

// Summary holds statistics for a single field. Mean is the arithmetic mean
// over the sample count, not a time-weighted integral. P50 and P95 are nil
// when the sketch could not index a value (NaN or infinities).
type Summary struct {
	Min  float64
	Max  float64
	Mean float64
	P50  *float64
	P95  *float64
}

// Aggregate summarises the samples of one window.
type Aggregate struct {
	Count  int
	First  time.Time
	Last   time.Time
	Fields map[measurement.Field]Summary
}

// Aggregate computes per-field statistics over samples at or after cutoff.
// Samples are copied under the lock and summarised outside it.
func (s *Store) Aggregate(cutoff time.Time, fields []measurement.Field) (Aggregate, error) {
	samples := s.QueryWindow(cutoff)
	if len(samples) == 0 {
		return Aggregate{}, ErrNoData
	}
	if len(fields) == 0 {
		fields = measurement.DefaultAggregateFields
	}

	agg := Aggregate{
		Count:  len(samples),
		First:  samples[0].Timestamp,
		Last:   samples[len(samples)-1].Timestamp,
		Fields: make(map[measurement.Field]Summary, len(fields)),
	}
	for _, f := range fields {
		agg.Fields[f] = summarise(samples, f)
	}
	return agg, nil
}

func summarise(samples []measurement.Sample, field measurement.Field) Summary {
	sum := 0.0
	minV := math.Inf(1)
	maxV := math.Inf(-1)

	sketch, err := ddsketch.NewDefaultDDSketch(quantileAccuracy)
	sketchOK := err == nil

	for _, sample := range samples {
		v, _ := sample.Value(field)
		sum += v
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
		if sketchOK {
			if addErr := sketch.Add(v); addErr != nil {
				sketchOK = false
			}
		}
	}

	summary := Summary{
		Min:  minV,
		Max:  maxV,
		Mean: sum / float64(len(samples)),
	}
	if sketchOK {
		summary.P50 = quantile(sketch, 0.5)
		summary.P95 = quantile(sketch, 0.95)
	}
	return summary
}

func quantile(sketch *ddsketch.DDSketch, q float64) *float64 {
	v, err := sketch.GetValueAtQuantile(q)
	if err != nil {
		return nil
	}
	return &v
}
