package query

import (
	"encoding/json"
	"fmt"
	"time"

	"meterwatch/internal/measurement"
	"meterwatch/internal/window"
)

// Record is the wire form of a sample.
type Record struct {
	Timestamp   string  `json:"timestamp"`
	Voltage     float64 `json:"voltage"`
	Current     float64 `json:"current"`
	Power       float64 `json:"power"`
	Resistance  float64 `json:"resistance"`
	Temperature float64 `json:"temperature"`
	MAhGroup0   float64 `json:"mah_g0"`
	MWhGroup0   float64 `json:"mwh_g0"`
	MAhGroup1   float64 `json:"mah_g1"`
	MWhGroup1   float64 `json:"mwh_g1"`
}

// NewRecord shapes a sample for the wire.
func NewRecord(s measurement.Sample) Record {
	return Record{
		Timestamp:   FormatTime(s.Timestamp),
		Voltage:     s.Voltage,
		Current:     s.Current,
		Power:       s.Power,
		Resistance:  s.Resistance,
		Temperature: s.Temperature,
		MAhGroup0:   s.EnergyGroup0MAh,
		MWhGroup0:   s.EnergyGroup0MWh,
		MAhGroup1:   s.EnergyGroup1MAh,
		MWhGroup1:   s.EnergyGroup1MWh,
	}
}

// Sample converts a record back into a sample.
func (r Record) Sample() (measurement.Sample, error) {
	ts, err := time.Parse(measurement.TimestampLayout, r.Timestamp)
	if err != nil {
		if ts, err = time.Parse(time.RFC3339Nano, r.Timestamp); err != nil {
			return measurement.Sample{}, fmt.Errorf("parse record timestamp: %w", err)
		}
	}
	return measurement.Sample{
		Timestamp: ts,
		Reading: measurement.Reading{
			Voltage:         r.Voltage,
			Current:         r.Current,
			Power:           r.Power,
			Resistance:      r.Resistance,
			Temperature:     r.Temperature,
			EnergyGroup0MAh: r.MAhGroup0,
			EnergyGroup0MWh: r.MWhGroup0,
			EnergyGroup1MAh: r.MAhGroup1,
			EnergyGroup1MWh: r.MWhGroup1,
		},
	}, nil
}

// FormatTime renders t with microsecond precision and its zone offset.
func FormatTime(t time.Time) string {
	return t.Format(measurement.TimestampLayout)
}

// WindowResult answers a windowed query.
type WindowResult struct {
	Period    string   `json:"period"`
	Count     int      `json:"count"`
	StartTime string   `json:"start_time"`
	EndTime   string   `json:"end_time"`
	Data      []Record `json:"data"`
}

// FieldStats summarises one field over a window.
type FieldStats struct {
	Min float64  `json:"min"`
	Max float64  `json:"max"`
	Avg float64  `json:"avg"`
	P50 *float64 `json:"p50,omitempty"`
	P95 *float64 `json:"p95,omitempty"`
}

// AggregateResult answers a statistics query. Fields are flattened next to
// period and sample_count on the wire.
type AggregateResult struct {
	Period      string
	SampleCount int
	Fields      map[measurement.Field]FieldStats
}

// MarshalJSON flattens the per-field summaries.
func (a AggregateResult) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(a.Fields)+2)
	for f, st := range a.Fields {
		doc[string(f)] = st
	}
	doc["period"] = a.Period
	doc["sample_count"] = a.SampleCount
	return json.Marshal(doc)
}

// UnmarshalJSON accepts the flattened form produced by MarshalJSON.
func (a *AggregateResult) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*a = AggregateResult{Fields: make(map[measurement.Field]FieldStats)}
	for key, value := range raw {
		switch key {
		case "period":
			if err := json.Unmarshal(value, &a.Period); err != nil {
				return fmt.Errorf("decode period: %w", err)
			}
		case "sample_count":
			if err := json.Unmarshal(value, &a.SampleCount); err != nil {
				return fmt.Errorf("decode sample_count: %w", err)
			}
		default:
			f, err := measurement.ParseField(key)
			if err != nil {
				continue
			}
			var st FieldStats
			if err := json.Unmarshal(value, &st); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			a.Fields[f] = st
		}
	}
	return nil
}

func newAggregateResult(period string, agg window.Aggregate) AggregateResult {
	out := AggregateResult{
		Period:      period,
		SampleCount: agg.Count,
		Fields:      make(map[measurement.Field]FieldStats, len(agg.Fields)),
	}
	for f, s := range agg.Fields {
		out.Fields[f] = FieldStats{Min: s.Min, Max: s.Max, Avg: s.Mean, P50: s.P50, P95: s.P95}
	}
	return out
}

// Status reports sampler activity, store bounds and live configuration.
type Status struct {
	Running          bool    `json:"running"`
	DataCount        int     `json:"data_count"`
	OldestData       *string `json:"oldest_data"`
	NewestData       *string `json:"newest_data"`
	RetentionMinutes float64 `json:"retention_minutes"`
	PollInterval     float64 `json:"poll_interval"`
	SourceEndpoint   string  `json:"source_endpoint"`
	LastError        *string `json:"last_error"`
	PollLatencyMS    float64 `json:"poll_latency_ms"`
	Polls            uint64  `json:"polls"`
	PollErrors       uint64  `json:"poll_errors"`
}

// Config is the live, updatable configuration.
type Config struct {
	SourceEndpoint   string  `json:"source_endpoint"`
	PollInterval     float64 `json:"poll_interval"`
	RetentionMinutes float64 `json:"retention_minutes"`
}

// UpdateResult reports the outcome of a partial configuration update.
type UpdateResult struct {
	Message  string            `json:"message"`
	Config   Config            `json:"config"`
	Applied  []string          `json:"applied"`
	Rejected map[string]string `json:"rejected,omitempty"`
	Ignored  []string          `json:"ignored,omitempty"`
	Evicted  int               `json:"evicted"`
}
