package measurement

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// TimestampLayout renders sample timestamps on the wire.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// ErrUnknownField is returned for names outside AllFields.
var ErrUnknownField = errors.New("unknown field")

// Field names a numeric quantity carried by a Reading.
type Field string

const (
	FieldVoltage     Field = "voltage"
	FieldCurrent     Field = "current"
	FieldPower       Field = "power"
	FieldResistance  Field = "resistance"
	FieldTemperature Field = "temperature"
	FieldMAhGroup0   Field = "mah_g0"
	FieldMWhGroup0   Field = "mwh_g0"
	FieldMAhGroup1   Field = "mah_g1"
	FieldMWhGroup1   Field = "mwh_g1"
)

// AllFields lists every field in record order.
var AllFields = []Field{
	FieldVoltage,
	FieldCurrent,
	FieldPower,
	FieldResistance,
	FieldTemperature,
	FieldMAhGroup0,
	FieldMWhGroup0,
	FieldMAhGroup1,
	FieldMWhGroup1,
}

// DefaultAggregateFields are summarised when a caller does not pick fields.
var DefaultAggregateFields = []Field{FieldVoltage, FieldCurrent, FieldPower}

// Reading is one instantaneous measurement as produced by a source.
type Reading struct {
	Voltage     float64
	Current     float64
	Power       float64
	Resistance  float64
	Temperature float64

	// Energy counters accumulate on the instrument; they are passed through untouched.
	EnergyGroup0MAh float64
	EnergyGroup0MWh float64
	EnergyGroup1MAh float64
	EnergyGroup1MWh float64
}

// Value returns the quantity stored under f.
func (r Reading) Value(f Field) (float64, bool) {
	switch f {
	case FieldVoltage:
		return r.Voltage, true
	case FieldCurrent:
		return r.Current, true
	case FieldPower:
		return r.Power, true
	case FieldResistance:
		return r.Resistance, true
	case FieldTemperature:
		return r.Temperature, true
	case FieldMAhGroup0:
		return r.EnergyGroup0MAh, true
	case FieldMWhGroup0:
		return r.EnergyGroup0MWh, true
	case FieldMAhGroup1:
		return r.EnergyGroup1MAh, true
	case FieldMWhGroup1:
		return r.EnergyGroup1MWh, true
	default:
		return 0, false
	}
}

// Set assigns v to the quantity stored under f.
func (r *Reading) Set(f Field, v float64) bool {
	switch f {
	case FieldVoltage:
		r.Voltage = v
	case FieldCurrent:
		r.Current = v
	case FieldPower:
		r.Power = v
	case FieldResistance:
		r.Resistance = v
	case FieldTemperature:
		r.Temperature = v
	case FieldMAhGroup0:
		r.EnergyGroup0MAh = v
	case FieldMWhGroup0:
		r.EnergyGroup0MWh = v
	case FieldMAhGroup1:
		r.EnergyGroup1MAh = v
	case FieldMWhGroup1:
		r.EnergyGroup1MWh = v
	default:
		return false
	}
	return true
}

// Validate rejects readings carrying NaN or infinite values.
func (r Reading) Validate() error {
	for _, f := range AllFields {
		v, _ := r.Value(f)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s is not a finite number", f)
		}
	}
	return nil
}

// Sample is a Reading stamped with the time it entered the store.
type Sample struct {
	Timestamp time.Time
	Reading
}

// ParseField resolves a field name, case-insensitively.
func ParseField(name string) (Field, error) {
	candidate := Field(strings.ToLower(strings.TrimSpace(name)))
	for _, f := range AllFields {
		if f == candidate {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownField, name)
}

// ParseFields resolves a comma separated list. An empty list yields the defaults.
func ParseFields(list string) ([]Field, error) {
	if strings.TrimSpace(list) == "" {
		return append([]Field(nil), DefaultAggregateFields...), nil
	}

	parts := strings.Split(list, ",")
	fields := make([]Field, 0, len(parts))
	seen := make(map[Field]struct{}, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		f, err := ParseField(part)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		fields = append(fields, f)
	}
	if len(fields) == 0 {
		return append([]Field(nil), DefaultAggregateFields...), nil
	}
	return fields, nil
}
