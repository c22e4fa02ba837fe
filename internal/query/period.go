package query

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// PeriodHint tells callers what a valid period looks like.
const PeriodHint = "use the format Ns, Nm or Nh (e.g. 30s, 5m, 1h)"

// ErrInvalidPeriod is returned for any period outside the grammar ^\d+[smh]$.
var ErrInvalidPeriod = errors.New("invalid period")

// ParsePeriod converts "30s", "5m" or "1h" to a duration. Fractions, signs,
// combined units and values that overflow a duration are rejected.
func ParsePeriod(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}

	digits, suffix := s[:len(s)-1], s[len(s)-1]
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
		}
	}

	var unit time.Duration
	switch suffix {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}

	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	if n > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("%w: %q is too long", ErrInvalidPeriod, s)
	}
	return time.Duration(n) * unit, nil
}
