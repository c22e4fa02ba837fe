package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"meterwatch/internal/measurement"
)

// ErrUnsupportedEndpoint is returned for endpoints no built-in source understands.
var ErrUnsupportedEndpoint = errors.New("unsupported source endpoint")

// Source produces instantaneous readings from an instrument.
type Source interface {
	// Open establishes the session with the instrument. A failure here is fatal to sampling.
	Open(ctx context.Context) error
	// Poll returns one reading or fails; failures are expected to be transient.
	Poll(ctx context.Context) (measurement.Reading, error)
	Close() error
}

// Options parameterise the built-in sources.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	SNMP      SNMPOptions
}

// New resolves an endpoint to a Source by URL scheme:
//
//	sim://[name]?seed=1&fail_every=0&fail_open=false
//	http(s)://host/path   JSON document per poll
//	snmp://community@host[:port]
func New(endpoint string, opts Options, logger zerolog.Logger) (Source, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("%w: empty endpoint", ErrUnsupportedEndpoint)
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "sim":
		simOpts, err := simulatedOptionsFromURL(u)
		if err != nil {
			return nil, err
		}
		return NewSimulated(simOpts, logger), nil
	case "http", "https":
		return NewHTTP(HTTPOptions{
			URL:       endpoint,
			Timeout:   opts.Timeout,
			UserAgent: opts.UserAgent,
		}, logger), nil
	case "snmp":
		snmpOpts := opts.SNMP
		if err := snmpOpts.applyURL(u); err != nil {
			return nil, err
		}
		if snmpOpts.Timeout <= 0 {
			snmpOpts.Timeout = opts.Timeout
		}
		return NewSNMP(snmpOpts, logger)
	case "":
		return nil, fmt.Errorf("%w: %q (serial device paths need an external bridge; use http:// or snmp://)", ErrUnsupportedEndpoint, endpoint)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEndpoint, endpoint)
	}
}

// Unavailable is a Source that never opens. It stands in for an endpoint
// that could not be resolved so the rest of the process keeps serving.
func Unavailable(cause error) Source {
	return unavailable{cause: cause}
}

type unavailable struct {
	cause error
}

func (u unavailable) Open(context.Context) error { return u.cause }

func (u unavailable) Poll(context.Context) (measurement.Reading, error) {
	return measurement.Reading{}, u.cause
}

func (unavailable) Close() error { return nil }
