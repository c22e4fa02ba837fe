package source

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/rs/zerolog"

	"meterwatch/internal/measurement"
)

const defaultSNMPPort = 161

// SNMPOptions describe a network power meter (PDU, UPS) queried over SNMP.
type SNMPOptions struct {
	Host      string
	Port      uint16
	Community string
	Version   string
	Timeout   time.Duration
	Retries   int
	// OIDs maps field names to object identifiers.
	OIDs map[string]string
	// Scale multiplies raw values per field, e.g. 0.1 for deci-volts.
	Scale map[string]float64
}

func (o *SNMPOptions) applyURL(u *url.URL) error {
	o.Host = u.Hostname()
	if o.Host == "" {
		return fmt.Errorf("%w: snmp endpoint needs a host", ErrUnsupportedEndpoint)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid snmp port %q: %w", p, err)
		}
		o.Port = uint16(port)
	}
	if u.User != nil && u.User.Username() != "" {
		o.Community = u.User.Username()
	}
	if v := u.Query().Get("version"); v != "" {
		o.Version = v
	}
	return nil
}

type snmpBinding struct {
	field measurement.Field
	oid   string
	scale float64
}

// SNMP reads one Reading per GET of the configured OIDs.
type SNMP struct {
	opts     SNMPOptions
	logger   zerolog.Logger
	bindings []snmpBinding
	oids     []string

	mu     sync.Mutex
	client *gosnmp.GoSNMP
}

// NewSNMP validates the field bindings and builds the client.
func NewSNMP(opts SNMPOptions, logger zerolog.Logger) (*SNMP, error) {
	if opts.Host == "" {
		return nil, errors.New("snmp host is required")
	}
	if len(opts.OIDs) == 0 {
		return nil, errors.New("snmp source needs at least one field oid")
	}
	if opts.Port == 0 {
		opts.Port = defaultSNMPPort
	}
	if opts.Community == "" {
		opts.Community = "public"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	version, err := snmpVersion(opts.Version)
	if err != nil {
		return nil, err
	}

	bindings := make([]snmpBinding, 0, len(opts.OIDs))
	for name, oid := range opts.OIDs {
		field, err := measurement.ParseField(name)
		if err != nil {
			return nil, fmt.Errorf("snmp oid mapping: %w", err)
		}
		scale := 1.0
		if s, ok := opts.Scale[name]; ok && s != 0 {
			scale = s
		}
		bindings = append(bindings, snmpBinding{field: field, oid: normalizeOID(oid), scale: scale})
	}
	sort.Slice(bindings, func(i, j int) bool { return bindings[i].oid < bindings[j].oid })

	oids := make([]string, len(bindings))
	for i, b := range bindings {
		oids[i] = b.oid
	}

	return &SNMP{
		opts:     opts,
		logger:   logger.With().Str("component", "snmp_source").Str("target", opts.Host).Logger(),
		bindings: bindings,
		oids:     oids,
		client: &gosnmp.GoSNMP{
			Target:             opts.Host,
			Port:               opts.Port,
			Community:          opts.Community,
			Version:            version,
			Timeout:            opts.Timeout,
			Retries:            opts.Retries,
			ExponentialTimeout: true,
			MaxOids:            gosnmp.MaxOids,
		},
	}, nil
}

// Open connects the UDP session and performs a probe GET.
func (s *SNMP) Open(ctx context.Context) error {
	s.mu.Lock()
	s.client.Context = ctx
	err := s.client.Connect()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("snmp connect %s: %w", s.opts.Host, err)
	}

	if _, err := s.Poll(ctx); err != nil {
		return fmt.Errorf("snmp probe %s: %w", s.opts.Host, err)
	}
	s.logger.Info().Int("fields", len(s.bindings)).Msg("snmp meter reachable")
	return nil
}

// Poll issues one GET for every bound OID.
func (s *SNMP) Poll(ctx context.Context) (measurement.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.client.Context = ctx
	values := make(map[string]gosnmp.SnmpPDU, len(s.oids))
	for i := 0; i < len(s.oids); i += gosnmp.MaxOids {
		end := i + gosnmp.MaxOids
		if end > len(s.oids) {
			end = len(s.oids)
		}
		packet, err := s.client.Get(s.oids[i:end])
		if err != nil {
			return measurement.Reading{}, fmt.Errorf("snmp get: %w", err)
		}
		for _, pdu := range packet.Variables {
			values[normalizeOID(pdu.Name)] = pdu
		}
	}

	return readingFromPDUs(s.bindings, values)
}

// Close shuts the UDP session.
func (s *SNMP) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client.Conn == nil {
		return nil
	}
	return s.client.Conn.Close()
}

func readingFromPDUs(bindings []snmpBinding, values map[string]gosnmp.SnmpPDU) (measurement.Reading, error) {
	var r measurement.Reading
	bound := make(map[measurement.Field]bool, len(bindings))

	for _, b := range bindings {
		pdu, ok := values[b.oid]
		if !ok {
			return measurement.Reading{}, fmt.Errorf("snmp response missing %s (%s)", b.oid, b.field)
		}
		v, err := pduFloat(pdu)
		if err != nil {
			return measurement.Reading{}, fmt.Errorf("snmp %s (%s): %w", b.oid, b.field, err)
		}
		r.Set(b.field, v*b.scale)
		bound[b.field] = true
	}

	if !bound[measurement.FieldPower] && bound[measurement.FieldVoltage] && bound[measurement.FieldCurrent] {
		r.Power = r.Voltage * r.Current
	}
	if !bound[measurement.FieldResistance] && r.Current != 0 {
		r.Resistance = r.Voltage / r.Current
	}
	return r, nil
}

func pduFloat(pdu gosnmp.SnmpPDU) (float64, error) {
	switch pdu.Type {
	case gosnmp.Integer, gosnmp.Counter32, gosnmp.Gauge32, gosnmp.Counter64, gosnmp.Uinteger32, gosnmp.TimeTicks:
		f, _ := new(big.Float).SetInt(gosnmp.ToBigInt(pdu.Value)).Float64()
		return f, nil
	case gosnmp.OpaqueFloat:
		v, ok := pdu.Value.(float32)
		if !ok {
			return 0, fmt.Errorf("unexpected opaque float value %T", pdu.Value)
		}
		return float64(v), nil
	case gosnmp.OpaqueDouble:
		v, ok := pdu.Value.(float64)
		if !ok {
			return 0, fmt.Errorf("unexpected opaque double value %T", pdu.Value)
		}
		return v, nil
	case gosnmp.OctetString:
		b, ok := pdu.Value.([]byte)
		if !ok {
			return 0, fmt.Errorf("unexpected octet string value %T", pdu.Value)
		}
		return strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.Null:
		return 0, errors.New("no such object")
	default:
		return 0, fmt.Errorf("unsupported snmp type %v", pdu.Type)
	}
}

func snmpVersion(v string) (gosnmp.SnmpVersion, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "2c", "v2c":
		return gosnmp.Version2c, nil
	case "1", "v1":
		return gosnmp.Version1, nil
	default:
		return 0, fmt.Errorf("unsupported snmp version %q", v)
	}
}

func normalizeOID(oid string) string {
	return strings.TrimPrefix(strings.TrimSpace(oid), ".")
}

var _ Source = (*SNMP)(nil)
