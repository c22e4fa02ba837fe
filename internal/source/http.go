package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"meterwatch/internal/measurement"
)

// maxReadingBody bounds a single bridge response.
const maxReadingBody = 1 << 20

// HTTPOptions parameterise the JSON bridge source.
type HTTPOptions struct {
	URL       string
	Timeout   time.Duration
	UserAgent string
}

// HTTP polls a bridge process that exposes the meter as a JSON document.
type HTTP struct {
	opts   HTTPOptions
	logger zerolog.Logger
	client *http.Client
}

// NewHTTP constructs a bridge source.
func NewHTTP(opts HTTPOptions, logger zerolog.Logger) *HTTP {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &HTTP{
		opts:   opts,
		logger: logger.With().Str("component", "http_source").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// Open performs a first poll to verify the bridge answers with a reading.
func (h *HTTP) Open(ctx context.Context) error {
	if strings.TrimSpace(h.opts.URL) == "" {
		return errors.New("bridge url not configured")
	}
	if _, err := h.Poll(ctx); err != nil {
		return fmt.Errorf("probe bridge: %w", err)
	}
	h.logger.Info().Str("url", h.opts.URL).Msg("bridge reachable")
	return nil
}

// Poll fetches and decodes one reading.
func (h *HTTP) Poll(ctx context.Context) (measurement.Reading, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.opts.URL, nil)
	if err != nil {
		return measurement.Reading{}, fmt.Errorf("create bridge request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "meterwatch/1.0")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return measurement.Reading{}, fmt.Errorf("send bridge request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxReadingBody))
	if err != nil {
		return measurement.Reading{}, fmt.Errorf("read bridge response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return measurement.Reading{}, parseHTTPError(resp.StatusCode, payload)
	}

	return decodeReading(payload)
}

// Close releases idle connections.
func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

type readingDocument struct {
	Voltage     *float64 `json:"voltage"`
	Current     *float64 `json:"current"`
	Power       *float64 `json:"power"`
	Resistance  *float64 `json:"resistance"`
	Temperature *float64 `json:"temperature"`
	MAhGroup0   *float64 `json:"mah_g0"`
	MWhGroup0   *float64 `json:"mwh_g0"`
	MAhGroup1   *float64 `json:"mah_g1"`
	MWhGroup1   *float64 `json:"mwh_g1"`
}

func decodeReading(payload []byte) (measurement.Reading, error) {
	var doc readingDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return measurement.Reading{}, fmt.Errorf("decode reading: %w", err)
	}
	if doc.Voltage == nil || doc.Current == nil {
		return measurement.Reading{}, errors.New("reading missing voltage or current")
	}

	r := measurement.Reading{
		Voltage: *doc.Voltage,
		Current: *doc.Current,
	}
	if doc.Power != nil {
		r.Power = *doc.Power
	} else {
		r.Power = r.Voltage * r.Current
	}
	if doc.Resistance != nil {
		r.Resistance = *doc.Resistance
	} else if r.Current != 0 {
		r.Resistance = r.Voltage / r.Current
	}
	r.Temperature = deref(doc.Temperature)
	r.EnergyGroup0MAh = deref(doc.MAhGroup0)
	r.EnergyGroup0MWh = deref(doc.MWhGroup0)
	r.EnergyGroup1MAh = deref(doc.MAhGroup1)
	r.EnergyGroup1MWh = deref(doc.MWhGroup1)
	return r, nil
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("bridge error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("bridge error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("bridge error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("bridge error (%d)", status)
}

var _ Source = (*HTTP)(nil)
