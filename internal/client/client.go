package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"meterwatch/internal/query"
)

const maxResponseBody = 32 << 20

// Options configure the query client.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Client talks to a running meterwatch server.
type Client struct {
	baseURL   string
	userAgent string
	client    *http.Client
	logger    zerolog.Logger
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("meterwatch api error (%d): %s: %s", e.Status, e.Code, e.Message)
	}
	if e.Code != "" {
		return fmt.Sprintf("meterwatch api error (%d): %s", e.Status, e.Code)
	}
	return fmt.Sprintf("meterwatch api error (%d)", e.Status)
}

// Is maps server error codes back onto the query sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case query.ErrNoData:
		return e.Status == http.StatusNotFound && e.Code == "no data"
	case query.ErrInvalidPeriod:
		return e.Status == http.StatusBadRequest && e.Code == "invalid period"
	case query.ErrUnknownField:
		return e.Status == http.StatusBadRequest && e.Code == "unknown field"
	}
	return false
}

// New builds a client.
func New(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:5000"
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "meterwatch-cli/1.0"
	}
	return &Client{
		baseURL:   baseURL,
		userAgent: ua,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.With().Str("component", "api_client").Logger(),
	}
}

// Latest fetches the newest record.
func (c *Client) Latest(ctx context.Context) (query.Record, error) {
	var rec query.Record
	err := c.do(ctx, http.MethodGet, "/api/data/latest", nil, &rec)
	return rec, err
}

// Window fetches every record younger than period.
func (c *Client) Window(ctx context.Context, period string) (query.WindowResult, error) {
	var res query.WindowResult
	err := c.do(ctx, http.MethodGet, "/api/data/"+url.PathEscape(period), nil, &res)
	return res, err
}

// Aggregate fetches statistics for period. An empty field list uses the server default.
func (c *Client) Aggregate(ctx context.Context, period string, fields []string) (query.AggregateResult, error) {
	path := "/api/stats/" + url.PathEscape(period)
	if len(fields) > 0 {
		path += "?" + url.Values{"fields": {strings.Join(fields, ",")}}.Encode()
	}
	var res query.AggregateResult
	err := c.do(ctx, http.MethodGet, path, nil, &res)
	return res, err
}

// Status fetches the sampler and store summary.
func (c *Client) Status(ctx context.Context) (query.Status, error) {
	var st query.Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &st)
	return st, err
}

// Config fetches the live configuration.
func (c *Client) Config(ctx context.Context) (query.Config, error) {
	var cfg query.Config
	err := c.do(ctx, http.MethodGet, "/api/config", nil, &cfg)
	return cfg, err
}

// UpdateConfig posts a partial configuration document.
func (c *Client) UpdateConfig(ctx context.Context, doc map[string]any) (query.UpdateResult, error) {
	var res query.UpdateResult
	err := c.do(ctx, http.MethodPost, "/api/config", doc, &res)
	return res, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).Msg("api call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseAPIError(resp.StatusCode, payload)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func parseAPIError(status int, payload []byte) error {
	apiErr := &APIError{Status: status}
	var doc struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &doc); err == nil && doc.Error != "" {
		apiErr.Code = doc.Error
		apiErr.Message = doc.Message
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(payload))
	return apiErr
}

// IsNoData reports whether err means the requested window was empty.
func IsNoData(err error) bool {
	return errors.Is(err, query.ErrNoData)
}
