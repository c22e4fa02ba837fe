package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meterwatch/internal/api"
	"meterwatch/internal/measurement"
	"meterwatch/internal/query"
)

type stubQuerier struct {
	empty   bool
	lastDoc map[string]any
	fields  string
}

func (s *stubQuerier) Window(period string) (query.WindowResult, error) {
	if period != "5m" {
		return query.WindowResult{}, fmt.Errorf("%w: %q", query.ErrInvalidPeriod, period)
	}
	return query.WindowResult{
		Period: "5m", Count: 1,
		StartTime: "2025-12-19T11:55:00.000000Z", EndTime: "2025-12-19T12:00:00.000000Z",
		Data: []query.Record{{Timestamp: "2025-12-19T11:59:59.000000Z", Voltage: 5.1}},
	}, nil
}

func (s *stubQuerier) Latest() (query.Record, error) {
	if s.empty {
		return query.Record{}, query.ErrNoData
	}
	return query.Record{Timestamp: "2025-12-19T12:00:00.000000Z", Voltage: 5.05, Current: 0.42}, nil
}

func (s *stubQuerier) Aggregate(period, fields string) (query.AggregateResult, error) {
	s.fields = fields
	return query.AggregateResult{
		Period:      period,
		SampleCount: 3,
		Fields: map[measurement.Field]query.FieldStats{
			measurement.FieldCurrent: {Min: 0.1, Max: 0.3, Avg: 0.2},
		},
	}, nil
}

func (s *stubQuerier) Status() query.Status {
	return query.Status{Running: true, DataCount: 12, RetentionMinutes: 10, PollInterval: 1, SourceEndpoint: "sim://tc66c"}
}

func (s *stubQuerier) Config() query.Config {
	return query.Config{SourceEndpoint: "sim://tc66c", PollInterval: 1, RetentionMinutes: 10}
}

func (s *stubQuerier) UpdateConfig(doc map[string]any) (query.UpdateResult, error) {
	s.lastDoc = doc
	return query.UpdateResult{Message: "configuration updated", Applied: []string{"poll_interval"}}, nil
}

func newTestClient(t *testing.T, q *stubQuerier) *Client {
	t.Helper()
	srv := httptest.NewServer(api.NewServer(q, api.Options{}, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)
	return New(Options{BaseURL: srv.URL + "/", Timeout: time.Second}, zerolog.Nop())
}

func TestClientQueries(t *testing.T) {
	q := &stubQuerier{}
	c := newTestClient(t, q)
	ctx := context.Background()

	rec, err := c.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5.05, rec.Voltage)

	win, err := c.Window(ctx, "5m")
	require.NoError(t, err)
	assert.Equal(t, 1, win.Count)
	require.Len(t, win.Data, 1)

	agg, err := c.Aggregate(ctx, "1h", []string{"current", "power"})
	require.NoError(t, err)
	assert.Equal(t, "current,power", q.fields)
	assert.Equal(t, 3, agg.SampleCount)
	assert.InDelta(t, 0.2, agg.Fields[measurement.FieldCurrent].Avg, 1e-9)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, 12, st.DataCount)

	cfg, err := c.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sim://tc66c", cfg.SourceEndpoint)
}

func TestClientUpdateConfig(t *testing.T) {
	q := &stubQuerier{}
	c := newTestClient(t, q)

	res, err := c.UpdateConfig(context.Background(), map[string]any{"poll_interval": 0.5})
	require.NoError(t, err)
	assert.Equal(t, "configuration updated", res.Message)
	assert.Equal(t, 0.5, q.lastDoc["poll_interval"])
}

func TestClientMapsErrors(t *testing.T) {
	c := newTestClient(t, &stubQuerier{empty: true})

	_, err := c.Latest(context.Background())
	require.Error(t, err)
	assert.True(t, IsNoData(err))

	_, err = c.Window(context.Background(), "5x")
	assert.ErrorIs(t, err, query.ErrInvalidPeriod)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, query.PeriodHint, apiErr.Message)
}

func TestParseAPIErrorPlainBody(t *testing.T) {
	err := parseAPIError(http.StatusBadGateway, []byte("upstream down\n"))
	assert.EqualError(t, err, "meterwatch api error (502): upstream down")
}
