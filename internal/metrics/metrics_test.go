package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meterwatch/internal/measurement"
	"meterwatch/internal/window"
)

func TestSamplerMetrics(t *testing.T) {
	m := New(nil)

	m.ObservePoll(10*time.Millisecond, nil)
	m.ObservePoll(20*time.Millisecond, errors.New("usb stall"))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.polls))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pollErrors))
	assert.Equal(t, 1, testutil.CollectAndCount(m.pollDuration))

	m.SetRunning(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.running))
	m.SetRunning(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.running))

	m.AlertSent("power")
	m.AlertSent("power")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.alertsSent.WithLabelValues("power")))
}

func TestStoreCollectors(t *testing.T) {
	store := window.New(window.Options{Retention: 5 * time.Second})
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		require.NoError(t, store.Append(measurement.Sample{Timestamp: base.Add(time.Duration(i) * time.Second)}))
	}
	require.Error(t, store.Append(measurement.Sample{Timestamp: base}))
	store.Prune(base.Add(7 * time.Second))

	m := New(store)
	m.RegisterQueue("archive", func() int { return 3 }, func() uint64 { return 7 })

	expected := `
# HELP meterwatch_store_samples Samples currently retained.
# TYPE meterwatch_store_samples gauge
meterwatch_store_samples 2
# HELP meterwatch_store_appended_total Samples accepted by the store.
# TYPE meterwatch_store_appended_total counter
meterwatch_store_appended_total 4
# HELP meterwatch_store_evicted_total Samples evicted by retention or the size cap.
# TYPE meterwatch_store_evicted_total counter
meterwatch_store_evicted_total 2
# HELP meterwatch_store_rejected_total Samples rejected for arriving out of order.
# TYPE meterwatch_store_rejected_total counter
meterwatch_store_rejected_total 1
# HELP meterwatch_queue_dropped_total Items dropped because a worker queue was full.
# TYPE meterwatch_queue_dropped_total counter
meterwatch_queue_dropped_total{queue="archive"} 7
`
	err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"meterwatch_store_samples",
		"meterwatch_store_appended_total",
		"meterwatch_store_evicted_total",
		"meterwatch_store_rejected_total",
		"meterwatch_queue_dropped_total",
	)
	assert.NoError(t, err)
}

func TestHandlerServesExposition(t *testing.T) {
	m := New(window.New(window.Options{}))
	m.ObservePoll(time.Millisecond, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "meterwatch_polls_total 1")
	assert.Contains(t, body, "meterwatch_store_retention_seconds 600")
	assert.Contains(t, body, "go_goroutines")
}
