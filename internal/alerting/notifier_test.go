package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meterwatch/internal/measurement"
)

func testNote() Notification {
	return Notification{
		At:        time.Date(2025, 12, 19, 11, 0, 0, 0, time.UTC),
		Endpoint:  "sim://tc66c",
		Rule:      "overcurrent",
		Field:     measurement.FieldCurrent,
		Value:     decimal.NewFromFloat(2.71828),
		Threshold: decimal.NewFromFloat(2.5),
		Direction: DirectionAbove,
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken/sendMessage", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL+"/", time.Second, zerolog.Nop())
	require.NoError(t, notifier.Notify(context.Background(), testNote()))

	assert.Equal(t, "chat", received["chat_id"])
	text := received["text"]
	assert.Contains(t, text, "Rule: overcurrent")
	assert.Contains(t, text, "current: 2.718 A")
	assert.Contains(t, text, "Limit: above 2.500 (A)")
	assert.Contains(t, text, "2025-12-19T11:00:00Z")
}

func TestTelegramNotifierErrors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"ok false": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
		},
		"bad status": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()

			notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
			assert.Error(t, notifier.Notify(context.Background(), testNote()))
		})
	}
}

func TestRenderMessageWithoutEndpoint(t *testing.T) {
	note := testNote()
	note.Endpoint = ""
	note.Field = measurement.FieldVoltage
	note.Direction = DirectionBelow
	msg := renderMessage(note)
	assert.False(t, strings.Contains(msg, "Meter:"))
	assert.Contains(t, msg, "Limit: below 2.500 (V)")
}

func TestLogNotifier(t *testing.T) {
	var buf strings.Builder
	n := NewLogNotifier(zerolog.New(&buf))
	require.NoError(t, n.Notify(context.Background(), testNote()))
	assert.Contains(t, buf.String(), `"rule":"overcurrent"`)
	assert.Contains(t, buf.String(), `"value":"2.718"`)
}
