package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"meterwatch/internal/measurement"
)

// Direction names the side of the band a value crossed.
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

// Notification carries one threshold breach.
type Notification struct {
	At        time.Time
	Endpoint  string
	Rule      string
	Field     measurement.Field
	Value     decimal.Decimal
	Threshold decimal.Decimal
	Direction Direction
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// LogNotifier writes alerts to the log when no remote channel is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the breach at warn level.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Warn().
		Time("at", note.At).
		Str("rule", note.Rule).
		Str("field", string(note.Field)).
		Str("value", note.Value.StringFixed(3)).
		Str("threshold", note.Threshold.StringFixed(3)).
		Str("direction", string(note.Direction)).
		Msg("threshold crossed")
	return nil
}

// TelegramNotifier pushes alerts through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false")
	}

	n.logger.Info().Time("at", note.At).
		Str("rule", note.Rule).
		Str("direction", string(note.Direction)).
		Msg("alert sent (telegram)")
	return nil
}

func renderMessage(note Notification) string {
	var b strings.Builder
	b.WriteString("[meterwatch alert]\n")
	if note.Endpoint != "" {
		fmt.Fprintf(&b, "Meter: %s\n", note.Endpoint)
	}
	fmt.Fprintf(&b, "Rule: %s\n", note.Rule)
	fmt.Fprintf(&b, "Time: %s UTC\n", note.At.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "%s: %s %s\n", note.Field, note.Value.StringFixed(3), unit(note.Field))
	fmt.Fprintf(&b, "Limit: %s %s (%s)\n", note.Direction, note.Threshold.StringFixed(3), unit(note.Field))
	return b.String()
}

func unit(f measurement.Field) string {
	switch f {
	case measurement.FieldVoltage:
		return "V"
	case measurement.FieldCurrent:
		return "A"
	case measurement.FieldPower:
		return "W"
	case measurement.FieldResistance:
		return "Ω"
	case measurement.FieldTemperature:
		return "°C"
	case measurement.FieldMAhGroup0, measurement.FieldMAhGroup1:
		return "mAh"
	case measurement.FieldMWhGroup0, measurement.FieldMWhGroup1:
		return "mWh"
	default:
		return ""
	}
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
