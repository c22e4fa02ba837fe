package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meterwatch/internal/alerting"
	"meterwatch/internal/measurement"
)

// SimulateAlert runs one synthetic reading through the configured rules and
// delivers whatever fires, so alert channels can be checked without a meter.
func (a *App) SimulateAlert(ctx context.Context, field string, value float64) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}

	f, err := measurement.ParseField(field)
	if err != nil {
		return err
	}
	rules, err := alerting.CompileRules(a.Config.Alerting.Rules)
	if err != nil {
		return err
	}

	var reading measurement.Reading
	reading.Set(f, value)

	evaluator := alerting.NewEvaluator(rules, a.newNotifier(), nil, nil, alerting.EvaluatorOptions{
		Endpoint: a.Config.Source.Endpoint,
	}, a.Logger)

	sent := evaluator.Evaluate(ctx, measurement.Sample{Timestamp: time.Now().UTC(), Reading: reading})
	if sent == 0 {
		return fmt.Errorf("no rule fired for %s=%g", f, value)
	}
	fmt.Fprintf(a.out(), "%d alert(s) delivered\n", sent)
	return nil
}
