package alerting

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"meterwatch/internal/archive"
	"meterwatch/internal/config"
	"meterwatch/internal/measurement"
)

const deliverTimeout = 15 * time.Second

// Auditor records emitted alerts.
type Auditor interface {
	InsertAlert(ctx context.Context, alert archive.AlertRecord) (archive.AlertRecord, error)
}

// Counter counts emitted alerts per field.
type Counter interface {
	AlertSent(field string)
}

// Rule is a compiled threshold band for one field.
type Rule struct {
	Name  string
	Field measurement.Field
	Above *float64
	Below *float64
}

// Check reports whether v lies outside the band and which limit it crossed.
func (r Rule) Check(v float64) (Direction, float64, bool) {
	if r.Above != nil && v > *r.Above {
		return DirectionAbove, *r.Above, true
	}
	if r.Below != nil && v < *r.Below {
		return DirectionBelow, *r.Below, true
	}
	return "", 0, false
}

// CompileRules validates configured rules.
func CompileRules(rules []config.AlertRule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for i, rule := range rules {
		field, err := measurement.ParseField(rule.Field)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if rule.Above == nil && rule.Below == nil {
			return nil, fmt.Errorf("rule %d: above or below is required", i)
		}
		name := rule.Name
		if name == "" {
			name = fmt.Sprintf("%s_%d", field, i)
		}
		out = append(out, Rule{Name: name, Field: field, Above: rule.Above, Below: rule.Below})
	}
	return out, nil
}

// EvaluatorOptions tune the evaluator.
type EvaluatorOptions struct {
	Endpoint  string
	Cooldown  time.Duration
	QueueSize int
}

// Evaluator checks accepted samples against threshold rules off the sampling path.
type Evaluator struct {
	rules    []Rule
	limiters []*rate.Limiter
	notifier Notifier
	auditor  Auditor
	counter  Counter
	endpoint string
	logger   zerolog.Logger
	queue    chan measurement.Sample

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewEvaluator wires rules to a notifier. auditor and counter may be nil.
func NewEvaluator(rules []Rule, notifier Notifier, auditor Auditor, counter Counter, opts EvaluatorOptions, logger zerolog.Logger) *Evaluator {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	limit := rate.Inf
	if opts.Cooldown > 0 {
		limit = rate.Every(opts.Cooldown)
	}
	limiters := make([]*rate.Limiter, len(rules))
	for i := range rules {
		limiters[i] = rate.NewLimiter(limit, 1)
	}
	return &Evaluator{
		rules:    rules,
		limiters: limiters,
		notifier: notifier,
		auditor:  auditor,
		counter:  counter,
		endpoint: opts.Endpoint,
		logger:   logger.With().Str("component", "alerting").Logger(),
		queue:    make(chan measurement.Sample, opts.QueueSize),
	}
}

// Observe enqueues a sample without blocking.
func (e *Evaluator) Observe(sample measurement.Sample) {
	select {
	case e.queue <- sample:
	default:
		e.dropped.Add(1)
	}
}

// Run evaluates queued samples until ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context) error {
	e.logger.Info().Int("rules", len(e.rules)).Msg("alert evaluator started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Uint64("sent", e.sent.Load()).Msg("alert evaluator stopped")
			return nil
		case sample := <-e.queue:
			e.Evaluate(ctx, sample)
		}
	}
}

// Evaluate checks one sample and returns how many alerts were delivered.
// Each rule fires at most once per cooldown, measured on sample time.
func (e *Evaluator) Evaluate(ctx context.Context, sample measurement.Sample) int {
	delivered := 0
	for i, rule := range e.rules {
		v, _ := sample.Value(rule.Field)
		direction, threshold, crossed := rule.Check(v)
		if !crossed {
			continue
		}
		if !e.limiters[i].AllowN(sample.Timestamp, 1) {
			continue
		}

		note := Notification{
			At:        sample.Timestamp,
			Endpoint:  e.endpoint,
			Rule:      rule.Name,
			Field:     rule.Field,
			Value:     decimal.NewFromFloat(v),
			Threshold: decimal.NewFromFloat(threshold),
			Direction: direction,
		}
		if err := e.deliver(ctx, note); err != nil {
			e.logger.Error().Err(err).Str("rule", rule.Name).Msg("alert delivery failed")
			continue
		}
		delivered++
	}
	return delivered
}

func (e *Evaluator) deliver(ctx context.Context, note Notification) error {
	ctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()

	if err := e.notifier.Notify(ctx, note); err != nil {
		return err
	}
	e.sent.Add(1)
	if e.counter != nil {
		e.counter.AlertSent(string(note.Field))
	}
	if e.auditor != nil {
		_, err := e.auditor.InsertAlert(ctx, archive.AlertRecord{
			SampleTS:  note.At,
			Rule:      note.Rule,
			Field:     string(note.Field),
			Value:     note.Value,
			Threshold: note.Threshold,
			Direction: string(note.Direction),
		})
		if err != nil {
			e.logger.Warn().Err(err).Str("rule", note.Rule).Msg("alert audit failed")
		}
	}
	return nil
}

// Depth reports queued samples.
func (e *Evaluator) Depth() int { return len(e.queue) }

// Dropped counts samples skipped because the queue was full.
func (e *Evaluator) Dropped() uint64 { return e.dropped.Load() }

// Sent counts delivered alerts.
func (e *Evaluator) Sent() uint64 { return e.sent.Load() }
