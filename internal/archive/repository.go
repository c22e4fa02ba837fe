package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"meterwatch/internal/measurement"
)

var (
	// ErrNotConfigured indicates the archive pool was not initialised.
	ErrNotConfigured = errors.New("archive: pool not configured")
)

const (
	samplesTable = "meter_samples"

	createSamplesSQL = `CREATE TABLE IF NOT EXISTS meter_samples (
        ts          timestamptz      NOT NULL,
        endpoint    text             NOT NULL,
        voltage     double precision NOT NULL,
        current     double precision NOT NULL,
        power       double precision NOT NULL,
        resistance  double precision NOT NULL,
        temperature double precision NOT NULL,
        mah_g0      double precision NOT NULL,
        mwh_g0      double precision NOT NULL,
        mah_g1      double precision NOT NULL,
        mwh_g1      double precision NOT NULL
    );`

	createSamplesIndexSQL = `CREATE INDEX IF NOT EXISTS meter_samples_endpoint_ts_idx
    ON meter_samples (endpoint, ts);`

	createAlertsSQL = `CREATE TABLE IF NOT EXISTS meter_alerts (
        id         bigserial   PRIMARY KEY,
        sample_ts  timestamptz NOT NULL,
        endpoint   text        NOT NULL,
        rule       text        NOT NULL,
        field      text        NOT NULL,
        value      numeric     NOT NULL,
        threshold  numeric     NOT NULL,
        direction  text        NOT NULL,
        created_at timestamptz NOT NULL DEFAULT now()
    );`

	insertAlertSQL = `INSERT INTO meter_alerts (
        sample_ts,
        endpoint,
        rule,
        field,
        value,
        threshold,
        direction
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    RETURNING id, created_at;`

	countSamplesSQL = `SELECT COUNT(*) FROM meter_samples WHERE endpoint = $1;`
)

var sampleColumns = []string{
	"ts", "endpoint",
	"voltage", "current", "power", "resistance", "temperature",
	"mah_g0", "mwh_g0", "mah_g1", "mwh_g1",
}

// AlertRecord captures an emitted alert for auditing.
type AlertRecord struct {
	ID        int64
	SampleTS  time.Time
	Rule      string
	Field     string
	Value     decimal.Decimal
	Threshold decimal.Decimal
	Direction string
	CreatedAt time.Time
}

// Store writes samples and alert audits for a single meter endpoint.
type Store struct {
	pool     *pgxpool.Pool
	endpoint string
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool, endpoint string) *Store {
	return &Store{pool: pool, endpoint: endpoint}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the archive tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range []string{createSamplesSQL, createSamplesIndexSQL, createAlertsSQL} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure archive schema: %w", err)
		}
	}
	return nil
}

// WriteSamples copies a batch into meter_samples.
func (s *Store) WriteSamples(ctx context.Context, samples []measurement.Sample) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if len(samples) == 0 {
		return 0, nil
	}

	n, err := pool.CopyFrom(ctx,
		pgx.Identifier{samplesTable},
		sampleColumns,
		pgx.CopyFromSlice(len(samples), func(i int) ([]any, error) {
			return sampleRow(s.endpoint, samples[i]), nil
		}),
	)
	if err != nil {
		return n, fmt.Errorf("copy samples: %w", err)
	}
	return n, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.SampleTS,
		s.endpoint,
		alert.Rule,
		alert.Field,
		alert.Value.String(),
		alert.Threshold.String(),
		alert.Direction,
	)

	rec := alert
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", err)
	}
	return rec, nil
}

// CountSamples counts archived samples for this endpoint.
func (s *Store) CountSamples(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if err := pool.QueryRow(ctx, countSamplesSQL, s.endpoint).Scan(&count); err != nil {
		return 0, fmt.Errorf("count samples: %w", err)
	}
	return count, nil
}

func sampleRow(endpoint string, s measurement.Sample) []any {
	return []any{
		s.Timestamp.UTC(),
		endpoint,
		s.Voltage,
		s.Current,
		s.Power,
		s.Resistance,
		s.Temperature,
		s.EnergyGroup0MAh,
		s.EnergyGroup0MWh,
		s.EnergyGroup1MAh,
		s.EnergyGroup1MWh,
	}
}
