package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"meterwatch/internal/measurement"
	"meterwatch/internal/query"
)

// Export renders a window fetched from a running server as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if _, err := query.ParsePeriod(opts.Period); err != nil {
		return err
	}
	fields, err := exportFields(opts.Fields)
	if err != nil {
		return err
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	res, err := a.newClient().Window(ctx, opts.Period)
	if err != nil {
		return err
	}
	if len(res.Data) == 0 {
		a.Logger.Info().Str("period", opts.Period).Msg("no samples found for export window")
		return nil
	}

	samples := make([]measurement.Sample, 0, len(res.Data))
	for _, rec := range res.Data {
		s, err := rec.Sample()
		if err != nil {
			return err
		}
		samples = append(samples, s)
	}

	downsampled := downsampleSamples(samples, opts.MaxPoints)
	a.Logger.Info().Int("total", len(samples)).Int("exported", len(downsampled)).Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writeSamplesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSamplesPNG(opts.PNGPath, downsampled, fields); err != nil {
			return err
		}
	}

	return nil
}

func exportFields(names []string) ([]measurement.Field, error) {
	if len(names) == 0 {
		return append([]measurement.Field(nil), measurement.DefaultAggregateFields...), nil
	}
	out := make([]measurement.Field, 0, len(names))
	for _, name := range names {
		f, err := measurement.ParseField(name)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func downsampleSamples(samples []measurement.Sample, max int) []measurement.Sample {
	if max <= 0 || len(samples) <= max {
		return samples
	}
	if max == 1 {
		return samples[len(samples)-1:]
	}

	result := make([]measurement.Sample, 0, max)
	step := float64(len(samples)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		result = append(result, samples[idx])
	}
	return result
}

func writeSamplesCSV(path string, samples []measurement.Sample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := make([]string, 0, len(measurement.AllFields)+1)
	header = append(header, "timestamp")
	for _, f := range measurement.AllFields {
		header = append(header, string(f))
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, sample := range samples {
		record := make([]string, 0, len(header))
		record = append(record, query.FormatTime(sample.Timestamp))
		for _, f := range measurement.AllFields {
			v, _ := sample.Value(f)
			record = append(record, strconv.FormatFloat(v, 'f', -1, 64))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeSamplesPNG(path string, samples []measurement.Sample, fields []measurement.Field) error {
	if len(samples) < 2 {
		return errors.New("a chart needs at least two samples")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(samples))
	for i, sample := range samples {
		x[i] = sample.Timestamp
	}

	series := make([]chart.Series, 0, len(fields))
	for _, f := range fields {
		y := make([]float64, len(samples))
		for i, sample := range samples {
			y[i], _ = sample.Value(f)
		}
		ts := chart.TimeSeries{
			Name:    string(f),
			XValues: x,
			YValues: y,
		}
		// W and °C go on the secondary axis.
		if f == measurement.FieldPower || f == measurement.FieldTemperature {
			ts.YAxis = chart.YAxisSecondary
		}
		series = append(series, ts)
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatterWithFormat("15:04:05"),
		},
		YAxis: chart.YAxis{
			Name:           "V / A",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "W / °C",
			ValueFormatter: valueFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create png: %w", err)
	}
	defer file.Close()

	if err := graph.Render(chart.PNG, file); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
