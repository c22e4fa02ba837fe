package app

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"meterwatch/internal/client"
	"meterwatch/internal/query"
)

// Show prints the newest records of a window as a table.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	res, err := a.newClient().Window(ctx, opts.Period)
	if err != nil {
		return err
	}
	if len(res.Data) == 0 {
		fmt.Fprintln(a.out(), "no samples found")
		return nil
	}

	records := res.Data
	if opts.Limit > 0 && len(records) > opts.Limit {
		records = records[len(records)-opts.Limit:]
	}

	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time\tVoltage (V)\tCurrent (A)\tPower (W)\tResistance (Ω)\tTemp (°C)\tmAh g0\tmWh g0")

	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Timestamp,
			formatFloat(rec.Voltage, 3),
			formatFloat(rec.Current, 3),
			formatFloat(rec.Power, 3),
			formatFloat(rec.Resistance, 1),
			formatFloat(rec.Temperature, 1),
			formatFloat(rec.MAhGroup0, 0),
			formatFloat(rec.MWhGroup0, 0),
		)
	}

	if err := writer.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(a.out(), "%d of %d samples in the last %s\n", len(records), res.Count, res.Period)
	return nil
}

// Latest prints the newest record.
func (a *App) Latest(ctx context.Context) error {
	rec, err := a.newClient().Latest(ctx)
	if client.IsNoData(err) {
		fmt.Fprintln(a.out(), "no samples yet")
		return nil
	}
	if err != nil {
		return err
	}
	printRecord(a, rec)
	return nil
}

func printRecord(a *App, rec query.Record) {
	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "timestamp\t%s\n", rec.Timestamp)
	fmt.Fprintf(writer, "voltage\t%s V\n", formatFloat(rec.Voltage, 3))
	fmt.Fprintf(writer, "current\t%s A\n", formatFloat(rec.Current, 3))
	fmt.Fprintf(writer, "power\t%s W\n", formatFloat(rec.Power, 3))
	fmt.Fprintf(writer, "resistance\t%s Ω\n", formatFloat(rec.Resistance, 1))
	fmt.Fprintf(writer, "temperature\t%s °C\n", formatFloat(rec.Temperature, 1))
	fmt.Fprintf(writer, "group 0\t%s mAh / %s mWh\n", formatFloat(rec.MAhGroup0, 0), formatFloat(rec.MWhGroup0, 0))
	fmt.Fprintf(writer, "group 1\t%s mAh / %s mWh\n", formatFloat(rec.MAhGroup1, 0), formatFloat(rec.MWhGroup1, 0))
	_ = writer.Flush()
}

func formatFloat(v float64, places int32) string {
	return decimal.NewFromFloat(v).StringFixed(places)
}
