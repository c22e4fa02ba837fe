package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"meterwatch/internal/measurement"
	"meterwatch/internal/query"
)

// Status prints the server status and, when period is set, field statistics for it.
func (a *App) Status(ctx context.Context, period string, fields []string) error {
	c := a.newClient()

	st, err := c.Status(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "endpoint\t%s\n", st.SourceEndpoint)
	fmt.Fprintf(writer, "sampler\t%s\n", runningLabel(st.Running))
	fmt.Fprintf(writer, "poll interval\t%s\n", secondsDuration(st.PollInterval))
	fmt.Fprintf(writer, "poll latency\t%.1f ms\n", st.PollLatencyMS)
	fmt.Fprintf(writer, "polls\t%s (%s failed)\n", humanize.Comma(int64(st.Polls)), humanize.Comma(int64(st.PollErrors)))
	fmt.Fprintf(writer, "retention\t%s\n", secondsDuration(st.RetentionMinutes*60))
	fmt.Fprintf(writer, "samples\t%s\n", humanize.Comma(int64(st.DataCount)))
	fmt.Fprintf(writer, "oldest\t%s\n", relative(st.OldestData, now))
	fmt.Fprintf(writer, "newest\t%s\n", relative(st.NewestData, now))
	if st.LastError != nil {
		fmt.Fprintf(writer, "last error\t%s\n", *st.LastError)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	if period == "" {
		return nil
	}

	agg, err := c.Aggregate(ctx, period, fields)
	if err != nil {
		return err
	}
	printAggregate(a, agg)
	return nil
}

func printAggregate(a *App, agg query.AggregateResult) {
	fmt.Fprintf(a.out(), "\nlast %s (%s samples)\n", agg.Period, humanize.Comma(int64(agg.SampleCount)))

	names := make([]string, 0, len(agg.Fields))
	for f := range agg.Fields {
		names = append(names, string(f))
	}
	sort.Strings(names)

	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "field\tmin\tavg\tmax\tp50\tp95")
	for _, name := range names {
		s := agg.Fields[measurement.Field(name)]
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			name,
			formatFloat(s.Min, 3),
			formatFloat(s.Avg, 3),
			formatFloat(s.Max, 3),
			optional(s.P50),
			optional(s.P95),
		)
	}
	_ = writer.Flush()
}

func optional(v *float64) string {
	if v == nil {
		return "-"
	}
	return formatFloat(*v, 3)
}

func runningLabel(running bool) string {
	if running {
		return "running"
	}
	return "stopped"
}

func secondsDuration(seconds float64) string {
	return time.Duration(seconds * float64(time.Second)).String()
}

func relative(ts *string, now time.Time) string {
	if ts == nil {
		return "-"
	}
	rec := query.Record{Timestamp: *ts}
	s, err := rec.Sample()
	if err != nil {
		return *ts
	}
	return fmt.Sprintf("%s (%s)", *ts, strings.TrimSpace(humanize.RelTime(s.Timestamp, now, "ago", "from now")))
}
