package app

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"

	"meterwatch/internal/query"
)

// LiveConfig prints the server configuration, applying doc first when it is not empty.
func (a *App) LiveConfig(ctx context.Context, doc map[string]any) error {
	c := a.newClient()

	if len(doc) == 0 {
		cfg, err := c.Config(ctx)
		if err != nil {
			return err
		}
		printConfig(a, cfg)
		return nil
	}

	res, err := c.UpdateConfig(ctx, doc)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out(), res.Message)
	keys := make([]string, 0, len(res.Rejected))
	for k := range res.Rejected {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(a.out(), "  rejected %s: %s\n", k, res.Rejected[k])
	}
	if res.Evicted > 0 {
		fmt.Fprintf(a.out(), "  evicted %d samples\n", res.Evicted)
	}
	printConfig(a, res.Config)
	return nil
}

func printConfig(a *App, cfg query.Config) {
	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "source_endpoint\t%s\n", cfg.SourceEndpoint)
	fmt.Fprintf(writer, "poll_interval\t%s s\n", formatFloat(cfg.PollInterval, 3))
	fmt.Fprintf(writer, "retention_minutes\t%s\n", formatFloat(cfg.RetentionMinutes, 0))
	_ = writer.Flush()
}
