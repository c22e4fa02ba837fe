package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"meterwatch/internal/app"
)

var (
	showPeriod string
	showLimit  int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent samples from a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Period: showPeriod,
			Limit:  showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

var latestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Display the newest sample",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Latest(cmd.Context())
	},
}

func init() {
	showCmd.Flags().StringVar(&showPeriod, "period", "1m", "Window to read, e.g. 30s, 5m, 1h")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of samples to display")
}
