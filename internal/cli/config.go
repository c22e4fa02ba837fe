package cli

import (
	"github.com/spf13/cobra"
)

var (
	configInterval  float64
	configRetention int
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read or update the live configuration of a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		doc := map[string]any{}
		if cmd.Flags().Changed("poll-interval") {
			doc["poll_interval"] = configInterval
		}
		if cmd.Flags().Changed("retention-minutes") {
			doc["retention_minutes"] = configRetention
		}
		return getApp().LiveConfig(cmd.Context(), doc)
	},
}

func init() {
	configCmd.Flags().Float64Var(&configInterval, "poll-interval", 0, "New poll interval in seconds")
	configCmd.Flags().IntVar(&configRetention, "retention-minutes", 0, "New retention window in minutes")
}
