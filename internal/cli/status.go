package cli

import (
	"github.com/spf13/cobra"
)

var (
	statusPeriod string
	statusFields []string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sampler state and optional window statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Status(cmd.Context(), statusPeriod, statusFields)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusPeriod, "stats", "", "Also print statistics over this window, e.g. 5m")
	statusCmd.Flags().StringSliceVar(&statusFields, "fields", nil, "Fields to summarise (default voltage,current,power)")
}
