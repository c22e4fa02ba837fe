package cli

import (
	"github.com/spf13/cobra"

	"meterwatch/internal/app"
)

var (
	exportPeriod    string
	exportFields    []string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a window of samples as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			Period:    exportPeriod,
			Fields:    exportFields,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportPeriod, "period", "10m", "Window to export, e.g. 30s, 5m, 1h")
	exportCmd.Flags().StringSliceVar(&exportFields, "fields", nil, "Fields to chart (default voltage,current,power)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
