package cli

import (
	"github.com/spf13/cobra"
)

var (
	simulateField string
	simulateValue float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Run a synthetic reading through the alert rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateAlert(cmd.Context(), simulateField, simulateValue)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateField, "field", "current", "Field to set on the synthetic reading")
	simulateCmd.Flags().Float64Var(&simulateValue, "value", 0, "Value of the field")
	_ = simulateCmd.MarkFlagRequired("value")
}
