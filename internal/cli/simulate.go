package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"positionwatch/internal/app"
)

var (
	simulatePriceOffset float64
	simulateDebtOffset  float64
	simulateRateOffset  float64
	simulateTickShift   int32
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-risk",
	Short: "Re-classify positions under shifted prices, debt, rates, or ticks",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePriceOffset == 0 && simulateDebtOffset == 0 && simulateRateOffset == 0 && simulateTickShift == 0 {
			return errors.New("at least one of --price-offset, --debt-offset, --rate-offset, --tick-shift is required")
		}

		opts := app.SimulateOptions{
			PriceOffset:     simulatePriceOffset,
			DebtAheadOffset: simulateDebtOffset,
			RateOffset:      simulateRateOffset,
			TickShift:       simulateTickShift,
		}
		return getApp().SimulateRisk(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulatePriceOffset, "price-offset", 0, "Additive shift applied to collateral prices")
	simulateCmd.Flags().Float64Var(&simulateDebtOffset, "debt-offset", 0, "Additive shift applied to debt-ahead depth")
	simulateCmd.Flags().Float64Var(&simulateRateOffset, "rate-offset", 0, "Additive shift applied to loan interest rates")
	simulateCmd.Flags().Int32Var(&simulateTickShift, "tick-shift", 0, "Shift applied to the current pool tick")
}
