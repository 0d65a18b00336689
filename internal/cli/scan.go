package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"positionwatch/internal/app"
)

var (
	scanContractID int64
	scanFromBlock  uint64
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a one-shot log scan for a single contract",
	RunE: func(cmd *cobra.Command, args []string) error {
		if scanContractID <= 0 {
			return errors.New("--contract must be a positive contract id")
		}

		opts := app.ScanOptions{
			ContractID: scanContractID,
			FromBlock:  scanFromBlock,
			Reset:      cmd.Flags().Changed("from-block"),
		}
		return getApp().Scan(cmd.Context(), opts)
	},
}

func init() {
	scanCmd.Flags().Int64Var(&scanContractID, "contract", 0, "Contract id to scan")
	scanCmd.Flags().Uint64Var(&scanFromBlock, "from-block", 0, "Reset the cursor and rescan from this block inclusive (0 rescans from the contract start block)")
}
