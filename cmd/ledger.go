package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"hive/internal/presentation"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Show the consolidated spec ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		m, cleanup, err := newManager(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		entries, err := m.LedgerEntries(ctx)
		if err != nil {
			return err
		}

		fmt.Fprint(cmd.OutOrStdout(), presentation.RenderLedger(entries))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
}
