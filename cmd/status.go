package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"hive/internal/presentation"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List every task and its lifecycle state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		m, cleanup, err := newManager(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		tasks, err := m.Status(ctx)
		if err != nil {
			return err
		}

		fmt.Fprint(cmd.OutOrStdout(), presentation.RenderTasks(tasks))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
