package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	nucleus "go.pilab.hu/nucleus"
)

func (c *cli) newCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired authorization codes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			deleted, err := nucleus.NewJanitor(store, 0, c.logger, nil).Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleaned up %d expired authorization codes\n", deleted)
			return nil
		},
	}
}

func (c *cli) newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show authorization code statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			active, err := nucleus.NewJanitor(store, 0, c.logger, nil).Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), map[string]int64{
				"active_authorization_codes": active,
			})
		},
	}
}
