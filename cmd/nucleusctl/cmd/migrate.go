package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"go.pilab.hu/nucleus/sqlite"
	"go.pilab.hu/nucleus/storage"
)

func (c *cli) newMigrateCommand() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the SQLite schema",
	}

	migrateCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.withSQLite(cmd.Context(), func(s *sqlite.Store) error {
					if err := s.MigrateUp(cmd.Context()); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied.")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.withSQLite(cmd.Context(), func(s *sqlite.Store) error {
					if err := s.MigrateDown(cmd.Context()); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "Rolled back one migration.")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show which migrations are applied",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.withSQLite(cmd.Context(), func(s *sqlite.Store) error {
					status, err := s.MigrationStatus(cmd.Context())
					if err != nil {
						return err
					}
					return printYAML(cmd.OutOrStdout(), status)
				})
			},
		},
	)

	return migrateCmd
}

// withSQLite opens the configured SQLite database without migrating it.
func (c *cli) withSQLite(ctx context.Context, fn func(*sqlite.Store) error) error {
	driver, err := storage.ParseDriver(c.cfg.StorageDriver)
	if err != nil {
		return err
	}
	if driver != storage.DriverSQLite {
		return fmt.Errorf("migrations only apply to the sqlite driver, STORAGE_DRIVER is %q", driver)
	}

	s, err := sqlite.Open(ctx, c.cfg.SQLiteDSN, false)
	if err != nil {
		return err
	}
	defer s.Close()

	return fn(s)
}
