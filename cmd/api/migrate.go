package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"oathboard/api/internal/config"
	"oathboard/api/internal/store"
)

func newMigrateCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply every pending migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				db, err := openDatabase(cmd, *cfg)
				if err != nil {
					return err
				}
				defer db.Close()
				if err := store.ApplyMigrations(cmd.Context(), db, cfg.MigrationsDir); err != nil {
					return fmt.Errorf("apply migrations: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				db, err := openDatabase(cmd, *cfg)
				if err != nil {
					return err
				}
				defer db.Close()
				version, err := store.RollbackMigration(cmd.Context(), db, cfg.MigrationsDir)
				if err != nil {
					return fmt.Errorf("roll back migration: %w", err)
				}
				if version == "" {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", version)
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				db, err := openDatabase(cmd, *cfg)
				if err != nil {
					return err
				}
				defer db.Close()
				statuses, err := store.MigrationStatuses(cmd.Context(), db, cfg.MigrationsDir)
				if err != nil {
					return fmt.Errorf("read migration status: %w", err)
				}
				for _, status := range statuses {
					state := "pending"
					if status.Applied {
						state = "applied"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "  %-8s  %s\n", state, status.Version)
				}
				return nil
			},
		},
	)
	return cmd
}
