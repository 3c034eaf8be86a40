package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"delivery-tracker/internal/connections/database"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the orders schema, status log and notify trigger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load("migrate", true)
			if err != nil {
				return err
			}
			pool, err := database.Connect(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := database.Migrate(cmd.Context(), pool)
			if err != nil {
				return err
			}
			for _, f := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), "applied", f)
			}
			log.Info("migrations_applied", map[string]any{"count": len(applied)})
			return nil
		},
	}
}
