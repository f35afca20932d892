package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/canopyfs/canopy/internal/config"
	"github.com/canopyfs/canopy/internal/store"
)

// newMigrateCmd applies pending schema migrations without starting the
// gateway, for deployments that migrate as a separate release step.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadOrDefault(config.ConfigPath(flagConfigPath))
			if err != nil {
				return err
			}

			logger := buildLogger(cfg.Logging)

			st, err := store.Open(cmd.Context(), cfg.Database.Path, logger)
			if err != nil {
				return err
			}

			if err := st.Close(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "database %s is up to date\n", cfg.Database.Path)

			return nil
		},
	}
}
