package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MrEthical07/authcore/internal/config"
	"github.com/MrEthical07/authcore/store/postgres"
)

func newMigrateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate up|down",
		Short:     "Apply or roll back the PostgreSQL schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.envFile)
			if err != nil {
				return err
			}
			if err := postgres.Migrate(cfg.DatabaseURL, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: ok\n", args[0])
			return nil
		},
	}
}
