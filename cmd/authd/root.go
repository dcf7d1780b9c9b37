package main

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	envFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "authd",
		Short: "Authentication and session service",
		Long: `authd runs the authcore HTTP API: password login with lockout, TOTP MFA,
rotating refresh sessions, organization binding and password reset.

Settings come from AUTHCORE_* environment variables, optionally seeded from
a .env file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file read before the environment")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newCheckConfigCmd(opts),
		newKeygenCmd(),
		newLoadtestCmd(),
		newPerfcheckCmd(),
	)
	return cmd
}
