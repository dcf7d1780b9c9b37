package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/internal/config"
)

func newCheckConfigCmd(root *rootOptions) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate settings and print the security report with lint warnings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.envFile)
			if err != nil {
				return err
			}
			engineCfg, err := cfg.Engine()
			if err != nil {
				return err
			}
			return writeConfigCheck(cmd.OutOrStdout(), engineCfg, strict)
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when any warn-level lint fires")
	return cmd
}

type configCheck struct {
	Report   authcore.SecurityReport `json:"report"`
	Warnings authcore.LintWarnings   `json:"warnings"`
}

func writeConfigCheck(w io.Writer, cfg authcore.Config, strict bool) error {
	out := configCheck{Report: cfg.Report(), Warnings: cfg.Lint()}
	if out.Warnings == nil {
		out.Warnings = authcore.LintWarnings{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if !strict {
		return nil
	}
	for _, warning := range out.Warnings {
		if warning.Severity == authcore.LintWarn {
			return fmt.Errorf("lint %s: %s", warning.Code, warning.Message)
		}
	}
	return nil
}
