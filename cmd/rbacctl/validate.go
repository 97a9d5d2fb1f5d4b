package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			rules := len(cfg.Rules)
			source := "custom"
			if rules == 0 {
				source = "default"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s rules, %d routes, %d users, %d memberships)\n",
				args[0], source, len(cfg.Routes), len(cfg.Users), len(cfg.Memberships))
			return nil
		},
	}
}
