package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oarkflow/rbacgate"
)

func loadConfig(path string) (*rbacgate.Config, error) {
	if path == "" {
		return &rbacgate.Config{}, nil
	}
	return rbacgate.NewConfigLoader().LoadFile(path)
}

func rulesCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Print the rule table ordered by role level",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			table, err := cfg.RuleTable()
			if err != nil {
				return err
			}
			return printRules(cmd.OutOrStdout(), table)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file with custom rules (YAML or JSON)")
	return cmd
}

func printRules(w io.Writer, table *rbacgate.RuleTable) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LEVEL\tROLE\tACTION\tRESOURCE\tCONDITIONS")
	for _, role := range rbacgate.Roles() {
		perms := table.PermissionsFor(role)
		if len(perms) == 0 {
			fmt.Fprintf(tw, "%d\t%s\t-\t-\t-\n", role.Level(), role)
			continue
		}
		for _, p := range perms {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", role.Level(), role, p.Action, p.Resource, conditionLabel(p.Conditions))
		}
	}
	return tw.Flush()
}

func conditionLabel(c *rbacgate.Conditions) string {
	if c.Empty() {
		return "-"
	}
	var parts []string
	if c.IsOwner {
		parts = append(parts, "owner")
	}
	if c.TeamMember {
		parts = append(parts, "team")
	}
	return strings.Join(parts, "+")
}
