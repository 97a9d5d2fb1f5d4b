package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oarkflow/rbacgate"
	"github.com/oarkflow/rbacgate/logger"
	"github.com/oarkflow/rbacgate/stores"
)

type checkFlags struct {
	config   string
	role     string
	action   string
	resource string
	user     string
	owner    string
	project  string
	members  []string
}

func checkCmd() *cobra.Command {
	var f checkFlags
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Explain a single authorization decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := runCheck(cmd.Context(), f, cmd.Flags().Changed("members"))
			if err != nil {
				return err
			}
			verdict := "DENY"
			if d.Allowed {
				verdict = "ALLOW"
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s %s %s: %s\n", verdict, d.Role, d.Action, d.Resource, d.Reason)
			if d.MatchedPermission != nil {
				fmt.Fprintf(out, "matched: %s\n", d.MatchedPermission)
			}
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.config, "config", "c", "", "Config file with rules and memberships")
	fl.StringVar(&f.role, "role", "", "Role to check")
	fl.StringVar(&f.action, "action", "", "Action to check")
	fl.StringVar(&f.resource, "resource", "", "Resource to check")
	fl.StringVar(&f.user, "user", "", "Acting user ID")
	fl.StringVar(&f.owner, "owner", "", "Resource owner ID")
	fl.StringVar(&f.project, "project", "", "Project ID")
	fl.StringSliceVar(&f.members, "members", nil, "Pre-fetched team members of the project")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("action")
	_ = cmd.MarkFlagRequired("resource")
	return cmd
}

func runCheck(ctx context.Context, f checkFlags, membersSet bool) (*rbacgate.Decision, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	role, ok := rbacgate.ParseRole(f.role)
	if !ok {
		return nil, fmt.Errorf("unknown role %q", f.role)
	}
	action, ok := rbacgate.ParseAction(f.action)
	if !ok {
		return nil, fmt.Errorf("unknown action %q", f.action)
	}
	cfg, err := loadConfig(f.config)
	if err != nil {
		return nil, err
	}
	table, err := cfg.RuleTable()
	if err != nil {
		return nil, err
	}
	members := stores.NewMemoryMembershipStore()
	for _, m := range cfg.Memberships {
		for _, id := range m.Members {
			if err := members.AddMember(ctx, m.ProjectID, id); err != nil {
				return nil, err
			}
		}
	}
	engine, err := rbacgate.NewEngine(table,
		rbacgate.WithMembershipStore(members),
		rbacgate.WithLogger(logger.NewNullLogger()),
	)
	if err != nil {
		return nil, err
	}
	rc := &rbacgate.ResourceContext{
		UserID:          f.user,
		ResourceOwnerID: f.owner,
		ProjectID:       f.project,
	}
	if membersSet {
		rc.TeamMembers = make([]string, 0, len(f.members))
		for _, m := range f.members {
			if m = strings.TrimSpace(m); m != "" {
				rc.TeamMembers = append(rc.TeamMembers, m)
			}
		}
	}
	return engine.Explain(ctx, role, action, rbacgate.Resource(strings.ToUpper(f.resource)), rc)
}
