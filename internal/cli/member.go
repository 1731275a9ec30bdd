package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ent0n29/teamtasks/internal/policy"
	"github.com/ent0n29/teamtasks/internal/tasks"
)

func newMemberCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Manage team memberships",
	}
	cmd.AddCommand(newMemberSetCmd(g, "add", "Add a user to a team", true))
	cmd.AddCommand(newMemberSetCmd(g, "rm", "Deactivate a user's team membership", false))
	return cmd
}

func newMemberSetCmd(g *globals, use, short string, active bool) *cobra.Command {
	var user, team string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" || team == "" {
				return errors.New("--user and --team are required")
			}
			return g.withManager(cmd.Context(), func(m *tasks.Manager, actor tasks.Actor) error {
				if actor.Role != policy.RoleAdmin {
					return errors.New("only admins manage team memberships")
				}
				if err := m.SaveMembership(cmd.Context(), tasks.Membership{UserID: user, TeamID: team, Active: active}); err != nil {
					return err
				}
				state := "active"
				if !active {
					state = "inactive"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Membership %s/%s is %s\n", user, team, state)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "User id")
	cmd.Flags().StringVar(&team, "team", "", "Team id")
	return cmd
}
