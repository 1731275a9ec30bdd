package cli

import (
	"github.com/spf13/cobra"

	"github.com/ent0n29/teamtasks/internal/tasks"
)

func newBulkCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Apply one change to many tasks atomically",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status STATUS TASK_ID...",
		Short: "Set the status of every listed task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withManager(cmd.Context(), func(m *tasks.Manager, actor tasks.Actor) error {
				res, err := m.BulkStatusChange(cmd.Context(), actor, args[1:], tasks.TaskStatus(args[0]))
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	})

	var (
		user     string
		unassign bool
	)
	assign := &cobra.Command{
		Use:   "assign TASK_ID...",
		Short: "Assign (--user) or unassign (--clear) every listed task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			assignee, err := assigneeFlag(user, unassign)
			if err != nil {
				return err
			}
			return g.withManager(cmd.Context(), func(m *tasks.Manager, actor tasks.Actor) error {
				res, err := m.BulkAssign(cmd.Context(), actor, args, assignee)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	assign.Flags().StringVar(&user, "user", "", "Assignee user id")
	assign.Flags().BoolVar(&unassign, "clear", false, "Remove the current assignee")
	cmd.AddCommand(assign)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete TASK_ID...",
		Short: "Delete every listed task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withManager(cmd.Context(), func(m *tasks.Manager, actor tasks.Actor) error {
				res, err := m.BulkDelete(cmd.Context(), actor, args)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	})
	return cmd
}
