package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ent0n29/teamtasks/internal/tasks"
)

func newSubtaskCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subtask",
		Short: "Manage the parent/child hierarchy",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "attach PARENT_ID CHILD_ID",
		Short: "Make CHILD_ID a subtask of PARENT_ID",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withManager(cmd.Context(), func(m *tasks.Manager, actor tasks.Actor) error {
				if _, err := m.AttachSubtask(cmd.Context(), actor, args[0], args[1]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Attached %s under %s\n", args[1], args[0])
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "detach CHILD_ID",
		Short: "Clear a task's parent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withManager(cmd.Context(), func(m *tasks.Manager, actor tasks.Actor) error {
				if _, err := m.DetachSubtask(cmd.Context(), actor, args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Detached %s\n", args[0])
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "ls PARENT_ID",
		Short: "List direct subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withManager(cmd.Context(), func(m *tasks.Manager, actor tasks.Actor) error {
				children, err := m.ListSubtasks(cmd.Context(), actor, args[0])
				if err != nil {
					return err
				}
				for _, c := range children {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "- %s [%s] %s\n", c.ID, c.Status, c.Title)
				}
				return nil
			})
		},
	})
	return cmd
}

func newDepCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dep",
		Short: "Manage blocking dependencies",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add DEPENDENT_ID BLOCKING_ID",
		Short: "Record that DEPENDENT_ID is blocked by BLOCKING_ID",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withManager(cmd.Context(), func(m *tasks.Manager, actor tasks.Actor) error {
				edge, err := m.AddDependency(cmd.Context(), actor, args[0], args[1])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Added dependency %s\n", edge.ID)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rm DEPENDENCY_ID",
		Short: "Remove a dependency edge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withManager(cmd.Context(), func(m *tasks.Manager, actor tasks.Actor) error {
				if err := m.RemoveDependency(cmd.Context(), actor, args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed dependency %s\n", args[0])
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "ls TASK_ID",
		Short: "List what a task waits on and what waits on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withManager(cmd.Context(), func(m *tasks.Manager, actor tasks.Actor) error {
				blocking, err := m.ListBlocking(cmd.Context(), actor, args[0])
				if err != nil {
					return err
				}
				dependents, err := m.ListDependents(cmd.Context(), actor, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintln(out, "Blocked by:")
				for _, r := range blocking {
					_, _ = fmt.Fprintf(out, "- %s [%s] %s (edge %s)\n", r.Task.ID, r.Task.Status, r.Task.Title, r.Dependency.ID)
				}
				_, _ = fmt.Fprintln(out, "Blocking:")
				for _, r := range dependents {
					_, _ = fmt.Fprintf(out, "- %s [%s] %s (edge %s)\n", r.Task.ID, r.Task.Status, r.Task.Title, r.Dependency.ID)
				}
				return nil
			})
		},
	})
	return cmd
}
