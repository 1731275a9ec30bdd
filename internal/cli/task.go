package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ent0n29/teamtasks/internal/tasks"
)

func newTaskCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create and change individual tasks",
	}
	cmd.AddCommand(newTaskCreateCmd(g))
	cmd.AddCommand(newTaskGetCmd(g))
	cmd.AddCommand(newTaskStatusCmd(g))
	cmd.AddCommand(newTaskAssignCmd(g))
	cmd.AddCommand(newTaskDeleteCmd(g))
	cmd.AddCommand(newTaskProgressCmd(g))
	return cmd
}

func newTaskCreateCmd(g *globals) *cobra.Command {
	var (
		req                    tasks.CreateRequest
		priority, kind, status string
		team, assignee, parent string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Priority = tasks.Priority(priority)
			req.Type = tasks.TaskType(kind)
			req.Status = tasks.TaskStatus(status)
			req.TeamID = optional(team)
			req.AssigneeID = optional(assignee)
			req.ParentTaskID = optional(parent)
			return g.withManager(cmd.Context(), func(m *tasks.Manager, actor tasks.Actor) error {
				task, err := m.CreateTask(cmd.Context(), actor, req)
				if err != nil {
					return err
				}
				return printJSON(cmd, task)
			})
		},
	}
	cmd.Flags().StringVar(&req.Title, "title", "", "Task title")
	cmd.Flags().StringVar(&req.Description, "description", "", "Task description")
	cmd.Flags().StringVar(&priority, "priority", "", "LOW, MEDIUM, HIGH or URGENT (default MEDIUM)")
	cmd.Flags().StringVar(&kind, "type", "", "PERSONAL or TEAM (default derived from --team)")
	cmd.Flags().StringVar(&status, "status", "", "Initial status (default TODO)")
	cmd.Flags().StringVar(&team, "team", "", "Owning team id")
	cmd.Flags().StringVar(&assignee, "assignee", "", "Assignee user id")
	cmd.Flags().StringVar(&parent, "parent", "", "Parent task id")
	return cmd
}

func newTaskGetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get TASK_ID",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withManager(cmd.Context(), func(m *tasks.Manager, actor tasks.Actor) error {
				task, err := m.GetTask(cmd.Context(), actor, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, task)
			})
		},
	}
}

func newTaskStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status TASK_ID STATUS",
		Short: "Change a task's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withManager(cmd.Context(), func(m *tasks.Manager, actor tasks.Actor) error {
				task, err := m.ChangeStatus(cmd.Context(), actor, args[0], tasks.TaskStatus(args[1]))
				if err != nil {
					return err
				}
				return printJSON(cmd, task)
			})
		},
	}
}

func newTaskAssignCmd(g *globals) *cobra.Command {
	var (
		user     string
		unassign bool
	)
	cmd := &cobra.Command{
		Use:   "assign TASK_ID",
		Short: "Assign a task (--user) or clear its assignee (--clear)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			assignee, err := assigneeFlag(user, unassign)
			if err != nil {
				return err
			}
			return g.withManager(cmd.Context(), func(m *tasks.Manager, actor tasks.Actor) error {
				task, err := m.AssignTask(cmd.Context(), actor, args[0], assignee)
				if err != nil {
					return err
				}
				return printJSON(cmd, task)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "Assignee user id")
	cmd.Flags().BoolVar(&unassign, "clear", false, "Remove the current assignee")
	return cmd
}

func newTaskDeleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "delete TASK_ID",
		Short: "Delete a task with its dependencies, activity and attachments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withManager(cmd.Context(), func(m *tasks.Manager, actor tasks.Actor) error {
				if err := m.DeleteTask(cmd.Context(), actor, args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted task %s\n", args[0])
				return nil
			})
		},
	}
}

func newTaskProgressCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "progress TASK_ID",
		Short: "Show completion of a task's direct subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withManager(cmd.Context(), func(m *tasks.Manager, actor tasks.Actor) error {
				p, err := m.ComputeProgress(cmd.Context(), actor, args[0])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d/%d subtasks done (%d%%)\n", p.Completed, p.Total, p.Percent)
				return nil
			})
		},
	}
}

func newActivityCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "activity TASK_ID",
		Short: "Show a task's activity trail, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withManager(cmd.Context(), func(m *tasks.Manager, actor tasks.Actor) error {
				records, err := m.GetActivity(cmd.Context(), actor, args[0], limit)
				if err != nil {
					return err
				}
				if len(records) == 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No activity.")
					return nil
				}
				for _, a := range records {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %-18s %-10s %s\n",
						a.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"), a.Action, a.UserID, a.Description)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum records (default 100)")
	return cmd
}

func assigneeFlag(user string, unassign bool) (*string, error) {
	switch {
	case unassign && user != "":
		return nil, errors.New("use either --user or --clear")
	case unassign:
		return nil, nil
	case user == "":
		return nil, errors.New("--user or --clear is required")
	default:
		return &user, nil
	}
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
