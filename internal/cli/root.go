package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ent0n29/teamtasks/internal/app"
	"github.com/ent0n29/teamtasks/internal/config"
	"github.com/ent0n29/teamtasks/internal/observability"
	"github.com/ent0n29/teamtasks/internal/policy"
	"github.com/ent0n29/teamtasks/internal/tasks"
)

// globals carries persistent flag values into subcommands.
type globals struct {
	configPath string
	actorID    string
	actorRole  string
	cfg        config.Config
}

func NewRootCmd(version string) *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:          "teamtasks",
		Short:        "Team task service: hierarchy, dependencies, bulk changes and activity",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := g.configPath
			if path == "" {
				path = strings.TrimSpace(os.Getenv("TEAMTASKS_CONFIG"))
			}
			cfg, err := config.LoadFile(path)
			if err != nil {
				return err
			}
			g.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML config file (env: TEAMTASKS_CONFIG)")
	cmd.PersistentFlags().StringVar(&g.actorID, "actor", envOr("TEAMTASKS_ACTOR", "admin"), "Acting user id (env: TEAMTASKS_ACTOR)")
	cmd.PersistentFlags().StringVar(&g.actorRole, "role", envOr("TEAMTASKS_ROLE", string(policy.RoleAdmin)), "Acting user role: ADMIN, TEAM_LEADER or MEMBER (env: TEAMTASKS_ROLE)")

	cmd.AddCommand(newServeCmd(g))
	cmd.AddCommand(newMigrateCmd(g))
	cmd.AddCommand(newMemberCmd(g))
	cmd.AddCommand(newTaskCmd(g))
	cmd.AddCommand(newSubtaskCmd(g))
	cmd.AddCommand(newDepCmd(g))
	cmd.AddCommand(newBulkCmd(g))
	cmd.AddCommand(newActivityCmd(g))

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}
	return cmd
}

func (g *globals) actor() (tasks.Actor, error) {
	id := strings.TrimSpace(g.actorID)
	if id == "" {
		return tasks.Actor{}, fmt.Errorf("--actor is required")
	}
	role, err := policy.ParseRole(g.actorRole)
	if err != nil {
		return tasks.Actor{}, err
	}
	return tasks.Actor{UserID: id, Role: role}, nil
}

// withManager builds the service for one command and tears it down afterwards.
// Instruments go to a private registry; only serve exposes the default one.
func (g *globals) withManager(ctx context.Context, fn func(m *tasks.Manager, actor tasks.Actor) error) error {
	actor, err := g.actor()
	if err != nil {
		return err
	}
	built, err := app.Build(ctx, g.cfg, app.Options{
		Logger:     g.logger(),
		Registerer: prometheus.NewRegistry(),
	})
	if err != nil {
		return err
	}
	defer func() { _ = built.Cleanup(context.WithoutCancel(ctx)) }()
	return fn(built.Manager, actor)
}

func (g *globals) logger() *slog.Logger {
	level, _ := config.ParseLogLevel(g.cfg.LogLevel)
	return observability.NewLogger(os.Stderr, level, g.cfg.LogFormat)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
