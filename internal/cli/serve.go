package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ent0n29/teamtasks/internal/app"
	"github.com/ent0n29/teamtasks/internal/tasks"
)

func newServeCmd(g *globals) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and activity stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				g.cfg.BindAddr = addr
			}
			logger := g.logger()
			built, err := app.Build(cmd.Context(), g.cfg, app.Options{Logger: logger})
			if err != nil {
				return err
			}
			defer func() {
				if err := built.Cleanup(cmd.Context()); err != nil {
					logger.Warn("cleanup failed", "error", err)
				}
			}()
			return app.Serve(cmd.Context(), built)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides APP_BIND_ADDR)")
	return cmd
}

type migrator interface {
	Migrate(ctx context.Context) error
}

func newMigrateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withManager(cmd.Context(), func(m *tasks.Manager, _ tasks.Actor) error {
				st := m.Store()
				if mg, ok := st.(migrator); ok {
					if err := mg.Migrate(cmd.Context()); err != nil {
						return err
					}
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Schema up to date (%s)\n", st.Mode())
				return nil
			})
		},
	}
}
