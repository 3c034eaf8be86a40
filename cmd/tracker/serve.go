package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"delivery-tracker/internal/common/httpx"
	"delivery-tracker/internal/connections/database"
	"delivery-tracker/internal/microservices/dispatch"
	"delivery-tracker/internal/microservices/tracker"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tracking HTTP and WebSocket service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load("tracking-service", false)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			deps, cleanup, err := connect(ctx, cfg, log)
			defer cleanup()
			if err != nil {
				return err
			}
			if migrate && deps.Pool != nil {
				applied, err := database.Migrate(ctx, deps.Pool)
				if err != nil {
					return err
				}
				log.Info("migrations_applied", map[string]any{"files": applied})
			}

			app, err := tracker.Build(cfg, deps, log)
			if err != nil {
				return err
			}
			log.Info("service_started", map[string]any{"addr": cfg.HTTP.Addr, "live_source": cfg.Live.Source, "dispatch": cfg.Dispatch.Enabled})

			g, gctx := errgroup.WithContext(ctx)
			srv := httpx.New(cfg.HTTP.Addr, app.Handler, cfg.HTTP.ShutdownTimeout, log)
			g.Go(func() error { return srv.Run(gctx) })
			g.Go(func() error { return app.Run(gctx) })
			if cfg.Dispatch.Enabled {
				g.Go(func() error {
					return dispatch.Run(gctx, app.Dispatch, deps.RMQ, cfg.RabbitMQ.Exchange, log)
				})
			}
			err = g.Wait()
			log.Info("service_stopped", nil)
			return err
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply database migrations before serving")
	return cmd
}
