package cli

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/hemant07j07/eventstore/api"
	"github.com/hemant07j07/eventstore/internal/app"
	"github.com/hemant07j07/eventstore/internal/logging"
)

// NewServeCommand creates the serve command: the HTTP API plus the
// scheduled scrape, sweep and index jobs under one supervisor.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var noSchedule bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run scheduled jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := opts.cfg
			logger := logging.Logger()

			a, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.WithIndex(ctx); err != nil {
				return err
			}
			if err := a.WithIngester(); err != nil {
				return err
			}

			srv := api.NewServer(a.Store, a.Resolver, api.Options{AdminToken: cfg.HTTP.AdminToken, Logger: logger})
			httpServer := &http.Server{
				Addr:              cfg.HTTP.Addr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       30 * time.Second,
				WriteTimeout:      60 * time.Second,
				IdleTimeout:       120 * time.Second,
			}

			sup := app.NewSupervisor("eventstore", logger)
			sup.Add(app.NewHTTPService(httpServer, cfg.HTTP.ShutdownTimeout))
			if !noSchedule {
				sched := app.NewScheduler(cfg.Ingest.Location(), logger)
				if err := a.ScheduleJobs(sched); err != nil {
					return err
				}
				sup.Add(sched)
			}

			logger.Info().Str("addr", cfg.HTTP.Addr).Bool("scheduler", !noSchedule).Msg("serving")
			err = sup.Serve(ctx)
			if ctx.Err() != nil {
				logger.Info().Msg("shut down")
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "serve the API without scheduled jobs")
	return cmd
}
