package main

import (
	"github.com/spf13/cobra"
	"github.com/timmy/bulkimport/internal/logger"
	"golang.org/x/sync/errgroup"
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run queue workers and schedule the stale import reaper",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop, app, err := setup("worker")
		if err != nil {
			return err
		}
		defer stop()
		defer app.Close()

		qc := app.Config.Queue
		logger.With(logger.Fields{
			"workers": qc.Workers,
			"backend": qc.Backend,
		}).Info(ctx, "Starting workers")

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return app.Work(gctx) })
		g.Go(func() error { return app.ScheduleReaper(gctx) })
		err = g.Wait()

		logger.CtxInfo(ctx, "Workers stopped")
		return err
	},
}
