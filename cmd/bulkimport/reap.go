package main

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/timmy/bulkimport/internal/logger"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Time out imports that have not progressed within reaper.stale_after",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop, app, err := setup("reaper")
		if err != nil {
			return err
		}
		defer stop()
		defer app.Close()

		start := time.Now()
		stats, err := app.Engine.Reaper.Reap(ctx)
		if err != nil {
			return err
		}
		logger.With(logger.Fields{
			"imports":  stats.Imports,
			"entities": stats.Entities,
			"trackers": stats.Trackers,
		}).WithDuration(start).Info(ctx, "Stale imports reaped")
		return nil
	},
}
