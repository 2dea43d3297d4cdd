package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/timmy/bulkimport/internal/api"
	"github.com/timmy/bulkimport/internal/logger"
	"golang.org/x/sync/errgroup"
)

var withWorkers bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&withWorkers, "with-workers", false, "Also run queue workers and the reaper in this process")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop, app, err := setup("api")
	if err != nil {
		return err
	}
	defer stop()
	defer app.Close()

	sqlDB, err := app.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB instance: %w", err)
	}

	cfg := app.Config
	router := api.SetupRouter(app.Engine, api.RouterConfig{
		Mode:        cfg.Server.Mode,
		AccessToken: cfg.Server.AccessToken,
		DB:          sqlDB,
		Logger:      logger.GetDefault(),
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.With(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info(gctx, "Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.CtxInfo(gctx, "Shutting down server...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if withWorkers {
		g.Go(func() error { return app.Work(gctx) })
		g.Go(func() error { return app.ScheduleReaper(gctx) })
	}

	err = g.Wait()
	logger.CtxInfo(ctx, "Server exited")
	return err
}
