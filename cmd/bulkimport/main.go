// Package main provides the bulkimport binary: the HTTP API, the queue
// workers and one-off maintenance commands.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/timmy/bulkimport/internal/bootstrap"
	"github.com/timmy/bulkimport/internal/config"
	"github.com/timmy/bulkimport/internal/logger"
)

// Global flags
var (
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "bulkimport",
	Short: "Group and project migration between installations",
	Long: `bulkimport copies groups and projects from a source installation through
staged, batched pipelines.

Typical use:
  bulkimport serve                 # HTTP API (imports and relation exports)
  bulkimport work                  # queue workers and the stale import reaper
  bulkimport reap                  # time out stale imports once and exit`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.SetDefaultLogger(logger.NewFromEnv(logger.LoadFromEnv()))
	},
}

func init() {
	// Support CONFIG_PATH environment variable for production deployments
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "Path to config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workCmd)
	rootCmd.AddCommand(reapCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.GetDefault().WithError(err).Fatal("bulkimport failed")
	}
}

// setup loads the configuration and wires the engine. The returned context
// is cancelled on SIGINT or SIGTERM.
func setup(component string) (context.Context, context.CancelFunc, *bootstrap.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	ctx = logger.GetDefault().WithContext(ctx)
	ctx = logger.SetComponent(ctx, component)

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	return ctx, stop, app, nil
}
