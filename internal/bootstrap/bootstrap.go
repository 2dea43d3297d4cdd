// Package bootstrap assembles the import engine from configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/timmy/bulkimport/internal/config"
	"github.com/timmy/bulkimport/internal/lease"
	"github.com/timmy/bulkimport/internal/logger"
	"github.com/timmy/bulkimport/internal/pipeline"
	"github.com/timmy/bulkimport/internal/queue"
	"github.com/timmy/bulkimport/internal/repository"
	"github.com/timmy/bulkimport/internal/service"
	"github.com/timmy/bulkimport/internal/source"
	"github.com/timmy/bulkimport/internal/storage"
	"gorm.io/gorm"
)

// App is a fully wired engine plus the resources it owns.
type App struct {
	Config   *config.Config
	DB       *gorm.DB
	Engine   *service.Engine
	Registry *queue.Registry

	dbQueue  *queue.Database
	memQueue *queue.Memory
	redis    *redis.Client
}

// New opens the database, picks the lease, queue and storage backends and
// builds the engine.
// Parameters:
//   - ctx: used for connectivity checks only.
//   - cfg: loaded application configuration.
// Returns:
//   - *App: ready to serve and work; the caller must Close it.
//   - error: non-nil if any backend cannot be initialized.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := repository.InitDB(&cfg.Database, &queue.JobRecord{}, &lease.Record{})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	app := &App{Config: cfg, DB: db}

	leases, err := app.leaseManager(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}

	var q queue.Queue
	switch cfg.Queue.Backend {
	case "memory":
		app.memQueue = queue.NewMemory()
		q = app.memQueue
	case "database", "":
		app.dbQueue = queue.NewDatabase(db)
		q = app.dbQueue
	default:
		app.Close()
		return nil, fmt.Errorf("unsupported queue backend %q", cfg.Queue.Backend)
	}

	store, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	client := source.NewClient(source.Config{Timeout: cfg.Source.Timeout, UserAgent: cfg.Source.UserAgent})
	records := repository.NewRecordRepository(db)

	app.Engine = service.NewEngine(&service.Deps{
		Imports:   repository.NewImportRepository(db),
		Trackers:  repository.NewTrackerRepository(db),
		Exports:   repository.NewExportRepository(db),
		Records:   records,
		Failures:  repository.NewFailureRepository(db),
		Pipelines: pipeline.Default(client, records),
		Queue:     q,
		Leases:    leases,
		Storage:   store,
		Source:    client,
		Oracle:    service.NewExportStatusOracle(client),
		Config:    cfg,
	})
	app.Registry = app.Engine.NewRegistry()

	logger.With(logger.Fields{
		"lease_backend": cfg.Lease.Backend,
		"queue_backend": cfg.Queue.Backend,
		"storage_type":  cfg.Storage.Type,
	}).Info(ctx, "engine initialized with %d job kinds", len(app.Registry.Kinds()))
	return app, nil
}

func (a *App) leaseManager(ctx context.Context) (lease.Manager, error) {
	switch a.Config.Lease.Backend {
	case "memory":
		return lease.NewMemoryManager(), nil
	case "database", "":
		return lease.NewDatabaseManager(a.DB), nil
	case "redis":
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.Config.Redis.Addr,
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", a.Config.Redis.Addr, err)
		}
		return lease.NewRedisManager(a.redis, "bulkimport:lease:"), nil
	default:
		return nil, fmt.Errorf("unsupported lease backend %q", a.Config.Lease.Backend)
	}
}

// Work runs the queue workers until ctx is done.
func (a *App) Work(ctx context.Context) error {
	qc := a.Config.Queue
	if a.memQueue != nil {
		return a.memQueue.Work(ctx, a.Registry, qc.Workers, qc.PollInterval)
	}
	pool := queue.NewPool(a.dbQueue, a.Registry, queue.PoolConfig{
		Workers:      qc.Workers,
		PollInterval: qc.PollInterval,
		LockTimeout:  qc.LockTimeout,
	})
	return pool.Run(ctx)
}

// ScheduleReaper enqueues the stale-import reaper every reaper.interval
// until ctx is done. The reaper job itself is lease-guarded, so every
// worker process may run a scheduler.
func (a *App) ScheduleReaper(ctx context.Context) error {
	rc := a.Config.Reaper
	if !rc.Enabled {
		<-ctx.Done()
		return nil
	}
	interval := rc.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ctx = logger.SetComponent(ctx, "reaper_scheduler")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := a.Engine.Deps.Queue.EnqueueUnique(ctx, service.StaleReapJob()); err != nil {
			logger.CtxWarn(ctx, "failed to schedule reaper: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close releases the database and redis connections.
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}
