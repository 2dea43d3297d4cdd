package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/bulkimport/internal/logger"
	"golang.org/x/sync/errgroup"
)

// PoolConfig tunes a worker Pool.
type PoolConfig struct {
	Workers      int
	PollInterval time.Duration
	// LockTimeout is how long a claimed job stays invisible; a worker that
	// dies mid-job gets its job redelivered after it. A live worker renews
	// the lock every LockTimeout/2.
	LockTimeout time.Duration
}

// Pool runs jobs from a Database queue on a fixed set of goroutines.
type Pool struct {
	queue    *Database
	registry *Registry
	cfg      PoolConfig
	name     string
}

// NewPool creates a Pool.
func NewPool(q *Database, reg *Registry, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 15 * time.Minute
	}
	host, _ := os.Hostname()
	return &Pool{
		queue:    q,
		registry: reg,
		cfg:      cfg,
		name:     fmt.Sprintf("%s-%s", host, uuid.New().String()[:8]),
	}
}

// Run blocks until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	ctx = logger.SetComponent(ctx, "queue_pool")
	logger.CtxInfo(ctx, "starting %d queue workers as %s", p.cfg.Workers, p.name)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		worker := fmt.Sprintf("%s/%d", p.name, i)
		g.Go(func() error {
			p.loop(ctx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, worker string) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.queue.Claim(ctx, worker, p.cfg.LockTimeout)
		if err != nil {
			logger.CtxWarn(ctx, "claim next job failed: %v", err)
		}
		if job == nil {
			if !sleepWithContext(ctx, p.cfg.PollInterval) {
				return
			}
			continue
		}

		p.RunOne(ctx, worker, *job)
	}
}

// RunOne executes a job claimed by worker and removes it from the queue.
// The lock is renewed while the handler runs. Retries are stored as new
// jobs by the registry before the row is removed.
func (p *Pool) RunOne(ctx context.Context, worker string, job Job) {
	hbCtx, stop := context.WithCancel(ctx)
	var g errgroup.Group
	g.Go(func() error {
		p.heartbeat(hbCtx, worker, job.ID)
		return nil
	})

	if err := p.registry.Execute(ctx, p.queue, job); err != nil {
		logger.CtxDebug(ctx, "job %s (%s) ended with error: %v", job.ID, job.Kind, err)
	}
	stop()
	_ = g.Wait()

	if err := p.queue.Complete(context.WithoutCancel(ctx), job.ID); err != nil {
		logger.CtxError(ctx, "failed to complete job %s: %v", job.ID, err)
	}
}

func (p *Pool) heartbeat(ctx context.Context, worker, id string) {
	ticker := time.NewTicker(p.cfg.LockTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.queue.Heartbeat(ctx, id, worker, p.cfg.LockTimeout)
			if errors.Is(err, ErrLockLost) {
				logger.CtxWarn(ctx, "job %s: %v", id, err)
				return
			}
			if err != nil && ctx.Err() == nil {
				logger.CtxWarn(ctx, "job %s: %v", id, err)
			}
		}
	}
}
