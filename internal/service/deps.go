package service

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/timmy/bulkimport/internal/config"
	"github.com/timmy/bulkimport/internal/domain"
	"github.com/timmy/bulkimport/internal/lease"
	"github.com/timmy/bulkimport/internal/logger"
	"github.com/timmy/bulkimport/internal/pipeline"
	"github.com/timmy/bulkimport/internal/queue"
	"github.com/timmy/bulkimport/internal/repository"
	"github.com/timmy/bulkimport/internal/source"
	"github.com/timmy/bulkimport/internal/storage"
)

// ExportRequester asks a source installation to start exporting a portable.
type ExportRequester interface {
	StartExport(ctx context.Context, conn source.Connection, p source.Portable, batched bool) error
}

// Deps are the collaborators shared by the engine's components.
type Deps struct {
	Imports   *repository.ImportRepository
	Trackers  *repository.TrackerRepository
	Exports   *repository.ExportRepository
	Records   *repository.RecordRepository
	Failures  *repository.FailureRepository
	Pipelines *pipeline.Registry
	Queue     queue.Queue
	Leases    lease.Manager
	Storage   storage.ObjectStorage
	Source    ExportRequester
	Oracle    *ExportStatusOracle
	Config    *config.Config
	// Now defaults to the UTC wall clock.
	Now func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

// runSafely calls fn and converts a panic into a *domain.PanicError so the
// unit of work fails through the normal path.
func runSafely(ctx context.Context, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).WithField("stack", string(debug.Stack())).Errorf("pipeline panicked: %v", r)
			err = &domain.PanicError{Value: r}
		}
	}()
	return fn()
}

// enqueue logs a failed enqueue instead of returning it. A follow-up job
// that was never stored is left for the stale reaper.
func enqueue(ctx context.Context, q queue.Queue, delay time.Duration, job queue.Job) {
	var err error
	if delay > 0 {
		err = q.EnqueueAfter(ctx, delay, job)
	} else {
		err = q.EnqueueNow(ctx, job)
	}
	if err != nil {
		logger.CtxError(ctx, "failed to enqueue %s: %v", job.Kind, err)
	}
}

func enqueueUnique(ctx context.Context, q queue.Queue, job queue.Job) {
	if err := q.EnqueueUnique(ctx, job); err != nil {
		logger.CtxError(ctx, "failed to enqueue %s: %v", job.Kind, err)
	}
}

// settled drops ErrInvalidTransition: another delivery already moved the record.
func settled(err error) error {
	if errors.Is(err, domain.ErrInvalidTransition) {
		return nil
	}
	return err
}
