package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/timmy/bulkimport/internal/domain"
	"github.com/timmy/bulkimport/internal/logger"
	"github.com/timmy/bulkimport/internal/metrics"
	"github.com/timmy/bulkimport/internal/pipeline"
	"github.com/timmy/bulkimport/internal/queue"
)

// BatchRunner runs one batch of a batched tracker.
type BatchRunner struct {
	*Deps
	ledger *FailureLedger
	retry  *RetryStrategy
}

// NewBatchRunner creates a BatchRunner.
func NewBatchRunner(d *Deps, ledger *FailureLedger, retry *RetryStrategy) *BatchRunner {
	return &BatchRunner{Deps: d, ledger: ledger, retry: retry}
}

// Perform implements queue.Handler.
func (r *BatchRunner) Perform(ctx context.Context, job queue.Job) error {
	return r.Run(ctx, job, job.Args.String("batch_id"))
}

// Run executes the batch. Terminal outcomes schedule the completion watcher
// of the parent tracker; retries and cap deferrals reschedule the batch.
func (r *BatchRunner) Run(ctx context.Context, job queue.Job, batchID string) error {
	ctx = logger.WithField(ctx, logger.FieldBatchID, batchID)

	batch, err := r.Trackers.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	tracker, err := r.Trackers.GetByID(ctx, batch.TrackerID)
	if err != nil {
		return err
	}
	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldTrackerID: tracker.ID,
		logger.FieldEntityID:  tracker.EntityID,
		logger.FieldPipeline:  tracker.Pipeline,
	})

	watch := true
	defer func() {
		if watch {
			enqueueUnique(ctx, r.Queue, batchWatcherJob(tracker.ID))
		}
	}()

	if batch.Status != domain.StatusCreated {
		r.inconsistent(ctx, batch, tracker)
		return nil
	}

	entity, err := r.Imports.GetEntity(ctx, tracker.EntityID)
	if err != nil {
		return err
	}
	if entity.Status == domain.StatusFailed {
		if err := r.Trackers.TransitionBatch(ctx, batch.ID, domain.EventSkip); err != nil {
			logger.CtxWarn(ctx, "skip batch: %v", err)
		}
		return nil
	}

	limit := r.Config.BulkImport.ConcurrentBatchLimit
	if limit > 0 {
		running, err := r.Trackers.CountStartedBatches(ctx)
		if err != nil {
			return err
		}
		if running >= int64(limit) {
			watch = false
			metrics.CapDeferrals.WithLabelValues("destination").Inc()
			logger.CtxDebug(ctx, "%d batches running, deferring", running)
			enqueue(ctx, r.Queue, r.Config.BulkImport.BatchCapDelay, pipelineBatchJob(batch.ID, tracker.ID))
			return nil
		}
	}

	imp, err := r.Imports.GetByID(ctx, entity.ImportID)
	if err != nil {
		return err
	}
	def, ok := r.Pipelines.Lookup(tracker.Pipeline)
	if !ok {
		r.ledger.Record(ctx, tracker.EntityID, tracker.Pipeline, "lookup", fmt.Errorf("unknown pipeline %q", tracker.Pipeline))
		if err := r.Trackers.TransitionBatch(ctx, batch.ID, domain.EventFailOp); err != nil {
			logger.CtxWarn(ctx, "fail batch: %v", err)
		}
		return nil
	}

	if err := r.Trackers.StartBatch(ctx, batch.ID, job.ID); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			watch = false
			logger.CtxWarn(ctx, "batch was started elsewhere")
			return nil
		}
		return err
	}
	batch.Status = domain.StatusStarted

	pc := &pipeline.Context{Import: imp, Entity: entity, Tracker: tracker, Batch: batch}
	err = runSafely(ctx, func() error { return def.Pipeline.Run(ctx, pc) })
	if err == nil {
		if err := r.Trackers.TransitionBatch(ctx, batch.ID, domain.EventFinish); err != nil {
			logger.CtxWarn(ctx, "finish batch: %v", err)
		}
		return nil
	}

	if requested, ok := domain.RetryDelay(err); ok {
		if !r.retry.Exhausted(batch.RetryCount) {
			if rerr := r.Trackers.RetryBatch(ctx, batch.ID); rerr != nil {
				logger.CtxWarn(ctx, "retry batch: %v", rerr)
				return nil
			}
			watch = false
			delay := r.retry.Delay(batch.RetryCount, requested)
			logger.CtxInfo(ctx, "batch %d will retry in %s: %v", batch.BatchNumber, delay, err)
			enqueue(ctx, r.Queue, delay, pipelineBatchJob(batch.ID, tracker.ID))
			return nil
		}
		err = fmt.Errorf("retries exhausted after %d attempts: %w", batch.RetryCount+1, err)
	}

	r.ledger.Record(ctx, tracker.EntityID, tracker.Pipeline, fmt.Sprintf("batch %d", batch.BatchNumber), err)
	if err := r.Trackers.TransitionBatch(ctx, batch.ID, domain.EventFail); err != nil {
		logger.CtxWarn(ctx, "fail batch: %v", err)
	}
	return nil
}

func (r *BatchRunner) inconsistent(ctx context.Context, b *domain.Batch, t *domain.Tracker) {
	logger.CtxWarn(ctx, "batch in unexpected state %s", b.Status)
	if b.Status != domain.StatusStarted {
		return
	}
	r.ledger.Record(ctx, t.EntityID, t.Pipeline, fmt.Sprintf("batch %d", b.BatchNumber), &InconsistentStateError{Record: "batch", Status: b.Status})
	if err := r.Trackers.TransitionBatch(ctx, b.ID, domain.EventFail); err != nil {
		logger.CtxWarn(ctx, "fail inconsistent batch: %v", err)
	}
}

// BatchWatcher finishes or fails a batched tracker once its batches settle.
type BatchWatcher struct {
	*Deps
	ledger *FailureLedger
}

// NewBatchWatcher creates a BatchWatcher.
func NewBatchWatcher(d *Deps, ledger *FailureLedger) *BatchWatcher {
	return &BatchWatcher{Deps: d, ledger: ledger}
}

// Perform implements queue.Handler.
func (w *BatchWatcher) Perform(ctx context.Context, job queue.Job) error {
	return w.Check(ctx, job.Args.String("tracker_id"))
}

// Check applies to started batched trackers only. A tracker whose newest
// batch update is older than the staleness threshold is failed with all of
// its batches; a tracker with pending batches is checked again later;
// otherwise the pipeline's finish hook runs and the tracker finishes.
func (w *BatchWatcher) Check(ctx context.Context, trackerID string) error {
	ctx = logger.WithField(ctx, logger.FieldTrackerID, trackerID)

	tracker, err := w.Trackers.GetByID(ctx, trackerID)
	if err != nil {
		return err
	}
	if !tracker.Batched || tracker.Status != domain.StatusStarted {
		return nil
	}
	ctx = logger.WithFields(ctx, logger.Fields{logger.FieldEntityID: tracker.EntityID, logger.FieldPipeline: tracker.Pipeline})

	batches, err := w.Trackers.ListBatches(ctx, tracker.ID)
	if err != nil {
		return err
	}

	if len(batches) > 0 && w.now().Sub(batches[0].UpdatedAt) > w.Config.BulkImport.BatchStaleness {
		n, err := w.Trackers.FailBatches(ctx, tracker.ID)
		if err != nil {
			return err
		}
		w.ledger.Record(ctx, tracker.EntityID, tracker.Pipeline, "batches", domain.NewExpired("Batch tracker timed out"))
		if err := w.Trackers.Transition(ctx, tracker.ID, domain.EventFail); err != nil {
			logger.CtxWarn(ctx, "fail stale tracker: %v", err)
		}
		logger.With(logger.Fields{}).WithCount(int(n)).Warn(ctx, "stale batches failed")
		w.advance(ctx, tracker)
		return nil
	}

	for _, b := range batches {
		if !b.Status.IsTerminal() {
			enqueue(ctx, w.Queue, w.Config.BulkImport.BatchPollDelay, batchWatcherJob(tracker.ID))
			return nil
		}
	}

	if err := w.finalize(ctx, tracker); err != nil {
		w.ledger.Record(ctx, tracker.EntityID, tracker.Pipeline, "on_finish", err)
		if err := w.Trackers.Transition(ctx, tracker.ID, domain.EventFail); err != nil {
			logger.CtxWarn(ctx, "fail tracker: %v", err)
		}
	} else if err := w.Trackers.Transition(ctx, tracker.ID, domain.EventFinish); err != nil {
		logger.CtxWarn(ctx, "finish tracker: %v", err)
	}
	w.advance(ctx, tracker)
	return nil
}

func (w *BatchWatcher) finalize(ctx context.Context, tracker *domain.Tracker) error {
	def, ok := w.Pipelines.Lookup(tracker.Pipeline)
	if !ok {
		return fmt.Errorf("unknown pipeline %q", tracker.Pipeline)
	}
	finisher, ok := def.Pipeline.(pipeline.Finisher)
	if !ok {
		return nil
	}
	entity, err := w.Imports.GetEntity(ctx, tracker.EntityID)
	if err != nil {
		return err
	}
	imp, err := w.Imports.GetByID(ctx, entity.ImportID)
	if err != nil {
		return err
	}
	return runSafely(ctx, func() error {
		return finisher.OnFinish(ctx, &pipeline.Context{Import: imp, Entity: entity, Tracker: tracker})
	})
}

func (w *BatchWatcher) advance(ctx context.Context, t *domain.Tracker) {
	enqueueUnique(ctx, w.Queue, sequencerJob(t.EntityID, t.Stage))
}
