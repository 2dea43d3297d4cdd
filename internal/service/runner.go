package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/bulkimport/internal/domain"
	"github.com/timmy/bulkimport/internal/logger"
	"github.com/timmy/bulkimport/internal/pipeline"
	"github.com/timmy/bulkimport/internal/queue"
)

// InconsistentStateError is recorded when a runner receives a unit of work
// that is not in the state it was dispatched in.
type InconsistentStateError struct {
	Record string
	Status domain.Status
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("%s in unexpected state %s", e.Record, e.Status)
}

// PipelineRunner drives one tracker through its pipeline.
type PipelineRunner struct {
	*Deps
	ledger *FailureLedger
	retry  *RetryStrategy
}

// NewPipelineRunner creates a PipelineRunner.
func NewPipelineRunner(d *Deps, ledger *FailureLedger, retry *RetryStrategy) *PipelineRunner {
	return &PipelineRunner{Deps: d, ledger: ledger, retry: retry}
}

// Perform implements queue.Handler.
func (r *PipelineRunner) Perform(ctx context.Context, job queue.Job) error {
	return r.Run(ctx, job.ID, job.Args.String("tracker_id"), job.Args.Int("stage"), job.Args.String("entity_id"))
}

// Run executes the tracker's pipeline, or polls, skips or fails it
// according to its entity and export. The stage sequencer of the entity is
// always scheduled afterwards.
func (r *PipelineRunner) Run(ctx context.Context, jobID, trackerID string, stage int, entityID string) error {
	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldTrackerID: trackerID,
		logger.FieldEntityID:  entityID,
		logger.FieldStage:     stage,
	})
	defer enqueueUnique(ctx, r.Queue, sequencerJob(entityID, stage))

	tracker, err := r.Trackers.GetByID(ctx, trackerID)
	if err != nil {
		return err
	}
	ctx = logger.WithField(ctx, logger.FieldPipeline, tracker.Pipeline)

	if tracker.Status != domain.StatusEnqueued {
		r.inconsistent(ctx, tracker)
		return nil
	}

	entity, err := r.Imports.GetEntity(ctx, entityID)
	if err != nil {
		return err
	}
	if entity.Status == domain.StatusFailed {
		if err := r.Trackers.Transition(ctx, tracker.ID, domain.EventSkip); err != nil {
			logger.CtxWarn(ctx, "skip tracker: %v", err)
		}
		return nil
	}

	imp, err := r.Imports.GetByID(ctx, entity.ImportID)
	if err != nil {
		return err
	}
	pc := &pipeline.Context{Import: imp, Entity: entity, Tracker: tracker}

	def, ok := r.Pipelines.Lookup(tracker.Pipeline)
	if !ok {
		r.fail(ctx, pc, pipeline.Definition{Name: tracker.Pipeline}, "lookup", fmt.Errorf("unknown pipeline %q", tracker.Pipeline))
		return nil
	}

	if def.FileExtraction && r.now().Sub(tracker.DispatchedAt()) > r.Config.BulkImport.ExtractionTimeout {
		r.fail(ctx, pc, def, "extraction", domain.NewExpired("Pipeline extraction timed out"))
		return nil
	}

	if def.Relation != "" {
		st, ready := r.awaitExport(ctx, pc, def)
		if !ready {
			return nil
		}
		if st.Batched && def.Batchable {
			return r.fanOut(ctx, jobID, pc, st)
		}
	}

	if err := r.Trackers.Start(ctx, tracker.ID, jobID, false); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			logger.CtxWarn(ctx, "tracker was started elsewhere")
			return nil
		}
		return err
	}
	tracker.Status = domain.StatusStarted

	r.execute(ctx, pc, def)
	return nil
}

// awaitExport checks the export consumed by def. It reports ready when the
// export finished; otherwise it has already failed or rescheduled the tracker.
func (r *PipelineRunner) awaitExport(ctx context.Context, pc *pipeline.Context, def pipeline.Definition) (*ExportStatus, bool) {
	st, err := r.Oracle.Status(ctx, pc.Connection(), pc.Portable(), def.Relation)
	if err != nil {
		if delay, ok := domain.RetryDelay(err); ok {
			logger.CtxWarn(ctx, "export status unavailable: %v", err)
			r.poll(ctx, pc.Tracker, delay)
			return nil, false
		}
		r.fail(ctx, pc, def, "export_status", err)
		return nil, false
	}

	switch st.State {
	case ExportFailed:
		r.fail(ctx, pc, def, "export_status", domain.NewSourceFailed(st.Error))
		return nil, false
	case ExportEmpty:
		if r.now().Sub(pc.Tracker.DispatchedAt()) > r.Config.BulkImport.EmptyExportTimeout {
			r.fail(ctx, pc, def, "export_status", domain.NewExpired("Empty export status on source instance"))
			return nil, false
		}
		r.poll(ctx, pc.Tracker, 0)
		return nil, false
	case ExportStarted:
		r.poll(ctx, pc.Tracker, 0)
		return nil, false
	}
	return st, true
}

// poll re-enqueues the tracker after the export poll delay, or after
// requested when that is longer.
func (r *PipelineRunner) poll(ctx context.Context, t *domain.Tracker, requested time.Duration) {
	delay := r.Config.BulkImport.ExportPollDelay
	if requested > delay {
		delay = requested
	}
	enqueue(ctx, r.Queue, delay, pipelineJob(t.ID, t.Stage, t.EntityID))
}

// fanOut starts a batched tracker: batches are created once, every pending
// one is dispatched, and the completion watcher takes over.
func (r *PipelineRunner) fanOut(ctx context.Context, jobID string, pc *pipeline.Context, st *ExportStatus) error {
	tracker := pc.Tracker
	if err := r.Trackers.Start(ctx, tracker.ID, jobID, true); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			logger.CtxWarn(ctx, "tracker was started elsewhere")
			return nil
		}
		return err
	}

	if st.BatchesCount == 0 {
		if err := r.Trackers.Transition(ctx, tracker.ID, domain.EventFinish); err != nil {
			logger.CtxWarn(ctx, "finish empty batched tracker: %v", err)
		}
		return nil
	}

	batches, err := r.Trackers.ListBatches(ctx, tracker.ID)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		if err := r.Trackers.CreateBatches(ctx, tracker.ID, st.BatchesCount); err != nil {
			return fmt.Errorf("create batches: %w", err)
		}
		if batches, err = r.Trackers.ListBatches(ctx, tracker.ID); err != nil {
			return err
		}
	}

	for _, b := range batches {
		if b.Status == domain.StatusCreated {
			enqueue(ctx, r.Queue, 0, pipelineBatchJob(b.ID, tracker.ID))
		}
	}
	enqueue(ctx, r.Queue, r.Config.BulkImport.BatchPollDelay, batchWatcherJob(tracker.ID))

	logger.With(logger.Fields{}).WithCount(len(batches)).Info(ctx, "batched tracker dispatched")
	return nil
}

func (r *PipelineRunner) execute(ctx context.Context, pc *pipeline.Context, def pipeline.Definition) {
	tracker := pc.Tracker
	err := runSafely(ctx, func() error { return def.Pipeline.Run(ctx, pc) })

	if err == nil {
		if err := r.Trackers.Transition(ctx, tracker.ID, domain.EventFinish); err != nil {
			logger.CtxWarn(ctx, "finish tracker: %v", err)
		}
		return
	}

	if requested, ok := domain.RetryDelay(err); ok {
		if !r.retry.Exhausted(tracker.RetryCount) {
			delay := r.retry.Delay(tracker.RetryCount, requested)
			if err := r.Trackers.Retry(ctx, tracker.ID); err != nil {
				logger.CtxWarn(ctx, "retry tracker: %v", err)
				return
			}
			logger.CtxInfo(ctx, "pipeline will retry in %s: %v", delay, err)
			enqueue(ctx, r.Queue, delay, pipelineJob(tracker.ID, tracker.Stage, tracker.EntityID))
			return
		}
		err = fmt.Errorf("retries exhausted after %d attempts: %w", tracker.RetryCount+1, err)
	}
	r.fail(ctx, pc, def, "run", err)
}

// fail records the failure, fails the tracker from whichever state it is
// in, and fails the entity when the pipeline aborts on failure.
func (r *PipelineRunner) fail(ctx context.Context, pc *pipeline.Context, def pipeline.Definition, step string, cause error) {
	r.ledger.Record(ctx, pc.Entity.ID, def.Name, step, cause)

	ev := domain.EventFailOp
	if pc.Tracker.Status == domain.StatusStarted {
		ev = domain.EventFail
	}
	if err := r.Trackers.Transition(ctx, pc.Tracker.ID, ev); err != nil {
		logger.CtxWarn(ctx, "fail tracker: %v", err)
	}

	if def.AbortOnFailure {
		if err := r.Imports.TransitionEntity(ctx, pc.Entity.ID, domain.EventFail); err != nil {
			logger.CtxWarn(ctx, "fail entity: %v", err)
			return
		}
		logger.CtxWarn(ctx, "entity failed, aborting remaining pipelines")
	}
}

func (r *PipelineRunner) inconsistent(ctx context.Context, t *domain.Tracker) {
	logger.CtxWarn(ctx, "tracker in unexpected state %s", t.Status)

	var ev domain.Event
	switch t.Status {
	case domain.StatusCreated:
		ev = domain.EventFailOp
	case domain.StatusStarted:
		ev = domain.EventFail
	default:
		return
	}
	r.ledger.Record(ctx, t.EntityID, t.Pipeline, "run", &InconsistentStateError{Record: "tracker", Status: t.Status})
	if err := r.Trackers.Transition(ctx, t.ID, ev); err != nil {
		logger.CtxWarn(ctx, "fail inconsistent tracker: %v", err)
	}
}
