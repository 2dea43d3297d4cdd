package service

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/bulkimport/internal/domain"
	"github.com/timmy/bulkimport/internal/pipeline"
	"github.com/timmy/bulkimport/internal/source"
	"github.com/timmy/bulkimport/internal/testutil"
)

func TestRunnerSuccessFinishesAndSequencesOnce(t *testing.T) {
	h := newHarness(t)
	e := h.seedEntity()
	tr := h.seedTracker(e.ID, 0, "attrs", domain.StatusEnqueued)
	h.finished("self")

	require.NoError(t, h.eng.Runner.Run(h.ctx, "job-1", tr.ID, 0, e.ID))

	got := h.tracker(tr.ID)
	assert.Equal(t, domain.StatusFinished, got.Status)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, 1, h.stubs["attrs"].count())

	seq := h.q.PendingKind(KindSequencer)
	require.Len(t, seq, 1)
	assert.Equal(t, e.ID, seq[0].Job.Args.String("entity_id"))
	assert.Equal(t, "0", seq[0].Job.Args.String("stage"))
	assert.Empty(t, h.q.PendingKind(KindPipeline))
}

func TestRunnerPipelineWithoutExport(t *testing.T) {
	h := newHarness(t)
	e := h.seedEntity()
	tr := h.seedTracker(e.ID, 2, "finisher", domain.StatusEnqueued)

	require.NoError(t, h.eng.Runner.Run(h.ctx, "job-1", tr.ID, 2, e.ID))
	assert.Equal(t, domain.StatusFinished, h.tracker(tr.ID).Status)
}

func TestRunnerEmptyExportPollsThenExpires(t *testing.T) {
	h := newHarness(t)
	e := h.seedEntity()
	tr := h.seedTracker(e.ID, 1, "labels", domain.StatusEnqueued)

	require.NoError(t, h.eng.Runner.Run(h.ctx, "job-1", tr.ID, 1, e.ID))
	assert.Equal(t, domain.StatusEnqueued, h.tracker(tr.ID).Status)
	polls := h.q.PendingKind(KindPipeline)
	require.Len(t, polls, 1)
	assert.WithinDuration(t, h.qclock.now().Add(5*time.Second), polls[0].RunAt, time.Second)
	assert.Zero(t, h.stubs["labels"].count())

	h.q.Clear()
	testutil.AgeCreated(t, h.db, &domain.Tracker{}, tr.ID, 6*time.Minute)

	require.NoError(t, h.eng.Runner.Run(h.ctx, "job-2", tr.ID, 1, e.ID))
	assert.Equal(t, domain.StatusFailed, h.tracker(tr.ID).Status)
	assert.Empty(t, h.q.PendingKind(KindPipeline))
	assert.Len(t, h.q.PendingKind(KindSequencer), 1)

	fs := h.failures(e.ID)
	require.Len(t, fs, 1)
	assert.Equal(t, "Expired", fs[0].ExceptionClass)
	assert.Equal(t, "labels", fs[0].Pipeline)
	assert.Equal(t, domain.StatusStarted, h.entity(e.ID).Status, "labels does not abort the entity")
}

func TestRunnerStartedExportPolls(t *testing.T) {
	h := newHarness(t)
	e := h.seedEntity()
	tr := h.seedTracker(e.ID, 1, "labels", domain.StatusEnqueued)
	h.src.set("labels", &source.RelationStatus{Status: source.StatusStarted})
	testutil.AgeCreated(t, h.db, &domain.Tracker{}, tr.ID, time.Hour)

	require.NoError(t, h.eng.Runner.Run(h.ctx, "job-1", tr.ID, 1, e.ID))
	assert.Equal(t, domain.StatusEnqueued, h.tracker(tr.ID).Status, "a started export never expires the tracker")
	assert.Len(t, h.q.PendingKind(KindPipeline), 1)
}

func TestRunnerRetryableStatusErrorPollsWithRequestedDelay(t *testing.T) {
	h := newHarness(t)
	e := h.seedEntity()
	tr := h.seedTracker(e.ID, 1, "labels", domain.StatusEnqueued)
	h.src.errs["labels"] = domain.NewRetryable(errors.New("429"), time.Minute)

	require.NoError(t, h.eng.Runner.Run(h.ctx, "job-1", tr.ID, 1, e.ID))
	polls := h.q.PendingKind(KindPipeline)
	require.Len(t, polls, 1)
	assert.WithinDuration(t, h.qclock.now().Add(time.Minute), polls[0].RunAt, time.Second)
}

func TestRunnerExtractionTimeout(t *testing.T) {
	h := newHarness(t)
	e := h.seedEntity()
	tr := h.seedTracker(e.ID, 1, "labels", domain.StatusEnqueued)
	h.finished("labels")
	testutil.AgeCreated(t, h.db, &domain.Tracker{}, tr.ID, 91*time.Minute)

	require.NoError(t, h.eng.Runner.Run(h.ctx, "job-1", tr.ID, 1, e.ID))
	assert.Equal(t, domain.StatusFailed, h.tracker(tr.ID).Status)
	assert.Zero(t, h.stubs["labels"].count())
	assert.Equal(t, "Expired", h.failures(e.ID)[0].ExceptionClass)
}

func TestRunnerExtractionTimeoutCountsFromDispatch(t *testing.T) {
	h := newHarness(t)
	e := h.seedEntity()
	tr := h.seedTracker(e.ID, 1, "labels", domain.StatusCreated)
	h.finished("labels")
	testutil.AgeCreated(t, h.db, &domain.Tracker{}, tr.ID, 2*time.Hour)
	require.NoError(t, h.eng.Deps.Trackers.Enqueue(h.ctx, tr.ID))
	require.NotNil(t, h.tracker(tr.ID).EnqueuedAt)

	require.NoError(t, h.eng.Runner.Run(h.ctx, "job-1", tr.ID, 1, e.ID))
	assert.Equal(t, domain.StatusFinished, h.tracker(tr.ID).Status, "slow earlier stages do not expire a fresh dispatch")
	assert.Equal(t, 1, h.stubs["labels"].count())
	assert.Empty(t, h.failures(e.ID))
}

func TestRunnerSourceFailedAbortsEntity(t *testing.T) {
	h := newHarness(t)
	e := h.seedEntity()
	tr := h.seedTracker(e.ID, 0, "attrs", domain.StatusEnqueued)
	h.src.set("self", &source.RelationStatus{Status: source.StatusFailed, Error: "disk full"})

	require.NoError(t, h.eng.Runner.Run(h.ctx, "job-1", tr.ID, 0, e.ID))
	assert.Equal(t, domain.StatusFailed, h.tracker(tr.ID).Status)
	assert.Equal(t, domain.StatusFailed, h.entity(e.ID).Status)

	fs := h.failures(e.ID)
	require.Len(t, fs, 1)
	assert.Equal(t, "SourceFailed", fs[0].ExceptionClass)
	assert.Equal(t, "Export from source instance failed: disk full", fs[0].ExceptionMessage)
}

func TestRunnerSkipsTrackerOfFailedEntity(t *testing.T) {
	h := newHarness(t)
	e := h.seedEntity()
	tr := h.seedTracker(e.ID, 1, "labels", domain.StatusEnqueued)
	h.finished("labels")
	require.NoError(t, h.eng.Deps.Imports.TransitionEntity(h.ctx, e.ID, domain.EventFail))

	require.NoError(t, h.eng.Runner.Run(h.ctx, "job-1", tr.ID, 1, e.ID))
	assert.Equal(t, domain.StatusSkipped, h.tracker(tr.ID).Status)
	assert.Zero(t, h.stubs["labels"].count(), "no pipeline body runs for a failed entity")
	assert.Len(t, h.q.PendingKind(KindSequencer), 1)
	assert.Empty(t, h.failures(e.ID))
}

func TestRunnerRetryableErrorRequeues(t *testing.T) {
	h := newHarness(t)
	e := h.seedEntity()
	tr := h.seedTracker(e.ID, 1, "labels", domain.StatusEnqueued)
	h.finished("labels")
	h.stubs["labels"].behaviour = func(*pipeline.Context) error {
		return domain.NewRetryable(errors.New("rate limited"), 0)
	}

	require.NoError(t, h.eng.Runner.Run(h.ctx, "job-1", tr.ID, 1, e.ID))
	got := h.tracker(tr.ID)
	assert.Equal(t, domain.StatusEnqueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	polls := h.q.PendingKind(KindPipeline)
	require.Len(t, polls, 1)
	assert.WithinDuration(t, h.qclock.now().Add(30*time.Second), polls[0].RunAt, time.Second)
	assert.Empty(t, h.failures(e.ID))
}

func TestRunnerRetryExhaustionFails(t *testing.T) {
	h := newHarness(t)
	e := h.seedEntity()
	tr := h.seedTracker(e.ID, 1, "labels", domain.StatusEnqueued)
	require.NoError(t, h.db.Model(&domain.Tracker{}).Where("id = ?", tr.ID).Update("retry_count", 3).Error)
	h.finished("labels")
	h.stubs["labels"].behaviour = func(*pipeline.Context) error {
		return domain.NewRetryable(errors.New("rate limited"), 0)
	}

	require.NoError(t, h.eng.Runner.Run(h.ctx, "job-1", tr.ID, 1, e.ID))
	assert.Equal(t, domain.StatusFailed, h.tracker(tr.ID).Status)
	assert.Empty(t, h.q.PendingKind(KindPipeline))
	require.Len(t, h.failures(e.ID), 1)
}

func TestRunnerUnexpectedErrorAndPanicAreIsolated(t *testing.T) {
	h := newHarness(t)
	e := h.seedEntity()
	labels := h.seedTracker(e.ID, 1, "labels", domain.StatusEnqueued)
	issues := h.seedTracker(e.ID, 1, "issues", domain.StatusEnqueued)
	h.finished("labels", "issues")
	h.stubs["labels"].behaviour = func(*pipeline.Context) error { return errors.New("bad row") }
	h.stubs["issues"].behaviour = func(*pipeline.Context) error { panic("nil map") }

	require.NoError(t, h.eng.Runner.Run(h.ctx, "job-1", labels.ID, 1, e.ID))
	require.NoError(t, h.eng.Runner.Run(h.ctx, "job-2", issues.ID, 1, e.ID))

	assert.Equal(t, domain.StatusFailed, h.tracker(labels.ID).Status)
	assert.Equal(t, domain.StatusFailed, h.tracker(issues.ID).Status)
	assert.Equal(t, domain.StatusStarted, h.entity(e.ID).Status)

	classes := map[string]string{}
	for _, f := range h.failures(e.ID) {
		classes[f.Pipeline] = f.ExceptionClass
	}
	assert.Equal(t, map[string]string{"labels": "Error", "issues": "Panic"}, classes)
}

func TestRunnerInconsistentState(t *testing.T) {
	h := newHarness(t)
	e := h.seedEntity()
	started := h.seedTracker(e.ID, 1, "labels", domain.StatusStarted)
	finished := h.seedTracker(e.ID, 1, "issues", domain.StatusFinished)

	require.NoError(t, h.eng.Runner.Run(h.ctx, "job-1", started.ID, 1, e.ID))
	require.NoError(t, h.eng.Runner.Run(h.ctx, "job-2", finished.ID, 1, e.ID))

	assert.Equal(t, domain.StatusFailed, h.tracker(started.ID).Status)
	assert.Equal(t, domain.StatusFinished, h.tracker(finished.ID).Status)
	fs := h.failures(e.ID)
	require.Len(t, fs, 1)
	assert.Equal(t, "service.InconsistentStateError", fs[0].ExceptionClass)
}

func TestRunnerFansOutBatchedExport(t *testing.T) {
	h := newHarness(t)
	e := h.seedEntity()
	tr := h.seedTracker(e.ID, 1, "issues", domain.StatusEnqueued)
	h.src.set("issues", &source.RelationStatus{Status: source.StatusFinished, Batched: true, BatchesCount: 3})

	require.NoError(t, h.eng.Runner.Run(h.ctx, "job-1", tr.ID, 1, e.ID))

	got := h.tracker(tr.ID)
	assert.Equal(t, domain.StatusStarted, got.Status)
	assert.True(t, got.Batched)

	batches, err := h.eng.Deps.Trackers.ListBatches(h.ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	for _, b := range batches {
		assert.Equal(t, domain.StatusCreated, b.Status)
	}
	assert.Len(t, h.q.PendingKind(KindPipelineBatch), 3)
	assert.Len(t, h.q.PendingKind(KindBatchWatcher), 1)
	assert.Zero(t, h.stubs["issues"].count())
}

func TestRunnerBatchedExportWithoutBatchesFinishes(t *testing.T) {
	h := newHarness(t)
	e := h.seedEntity()
	tr := h.seedTracker(e.ID, 1, "issues", domain.StatusEnqueued)
	h.src.set("issues", &source.RelationStatus{Status: source.StatusFinished, Batched: true})

	require.NoError(t, h.eng.Runner.Run(h.ctx, "job-1", tr.ID, 1, e.ID))
	assert.Equal(t, domain.StatusFinished, h.tracker(tr.ID).Status)
	assert.Empty(t, h.q.PendingKind(KindPipelineBatch))
}

func TestRunnerDuplicateDeliveryIsDroppedByLease(t *testing.T) {
	h := newHarness(t)
	e := h.seedEntity()
	tr := h.seedTracker(e.ID, 1, "labels", domain.StatusEnqueued)
	h.finished("labels")

	held, ok, err := h.eng.Deps.Leases.Acquire(h.ctx, "bulk_imports.tracker:"+tr.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.reg.Execute(h.ctx, h.q, pipelineJob(tr.ID, 1, e.ID)))
	assert.Equal(t, domain.StatusEnqueued, h.tracker(tr.ID).Status)
	assert.Zero(t, h.stubs["labels"].count())
	assert.Empty(t, h.q.Pending(), "a duplicate exits without side effects")

	require.NoError(t, held.Release(h.ctx))
	require.NoError(t, h.reg.Execute(h.ctx, h.q, pipelineJob(tr.ID, 1, e.ID)))
	assert.Equal(t, domain.StatusFinished, h.tracker(tr.ID).Status)
}
