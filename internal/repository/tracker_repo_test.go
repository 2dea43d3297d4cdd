package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/bulkimport/internal/domain"
	"github.com/timmy/bulkimport/internal/testutil"
)

func seedEntity(t *testing.T, imports *ImportRepository) *domain.Entity {
	t.Helper()
	entity := &domain.Entity{
		SourceType:      domain.SourceTypeProject,
		SourceFullPath:  "group/project",
		DestinationPath: "dest/project",
	}
	require.NoError(t, imports.CreateWithEntities(context.Background(), &domain.Import{SourceURL: "https://source.example"}, []*domain.Entity{entity}))
	return entity
}

func TestTrackerTransitionsAreGuarded(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewTrackerRepository(db)
	entity := seedEntity(t, NewImportRepository(db))

	tracker := &domain.Tracker{EntityID: entity.ID, Stage: 0, Pipeline: "project_attributes"}
	require.NoError(t, repo.CreateAll(ctx, []*domain.Tracker{tracker}))

	require.NoError(t, repo.Transition(ctx, tracker.ID, domain.EventEnqueue))
	// a second enqueue loses: the row is no longer created
	err := repo.Transition(ctx, tracker.ID, domain.EventEnqueue)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, repo.Start(ctx, tracker.ID, "job-1", false))
	require.NoError(t, repo.Retry(ctx, tracker.ID))

	got, err := repo.GetByID(ctx, tracker.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnqueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "job-1", got.JobID)

	assert.ErrorIs(t, repo.Transition(ctx, tracker.ID, domain.EventFinish), domain.ErrInvalidTransition)
}

func TestTrackerCreateAllIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewTrackerRepository(db)
	entity := seedEntity(t, NewImportRepository(db))

	build := func() []*domain.Tracker {
		return []*domain.Tracker{
			{EntityID: entity.ID, Stage: 0, Pipeline: "project_attributes"},
			{EntityID: entity.ID, Stage: 1, Pipeline: "labels"},
		}
	}
	require.NoError(t, repo.CreateAll(ctx, build()))
	require.NoError(t, repo.CreateAll(ctx, build()))

	trackers, err := repo.ListByEntity(ctx, entity.ID)
	require.NoError(t, err)
	assert.Len(t, trackers, 2)
}

func TestNextCreatedStageAndInProgress(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewTrackerRepository(db)
	entity := seedEntity(t, NewImportRepository(db))

	_, ok, err := repo.NextCreatedStage(ctx, entity.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	trackers := []*domain.Tracker{
		{EntityID: entity.ID, Stage: 1, Pipeline: "labels"},
		{EntityID: entity.ID, Stage: 1, Pipeline: "milestones"},
		{EntityID: entity.ID, Stage: 2, Pipeline: "issues"},
	}
	require.NoError(t, repo.CreateAll(ctx, trackers))

	stage, ok, err := repo.NextCreatedStage(ctx, entity.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, stage)

	require.NoError(t, repo.Transition(ctx, trackers[0].ID, domain.EventEnqueue))
	n, err := repo.CountInProgress(ctx, entity.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	created, err := repo.ListCreatedAtStage(ctx, entity.ID, 1)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "milestones", created[0].Pipeline)
}

func TestBatchesLifecycle(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewTrackerRepository(db)
	entity := seedEntity(t, NewImportRepository(db))

	tracker := &domain.Tracker{EntityID: entity.ID, Stage: 2, Pipeline: "issues"}
	require.NoError(t, repo.CreateAll(ctx, []*domain.Tracker{tracker}))

	require.NoError(t, repo.CreateBatches(ctx, tracker.ID, 3))
	require.NoError(t, repo.CreateBatches(ctx, tracker.ID, 3))

	batches, err := repo.ListBatches(ctx, tracker.ID)
	require.NoError(t, err)
	require.Len(t, batches, 3)

	require.NoError(t, repo.StartBatch(ctx, batches[0].ID, "job"))
	started, err := repo.CountStartedBatches(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, started)

	require.NoError(t, repo.TransitionBatch(ctx, batches[0].ID, domain.EventFinish))
	testutil.Age(t, db, &domain.Batch{}, batches[1].ID, time.Hour)

	ordered, err := repo.ListBatches(ctx, tracker.ID)
	require.NoError(t, err)
	assert.Equal(t, batches[0].ID, ordered[0].ID, "most recently updated first")
	assert.Equal(t, batches[1].ID, ordered[2].ID)

	n, err := repo.FailBatches(ctx, tracker.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestTimeoutByEntity(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewTrackerRepository(db)
	entity := seedEntity(t, NewImportRepository(db))

	done := &domain.Tracker{EntityID: entity.ID, Stage: 0, Pipeline: "project_attributes"}
	running := &domain.Tracker{EntityID: entity.ID, Stage: 1, Pipeline: "issues"}
	pending := &domain.Tracker{EntityID: entity.ID, Stage: 2, Pipeline: "finisher"}
	require.NoError(t, repo.CreateAll(ctx, []*domain.Tracker{done, running, pending}))

	require.NoError(t, repo.Transition(ctx, done.ID, domain.EventEnqueue))
	require.NoError(t, repo.Start(ctx, done.ID, "", false))
	require.NoError(t, repo.Transition(ctx, done.ID, domain.EventFinish))
	require.NoError(t, repo.Transition(ctx, running.ID, domain.EventEnqueue))
	require.NoError(t, repo.Start(ctx, running.ID, "", true))
	require.NoError(t, repo.CreateBatches(ctx, running.ID, 2))

	moved, err := repo.TimeoutByEntity(ctx, entity.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, moved)

	trackers, err := repo.ListByEntity(ctx, entity.ID)
	require.NoError(t, err)
	statuses := map[string]domain.Status{}
	for _, tr := range trackers {
		statuses[tr.Pipeline] = tr.Status
	}
	assert.Equal(t, domain.StatusFinished, statuses["project_attributes"])
	assert.Equal(t, domain.StatusTimeout, statuses["issues"])
	assert.Equal(t, domain.StatusTimeout, statuses["finisher"])

	batches, err := repo.ListBatches(ctx, running.ID)
	require.NoError(t, err)
	for _, b := range batches {
		assert.Equal(t, domain.StatusTimeout, b.Status)
	}
}
