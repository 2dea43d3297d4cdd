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

func TestCreateWithEntities(t *testing.T) {
	ctx := context.Background()
	repo := NewImportRepository(testutil.NewDB(t))

	imp := &domain.Import{SourceURL: "https://source.example", SourceToken: "secret"}
	entities := []*domain.Entity{
		{SourceType: domain.SourceTypeGroup, SourceFullPath: "g", DestinationPath: "dg"},
		{SourceType: domain.SourceTypeProject, SourceFullPath: "g/p", DestinationPath: "dg/p"},
	}
	require.NoError(t, repo.CreateWithEntities(ctx, imp, entities))

	got, err := repo.GetByID(ctx, imp.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, got.Status)

	listed, err := repo.ListEntities(ctx, imp.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	for _, e := range listed {
		assert.Equal(t, imp.ID, e.ImportID)
	}

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListStaleKeyset(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewImportRepository(db)

	var ids []string
	for i := 0; i < 5; i++ {
		imp := &domain.Import{SourceURL: "https://source.example"}
		require.NoError(t, repo.CreateWithEntities(ctx, imp, nil))
		ids = append(ids, imp.ID)
	}
	// four stale, one fresh; one of the stale ones is already terminal
	for _, id := range ids[:4] {
		testutil.Age(t, db, &domain.Import{}, id, 48*time.Hour)
	}
	require.NoError(t, db.Model(&domain.Import{}).Where("id = ?", ids[0]).UpdateColumn("status", domain.StatusFinished).Error)

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	var seen []string
	after := ""
	for {
		page, err := repo.ListStale(ctx, cutoff, after, 2)
		require.NoError(t, err)
		for _, imp := range page {
			seen = append(seen, imp.ID)
		}
		if len(page) < 2 {
			break
		}
		after = page[len(page)-1].ID
	}
	assert.ElementsMatch(t, ids[1:4], seen)
}

func TestListStaleIgnoresEntitiesWithRecentActivity(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewImportRepository(db)
	trackers := NewTrackerRepository(db)

	imp := &domain.Import{SourceURL: "https://source.example"}
	e := &domain.Entity{SourceType: domain.SourceTypeProject, SourceFullPath: "org/app", DestinationPath: "dest/app"}
	require.NoError(t, repo.CreateWithEntities(ctx, imp, []*domain.Entity{e}))
	tr := &domain.Tracker{EntityID: e.ID, Stage: 1, Pipeline: "issues"}
	require.NoError(t, trackers.CreateAll(ctx, []*domain.Tracker{tr}))
	require.NoError(t, trackers.CreateBatches(ctx, tr.ID, 1))
	batches, err := trackers.ListBatches(ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, batches, 1)

	testutil.Age(t, db, &domain.Import{}, imp.ID, 48*time.Hour)
	testutil.Age(t, db, &domain.Entity{}, e.ID, 48*time.Hour)
	testutil.Age(t, db, &domain.Tracker{}, tr.ID, 48*time.Hour)
	cutoff := time.Now().UTC().Add(-24 * time.Hour)

	stale, err := repo.ListStale(ctx, cutoff, "", 10)
	require.NoError(t, err)
	assert.Empty(t, stale, "a batch moved recently")
	entities, err := repo.ListStaleEntities(ctx, cutoff, "", 10)
	require.NoError(t, err)
	assert.Empty(t, entities)

	testutil.Age(t, db, &domain.Batch{}, batches[0].ID, 48*time.Hour)

	stale, err = repo.ListStale(ctx, cutoff, "", 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, imp.ID, stale[0].ID)
	entities, err = repo.ListStaleEntities(ctx, cutoff, "", 10)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, e.ID, entities[0].ID)
}
