package repository

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/bulkimport/internal/domain"
	"github.com/timmy/bulkimport/internal/testutil"
)

func TestExportBeginAndRestart(t *testing.T) {
	ctx := context.Background()
	repo := NewExportRepository(testutil.NewDB(t))

	export, err := repo.Begin(ctx, domain.SourceTypeProject, "g/p", "issues")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStarted, export.Status)

	require.NoError(t, repo.MarkBatched(ctx, export.ID, 2, 1500))
	batches, err := repo.ListBatches(ctx, export.ID)
	require.NoError(t, err)
	assert.Len(t, batches, 2)

	require.NoError(t, repo.Fail(ctx, export.ID, strings.Repeat("x", 400)))
	failed, err := repo.GetByID(ctx, export.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.Len(t, failed.Error, domain.MaxMessageBytes)

	again, err := repo.Begin(ctx, domain.SourceTypeProject, "g/p", "issues")
	require.NoError(t, err)
	assert.Equal(t, export.ID, again.ID)
	assert.Equal(t, domain.StatusStarted, again.Status)
	assert.False(t, again.Batched)
	assert.Empty(t, again.Error)

	batches, err = repo.ListBatches(ctx, export.ID)
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestExportBatchCapCount(t *testing.T) {
	ctx := context.Background()
	repo := NewExportRepository(testutil.NewDB(t))

	export, err := repo.Begin(ctx, domain.SourceTypeGroup, "g", "labels")
	require.NoError(t, err)
	require.NoError(t, repo.MarkBatched(ctx, export.ID, 3, 3000))

	b1, err := repo.FindBatch(ctx, export.ID, 1)
	require.NoError(t, err)
	b2, err := repo.FindBatch(ctx, export.ID, 2)
	require.NoError(t, err)

	require.NoError(t, repo.StartBatch(ctx, b1.ID))
	require.NoError(t, repo.StartBatch(ctx, b2.ID))
	n, err := repo.CountStartedBatches(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	require.NoError(t, repo.FinishBatch(ctx, b1.ID, 1000))
	moved, err := repo.FailPendingBatches(ctx, export.ID, "timed out")
	require.NoError(t, err)
	assert.EqualValues(t, 2, moved)

	_, err = repo.FindBatch(ctx, export.ID, 9)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
