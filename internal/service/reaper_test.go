package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/bulkimport/internal/config"
	"github.com/timmy/bulkimport/internal/domain"
	"github.com/timmy/bulkimport/internal/testutil"
)

func TestReaperTimesOutStaleWork(t *testing.T) {
	h := newHarness(t)

	var stale []*domain.Entity
	var open []string
	for i := 0; i < 3; i++ {
		e := h.seedEntity()
		created := h.seedTracker(e.ID, 1, "labels", domain.StatusCreated)
		done := h.seedTracker(e.ID, 0, "attrs", domain.StatusFinished)
		testutil.Age(t, h.db, &domain.Import{}, e.ImportID, 25*time.Hour)
		testutil.Age(t, h.db, &domain.Entity{}, e.ID, 25*time.Hour)
		testutil.Age(t, h.db, &domain.Tracker{}, created.ID, 25*time.Hour)
		testutil.Age(t, h.db, &domain.Tracker{}, done.ID, 25*time.Hour)
		stale = append(stale, e)
		open = append(open, created.ID)
	}
	fresh := h.seedEntity()

	stats, err := h.eng.Reaper.Reap(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, &ReapStats{Imports: 3, Entities: 3, Trackers: 3}, stats)

	for i, e := range stale {
		assert.Equal(t, domain.StatusTimeout, h.entity(e.ID).Status)
		imp, err := h.eng.Deps.Imports.GetByID(h.ctx, e.ImportID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusTimeout, imp.Status)
		assert.Equal(t, domain.StatusTimeout, h.tracker(open[i]).Status)
	}
	assert.Equal(t, domain.StatusStarted, h.entity(fresh.ID).Status)

	again, err := h.eng.Reaper.Reap(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, &ReapStats{}, again)
}

func TestReaperSparesEntitiesStillMakingProgress(t *testing.T) {
	h := newHarness(t)
	e := h.seedEntity()
	h.seedTracker(e.ID, 0, "attrs", domain.StatusFinished)
	live := h.seedTracker(e.ID, 1, "labels", domain.StatusStarted)
	testutil.Age(t, h.db, &domain.Import{}, e.ImportID, 25*time.Hour)
	testutil.Age(t, h.db, &domain.Entity{}, e.ID, 25*time.Hour)
	testutil.Age(t, h.db, &domain.Tracker{}, live.ID, 25*time.Hour)

	stats, err := h.eng.Reaper.Reap(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, &ReapStats{}, stats, "attrs finished within the window")
	assert.Equal(t, domain.StatusStarted, h.entity(e.ID).Status)
	assert.Equal(t, domain.StatusStarted, h.tracker(live.ID).Status)
}

func TestReaperRunsAsExclusiveJob(t *testing.T) {
	h := newHarness(t)
	e := h.seedEntity()
	testutil.Age(t, h.db, &domain.Entity{}, e.ID, 48*time.Hour)

	require.NoError(t, h.reg.Execute(h.ctx, h.q, StaleReapJob()))
	assert.Equal(t, domain.StatusTimeout, h.entity(e.ID).Status)
}

func TestRetryStrategy(t *testing.T) {
	fixed := NewRetryStrategy(config.RetryConfig{Strategy: "fixed", BaseDelay: 30 * time.Second, MaxRetries: 3})
	assert.Equal(t, 30*time.Second, fixed.Delay(0, 0))
	assert.Equal(t, 30*time.Second, fixed.Delay(5, 0))
	assert.Equal(t, time.Minute, fixed.Delay(0, time.Minute), "a longer requested delay wins")
	assert.False(t, fixed.Exhausted(2))
	assert.True(t, fixed.Exhausted(3))

	exp := NewRetryStrategy(config.RetryConfig{Strategy: "exponential", BaseDelay: 10 * time.Second, MaxDelay: time.Minute})
	assert.Equal(t, 10*time.Second, exp.Delay(0, 0))
	assert.Equal(t, 15*time.Second, exp.Delay(1, 0))
	assert.Equal(t, 22500*time.Millisecond, exp.Delay(2, 0))
	assert.Equal(t, time.Minute, exp.Delay(20, 0))
	assert.False(t, exp.Exhausted(1000), "zero max retries never exhausts")
}
