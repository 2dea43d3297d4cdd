package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []Status{
	StatusCreated, StatusEnqueued, StatusStarted, StatusFinished,
	StatusFailed, StatusSkipped, StatusTimeout,
}

func TestTrackerMachineFire(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		event   Event
		want    Status
		wantErr bool
	}{
		{"enqueue created", StatusCreated, EventEnqueue, StatusEnqueued, false},
		{"start enqueued", StatusEnqueued, EventStart, StatusStarted, false},
		{"finish started", StatusStarted, EventFinish, StatusFinished, false},
		{"fail started", StatusStarted, EventFail, StatusFailed, false},
		{"skip enqueued", StatusEnqueued, EventSkip, StatusSkipped, false},
		{"retry started", StatusStarted, EventRetry, StatusEnqueued, false},
		{"fail_op enqueued", StatusEnqueued, EventFailOp, StatusFailed, false},
		{"stale started", StatusStarted, EventCleanupStale, StatusTimeout, false},
		{"start created", StatusCreated, EventStart, StatusCreated, true},
		{"finish enqueued", StatusEnqueued, EventFinish, StatusEnqueued, true},
		{"skip started", StatusStarted, EventSkip, StatusStarted, true},
		{"enqueue finished", StatusFinished, EventEnqueue, StatusFinished, true},
		{"fail_op finished", StatusFinished, EventFailOp, StatusFinished, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TrackerMachine.Fire(tt.from, tt.event)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidTransition))
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

// Outside the forced edges, the only tracker edges are the documented walk
// created -> enqueued -> started -> {finished|failed}, enqueued -> skipped and
// the started -> enqueued retry loop.
func TestTrackerMachineEdges(t *testing.T) {
	legal := map[[2]Status]bool{
		{StatusCreated, StatusEnqueued}:  true,
		{StatusEnqueued, StatusStarted}:  true,
		{StatusStarted, StatusFinished}:  true,
		{StatusStarted, StatusFailed}:    true,
		{StatusEnqueued, StatusSkipped}:  true,
		{StatusStarted, StatusEnqueued}:  true,
		{StatusCreated, StatusFailed}:    true, // fail_op
		{StatusEnqueued, StatusFailed}:   true, // fail_op
		{StatusCreated, StatusTimeout}:   true, // cleanup_stale
		{StatusEnqueued, StatusTimeout}:  true,
		{StatusStarted, StatusTimeout}:   true,
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			assert.Equal(t, legal[[2]Status{from, to}], TrackerMachine.Allows(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatusesHaveNoExit(t *testing.T) {
	machines := []*Machine{TrackerMachine, BatchMachine, EntityMachine, ImportMachine, ExportBatchMachine}
	for _, m := range machines {
		for _, from := range []Status{StatusSkipped, StatusTimeout, StatusFailed} {
			for _, to := range allStatuses {
				assert.False(t, m.Allows(from, to), "%s: %s -> %s", m.Name(), from, to)
			}
		}
	}
}

func TestBatchMachineForcedFailure(t *testing.T) {
	for _, from := range []Status{StatusCreated, StatusStarted, StatusFinished} {
		got, err := BatchMachine.Fire(from, EventFailOp)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got)
	}
	_, err := BatchMachine.Fire(StatusSkipped, EventFailOp)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMachineEdge(t *testing.T) {
	from, to, ok := TrackerMachine.Edge(EventCleanupStale)
	require.True(t, ok)
	assert.Equal(t, StatusTimeout, to)
	assert.ElementsMatch(t, []string{"created", "enqueued", "started"}, from)

	_, _, ok = ExportMachine.Edge(EventSkip)
	assert.False(t, ok)
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StatusTimeout.IsTerminal())
	assert.True(t, StatusSkipped.IsTerminal())
	assert.False(t, StatusEnqueued.IsTerminal())
	assert.True(t, StatusEnqueued.IsInProgress())
	assert.True(t, StatusStarted.IsInProgress())
	assert.False(t, StatusCreated.IsInProgress())
}
