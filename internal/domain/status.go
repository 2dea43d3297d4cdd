package domain

import "fmt"

// Status is the lifecycle state shared by every orchestration record.
// Each record type only reaches the subset allowed by its Machine.
type Status string

const (
	StatusCreated  Status = "created"
	StatusEnqueued Status = "enqueued"
	StatusStarted  Status = "started"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"
	StatusTimeout  Status = "timeout"
)

// IsTerminal reports whether no further transition is expected from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusSkipped, StatusTimeout:
		return true
	}
	return false
}

// IsInProgress reports whether a worker currently owns the record.
func (s Status) IsInProgress() bool {
	return s == StatusEnqueued || s == StatusStarted
}

// Event names a status transition.
type Event string

const (
	EventEnqueue      Event = "enqueue"
	EventStart        Event = "start"
	EventFinish       Event = "finish"
	EventFail         Event = "fail"
	EventSkip         Event = "skip"
	EventRetry        Event = "retry"
	EventFailOp       Event = "fail_op"
	EventCleanupStale Event = "cleanup_stale"
)

type edge struct {
	from []Status
	to   Status
}

// Machine is an explicit transition table. Writes that do not follow one of
// its edges are rejected with ErrInvalidTransition.
type Machine struct {
	name  string
	edges map[Event]edge
}

func newMachine(name string, edges map[Event]edge) *Machine {
	return &Machine{name: name, edges: edges}
}

// Name returns the record kind the machine governs.
func (m *Machine) Name() string {
	return m.name
}

// Fire returns the state reached from `from` via ev.
func (m *Machine) Fire(from Status, ev Event) (Status, error) {
	e, ok := m.edges[ev]
	if !ok {
		return from, fmt.Errorf("%w: %s has no %q event", ErrInvalidTransition, m.name, ev)
	}
	for _, s := range e.from {
		if s == from {
			return e.to, nil
		}
	}
	return from, fmt.Errorf("%w: %s cannot %s from %s", ErrInvalidTransition, m.name, ev, from)
}

// Edge returns the source states and target of ev, as strings ready for a
// guarded `UPDATE ... WHERE status IN (?)`.
func (m *Machine) Edge(ev Event) (from []string, to Status, ok bool) {
	e, ok := m.edges[ev]
	if !ok {
		return nil, "", false
	}
	from = make([]string, len(e.from))
	for i, s := range e.from {
		from[i] = string(s)
	}
	return from, e.to, true
}

// Allows reports whether some event moves a record from `from` to `to`.
func (m *Machine) Allows(from, to Status) bool {
	for _, e := range m.edges {
		if e.to != to {
			continue
		}
		for _, s := range e.from {
			if s == from {
				return true
			}
		}
	}
	return false
}

// TrackerMachine governs pipeline trackers. fail_op and cleanup_stale are the
// forced edges used by the inconsistency path and by the reaper.
var TrackerMachine = newMachine("tracker", map[Event]edge{
	EventEnqueue:      {from: []Status{StatusCreated}, to: StatusEnqueued},
	EventStart:        {from: []Status{StatusEnqueued}, to: StatusStarted},
	EventFinish:       {from: []Status{StatusStarted}, to: StatusFinished},
	EventFail:         {from: []Status{StatusStarted}, to: StatusFailed},
	EventSkip:         {from: []Status{StatusEnqueued}, to: StatusSkipped},
	EventRetry:        {from: []Status{StatusStarted}, to: StatusEnqueued},
	EventFailOp:       {from: []Status{StatusCreated, StatusEnqueued}, to: StatusFailed},
	EventCleanupStale: {from: []Status{StatusCreated, StatusEnqueued, StatusStarted}, to: StatusTimeout},
})

// BatchMachine governs the batches of a batched tracker. fail_op also covers
// finished batches because the completion watcher fails a stuck tracker as a whole.
var BatchMachine = newMachine("batch", map[Event]edge{
	EventStart:        {from: []Status{StatusCreated}, to: StatusStarted},
	EventFinish:       {from: []Status{StatusStarted}, to: StatusFinished},
	EventFail:         {from: []Status{StatusStarted}, to: StatusFailed},
	EventRetry:        {from: []Status{StatusStarted}, to: StatusCreated},
	EventSkip:         {from: []Status{StatusCreated}, to: StatusSkipped},
	EventFailOp:       {from: []Status{StatusCreated, StatusStarted, StatusFinished}, to: StatusFailed},
	EventCleanupStale: {from: []Status{StatusCreated, StatusStarted}, to: StatusTimeout},
})

var EntityMachine = newMachine("entity", map[Event]edge{
	EventStart:        {from: []Status{StatusCreated}, to: StatusStarted},
	EventFinish:       {from: []Status{StatusStarted}, to: StatusFinished},
	EventFail:         {from: []Status{StatusCreated, StatusStarted}, to: StatusFailed},
	EventSkip:         {from: []Status{StatusCreated}, to: StatusSkipped},
	EventCleanupStale: {from: []Status{StatusCreated, StatusStarted}, to: StatusTimeout},
})

var ImportMachine = newMachine("import", map[Event]edge{
	EventStart:        {from: []Status{StatusCreated}, to: StatusStarted},
	EventFinish:       {from: []Status{StatusStarted}, to: StatusFinished},
	EventFail:         {from: []Status{StatusStarted}, to: StatusFailed},
	EventCleanupStale: {from: []Status{StatusCreated, StatusStarted}, to: StatusTimeout},
})

// ExportMachine governs source-side relation exports. A finished or failed
// export may be started again when the destination requests a fresh export.
var ExportMachine = newMachine("export", map[Event]edge{
	EventStart:  {from: []Status{StatusFinished, StatusFailed}, to: StatusStarted},
	EventFinish: {from: []Status{StatusStarted}, to: StatusFinished},
	EventFail:   {from: []Status{StatusStarted}, to: StatusFailed},
})

var ExportBatchMachine = newMachine("export_batch", map[Event]edge{
	EventStart:  {from: []Status{StatusCreated}, to: StatusStarted},
	EventFinish: {from: []Status{StatusStarted}, to: StatusFinished},
	EventFail:   {from: []Status{StatusStarted}, to: StatusFailed},
	EventFailOp: {from: []Status{StatusCreated, StatusStarted}, to: StatusFailed},
})
