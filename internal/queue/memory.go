package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/timmy/bulkimport/internal/logger"
	"golang.org/x/sync/errgroup"
)

// Scheduled is a pending job with its due time.
type Scheduled struct {
	Job   Job
	RunAt time.Time
	seq   uint64
}

// Memory is an in-process Queue. Tests drive it step by step with a
// controllable clock; single-process deployments run it with Work.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	seq     uint64
	pending []Scheduled
}

// NewMemory creates an empty Memory queue on the wall clock.
func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

// SetClock replaces the clock used to stamp and release jobs.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// EnqueueNow implements Queue.
func (m *Memory) EnqueueNow(ctx context.Context, job Job) error {
	return m.EnqueueAfter(ctx, 0, job)
}

// EnqueueAfter implements Queue.
func (m *Memory) EnqueueAfter(ctx context.Context, delay time.Duration, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.push(prepare(ctx, job), delay)
	return nil
}

// EnqueueUnique implements Queue.
func (m *Memory) EnqueueUnique(ctx context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sig := job.Signature()
	for _, s := range m.pending {
		if s.Job.Signature() == sig {
			return nil
		}
	}
	m.push(prepare(ctx, job), 0)
	return nil
}

func (m *Memory) push(job Job, delay time.Duration) {
	m.seq++
	m.pending = append(m.pending, Scheduled{Job: job, RunAt: m.now().Add(delay), seq: m.seq})
	sort.SliceStable(m.pending, func(i, j int) bool {
		if m.pending[i].RunAt.Equal(m.pending[j].RunAt) {
			return m.pending[i].seq < m.pending[j].seq
		}
		return m.pending[i].RunAt.Before(m.pending[j].RunAt)
	})
}

// Pending returns a snapshot of the pending jobs, earliest first.
func (m *Memory) Pending() []Scheduled {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Scheduled, len(m.pending))
	copy(out, m.pending)
	return out
}

// PendingKind returns the pending jobs of one kind, earliest first.
func (m *Memory) PendingKind(kind string) []Scheduled {
	var out []Scheduled
	for _, s := range m.Pending() {
		if s.Job.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// Clear drops every pending job.
func (m *Memory) Clear() {
	m.mu.Lock()
	m.pending = nil
	m.mu.Unlock()
}

// Next pops the earliest job due at or before the current clock.
func (m *Memory) Next() (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 || m.pending[0].RunAt.After(m.now()) {
		return Job{}, false
	}
	s := m.pending[0]
	m.pending = m.pending[1:]
	return s.Job, true
}

// Drain executes due jobs one at a time until none is due or limit jobs
// ran, and returns how many ran. Handler errors are logged, not returned.
func (m *Memory) Drain(ctx context.Context, reg *Registry, limit int) int {
	ran := 0
	for ran < limit {
		job, ok := m.Next()
		if !ok {
			break
		}
		if err := reg.Execute(ctx, m, job); err != nil {
			logger.CtxDebug(ctx, "memory queue: %s failed: %v", job.Kind, err)
		}
		ran++
	}
	return ran
}

// Work runs due jobs on `workers` goroutines until ctx is done.
func (m *Memory) Work(ctx context.Context, reg *Registry, workers int, poll time.Duration) error {
	if workers <= 0 {
		workers = 1
	}
	if poll <= 0 {
		poll = time.Second
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				job, ok := m.Next()
				if !ok {
					if !sleepWithContext(ctx, poll) {
						return nil
					}
					continue
				}
				if err := reg.Execute(ctx, m, job); err != nil {
					logger.CtxDebug(ctx, "memory queue: %s failed: %v", job.Kind, err)
				}
			}
		})
	}
	return g.Wait()
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
