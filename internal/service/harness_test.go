package service

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/timmy/bulkimport/internal/config"
	"github.com/timmy/bulkimport/internal/domain"
	"github.com/timmy/bulkimport/internal/lease"
	"github.com/timmy/bulkimport/internal/pipeline"
	"github.com/timmy/bulkimport/internal/queue"
	"github.com/timmy/bulkimport/internal/repository"
	"github.com/timmy/bulkimport/internal/source"
	"github.com/timmy/bulkimport/internal/storage"
	"github.com/timmy/bulkimport/internal/testutil"
	"gorm.io/gorm"
)

func testConfig() *config.Config {
	return &config.Config{
		Lease: config.LeaseConfig{TTL: 30 * time.Second},
		Queue: config.QueueConfig{MaxAttempts: 3, InitialInterval: time.Second, MaxInterval: time.Minute},
		BulkImport: config.BulkImportConfig{
			ExtractionTimeout:    90 * time.Minute,
			EmptyExportTimeout:   5 * time.Minute,
			ExportPollDelay:      5 * time.Second,
			BatchStaleness:       4 * time.Hour,
			BatchPollDelay:       5 * time.Second,
			ConcurrentBatchLimit: 25,
			BatchCapDelay:        5 * time.Second,
			SequencerRetryDelay:  5 * time.Second,
			Retry:                config.RetryConfig{Strategy: "fixed", BaseDelay: 30 * time.Second, MaxRetries: 3},
		},
		Export: config.ExportConfig{
			ConcurrentBatchLimit: 8,
			CapDelay:             time.Minute,
			WatcherTimeout:       6 * time.Hour,
			WatcherPollDelay:     5 * time.Second,
			BatchSize:            2,
		},
		Reaper: config.ReaperConfig{StaleAfter: 24 * time.Hour, PageSize: 2},
	}
}

// fakeSource answers status queries from a table; a relation missing from
// the table is reported as never exported.
type fakeSource struct {
	mu       sync.Mutex
	statuses map[string]*source.RelationStatus
	errs     map[string]error
	requests []source.Portable
}

func newFakeSource() *fakeSource {
	return &fakeSource{statuses: map[string]*source.RelationStatus{}, errs: map[string]error{}}
}

func (f *fakeSource) set(relation string, st *source.RelationStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[relation] = st
}

func (f *fakeSource) ExportStatus(_ context.Context, _ source.Connection, _ source.Portable, relation string) (*source.RelationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[relation]; err != nil {
		return nil, err
	}
	return f.statuses[relation], nil
}

func (f *fakeSource) StartExport(_ context.Context, _ source.Connection, p source.Portable, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs["start"]; err != nil {
		return err
	}
	f.requests = append(f.requests, p)
	return nil
}

// stubPipeline counts runs and returns whatever its behaviour says.
type stubPipeline struct {
	mu        sync.Mutex
	runs      int
	batches   []int
	finishes  int
	behaviour func(pc *pipeline.Context) error
}

func (s *stubPipeline) Run(_ context.Context, pc *pipeline.Context) error {
	s.mu.Lock()
	s.runs++
	s.batches = append(s.batches, pc.BatchNumber())
	b := s.behaviour
	s.mu.Unlock()
	if b != nil {
		return b(pc)
	}
	return nil
}

func (s *stubPipeline) OnFinish(context.Context, *pipeline.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishes++
	return nil
}

func (s *stubPipeline) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	db     *gorm.DB
	q      *queue.Memory
	qclock *clock
	reg    *queue.Registry
	eng    *Engine
	src    *fakeSource
	store  *storage.MemoryStorage
	stubs  map[string]*stubPipeline
}

// Stage layout used by the orchestration tests:
//
//	0 attrs (self, aborts) | 1 labels, issues (batchable) | 2 finisher
func stubRegistry(stubs map[string]*stubPipeline) *pipeline.Registry {
	r := pipeline.NewRegistry()
	add := func(stage int, def pipeline.Definition) {
		stub := &stubPipeline{}
		stubs[def.Name] = stub
		def.Pipeline = stub
		r.MustRegister(domain.SourceTypeProject, stage, def)
		r.MustRegister(domain.SourceTypeGroup, stage, def)
	}
	add(0, pipeline.Definition{Name: "attrs", Relation: "self", FileExtraction: true, AbortOnFailure: true})
	add(1, pipeline.Definition{Name: "labels", Relation: "labels", FileExtraction: true})
	add(1, pipeline.Definition{Name: "issues", Relation: "issues", FileExtraction: true, Batchable: true})
	add(2, pipeline.Definition{Name: "finisher"})
	return r
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.NewDB(t)
	stubs := map[string]*stubPipeline{}
	src := newFakeSource()
	store := storage.NewMemoryStorage()

	qc := &clock{t: time.Now().UTC()}
	q := queue.NewMemory()
	q.SetClock(qc.now)

	d := &Deps{
		Imports:   repository.NewImportRepository(db),
		Trackers:  repository.NewTrackerRepository(db),
		Exports:   repository.NewExportRepository(db),
		Records:   repository.NewRecordRepository(db),
		Failures:  repository.NewFailureRepository(db),
		Pipelines: stubRegistry(stubs),
		Queue:     q,
		Leases:    lease.NewMemoryManager(),
		Storage:   store,
		Source:    src,
		Oracle:    NewExportStatusOracle(src),
		Config:    testConfig(),
	}
	eng := NewEngine(d)

	return &harness{
		t:      t,
		ctx:    context.Background(),
		db:     db,
		q:      q,
		qclock: qc,
		reg:    eng.NewRegistry(),
		eng:    eng,
		src:    src,
		store:  store,
		stubs:  stubs,
	}
}

// seedEntity stores a started import with one started project entity.
func (h *harness) seedEntity() *domain.Entity {
	h.t.Helper()
	imp := &domain.Import{SourceURL: "https://source.example", SourceToken: "token"}
	e := &domain.Entity{SourceType: domain.SourceTypeProject, SourceFullPath: "org/app", DestinationPath: "dest/app"}
	require.NoError(h.t, h.eng.Deps.Imports.CreateWithEntities(h.ctx, imp, []*domain.Entity{e}))
	require.NoError(h.t, h.eng.Deps.Imports.Transition(h.ctx, imp.ID, domain.EventStart))
	require.NoError(h.t, h.eng.Deps.Imports.TransitionEntity(h.ctx, e.ID, domain.EventStart))
	e.Status = domain.StatusStarted
	return e
}

func (h *harness) seedTracker(entityID string, stage int, name string, status domain.Status) *domain.Tracker {
	h.t.Helper()
	tr := &domain.Tracker{EntityID: entityID, Stage: stage, Pipeline: name}
	require.NoError(h.t, h.eng.Deps.Trackers.CreateAll(h.ctx, []*domain.Tracker{tr}))
	if status != domain.StatusCreated {
		require.NoError(h.t, h.db.Model(&domain.Tracker{}).Where("id = ?", tr.ID).Update("status", status).Error)
		tr.Status = status
	}
	return tr
}

func (h *harness) tracker(id string) *domain.Tracker {
	h.t.Helper()
	tr, err := h.eng.Deps.Trackers.GetByID(h.ctx, id)
	require.NoError(h.t, err)
	return tr
}

func (h *harness) entity(id string) *domain.Entity {
	h.t.Helper()
	e, err := h.eng.Deps.Imports.GetEntity(h.ctx, id)
	require.NoError(h.t, err)
	return e
}

func (h *harness) failures(entityID string) []domain.Failure {
	h.t.Helper()
	fs, err := h.eng.Deps.Failures.ListByEntity(h.ctx, entityID)
	require.NoError(h.t, err)
	return fs
}

func (h *harness) finished(relations ...string) {
	for _, rel := range relations {
		h.src.set(rel, &source.RelationStatus{Relation: rel, Status: source.StatusFinished})
	}
}

// settle runs due jobs, advancing the queue clock past poll delays, until
// the queue is empty or maxRounds rounds ran.
func (h *harness) settle(maxRounds int) {
	for i := 0; i < maxRounds && len(h.q.Pending()) > 0; i++ {
		h.q.Drain(h.ctx, h.reg, 1000)
		h.qclock.advance(10 * time.Second)
	}
}

// loopbackSource serves a destination engine from the source-side export
// service of the same engine, the way two installations talk over HTTP.
type loopbackSource struct {
	exports *ExportService
}

func (l *loopbackSource) StartExport(ctx context.Context, _ source.Connection, p source.Portable, batched bool) error {
	return l.exports.Start(ctx, p, batched)
}

func (l *loopbackSource) ExportStatus(ctx context.Context, _ source.Connection, p source.Portable, relation string) (*source.RelationStatus, error) {
	return l.exports.Status(ctx, p, relation)
}

func (l *loopbackSource) Download(ctx context.Context, _ source.Connection, p source.Portable, relation string, batched bool, n int) (io.ReadCloser, error) {
	return l.exports.Open(ctx, p, relation, batched, n)
}
