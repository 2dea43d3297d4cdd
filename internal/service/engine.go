package service

import (
	"github.com/timmy/bulkimport/internal/queue"
)

// Engine holds every component of the import engine.
type Engine struct {
	Deps       *Deps
	Ledger     *FailureLedger
	Retry      *RetryStrategy
	Starter    *ImportStarter
	Requester  *ExportRequestHandler
	Runner     *PipelineRunner
	Batches    *BatchRunner
	Watcher    *BatchWatcher
	Aggregator *ImportAggregator
	Sequencer  *StageSequencer
	Exports    *ExportService
	Relations  *RelationExporter
	BatchExp   *BatchExporter
	ExpWatcher *ExportWatcher
	Reaper     *StaleReaper
	Summaries  *SummaryService
}

// NewEngine builds the components on top of d.
func NewEngine(d *Deps) *Engine {
	ledger := NewFailureLedger(d.Failures)
	retry := NewRetryStrategy(d.Config.BulkImport.Retry)
	aggregator := NewImportAggregator(d)

	return &Engine{
		Deps:       d,
		Ledger:     ledger,
		Retry:      retry,
		Starter:    NewImportStarter(d, ledger),
		Requester:  NewExportRequestHandler(d, ledger),
		Runner:     NewPipelineRunner(d, ledger, retry),
		Batches:    NewBatchRunner(d, ledger, retry),
		Watcher:    NewBatchWatcher(d, ledger),
		Aggregator: aggregator,
		Sequencer:  NewStageSequencer(d, aggregator),
		Exports:    NewExportService(d),
		Relations:  NewRelationExporter(d),
		BatchExp:   NewBatchExporter(d),
		ExpWatcher: NewExportWatcher(d),
		Reaper:     NewStaleReaper(d),
		Summaries:  NewSummaryService(d),
	}
}

// Register binds every job kind to its handler. Orchestration jobs never use
// queue-native retry; the export request and relation export jobs do.
func (e *Engine) Register(reg *queue.Registry) {
	ttl := e.Deps.Config.Lease.TTL
	exclusive := func(prefix, arg string) queue.Middleware {
		return queue.Exclusive(e.Deps.Leases, ttl, func(j queue.Job) string {
			return prefix + j.Args.String(arg)
		})
	}
	qc := e.Deps.Config.Queue
	native := queue.ExponentialRetry(qc.MaxAttempts, qc.InitialInterval, qc.MaxInterval)

	reg.Register(KindImportStart, queue.Chain(e.Starter, exclusive("bulk_imports.import:", "import_id")), queue.NoRetry())
	reg.Register(KindExportRequest, e.Requester, native)
	reg.Register(KindPipeline, queue.Chain(e.Runner, exclusive("bulk_imports.tracker:", "tracker_id")), queue.NoRetry())
	reg.Register(KindPipelineBatch, queue.Chain(e.Batches, exclusive("bulk_imports.batch:", "batch_id")), queue.NoRetry())
	reg.Register(KindBatchWatcher, queue.Chain(e.Watcher, exclusive("bulk_imports.batch_watcher:", "tracker_id")), queue.NoRetry())
	reg.Register(KindSequencer, e.Sequencer, queue.NoRetry())
	reg.Register(KindRelationExport, e.Relations, native)
	reg.Register(KindExportBatch, queue.Chain(e.BatchExp, exclusive("bulk_imports.export_batch:", "batch_id")), queue.NoRetry())
	reg.Register(KindExportWatcher, queue.Chain(e.ExpWatcher, exclusive("bulk_imports.export_watcher:", "export_id")), queue.NoRetry())
	reg.Register(KindStaleImportReap, queue.Chain(e.Reaper, exclusive("bulk_imports.stale_reaper", "")), queue.NoRetry())
}

// NewRegistry creates a queue registry with the standard middlewares and
// every engine job registered.
func (e *Engine) NewRegistry() *queue.Registry {
	reg := queue.NewRegistry(queue.Logging(), queue.Recover())
	e.Register(reg)
	return reg
}
