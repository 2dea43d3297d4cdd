package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"

	"github.com/timmy/bulkimport/internal/domain"
	"github.com/timmy/bulkimport/internal/logger"
	"github.com/timmy/bulkimport/internal/metrics"
	"github.com/timmy/bulkimport/internal/pipeline"
	"github.com/timmy/bulkimport/internal/queue"
	"github.com/timmy/bulkimport/internal/source"
)

const ndjsonContentType = "application/x-ndjson+gzip"

// ArtifactKey is the object storage key of an exported relation file.
// batchNumber is ignored for non-batched exports.
func ArtifactKey(p source.Portable, relation string, batched bool, batchNumber int) string {
	base := path.Join(string(p.Type), p.FullPath, relation)
	if !batched {
		return base + ".ndjson.gz"
	}
	return path.Join(base, fmt.Sprintf("batch_%d.ndjson.gz", batchNumber))
}

// ExportService produces relation exports on the source side.
type ExportService struct {
	*Deps
}

// NewExportService creates an ExportService.
func NewExportService(d *Deps) *ExportService {
	return &ExportService{Deps: d}
}

// Start schedules an export of every relation of p.
func (s *ExportService) Start(ctx context.Context, p source.Portable, batched bool) error {
	relations := s.Pipelines.Relations(p.Type)
	if len(relations) == 0 {
		return fmt.Errorf("no relations are exported for %s", p.Type)
	}
	for _, rel := range relations {
		if err := s.Queue.EnqueueNow(ctx, relationExportJob(string(p.Type), p.FullPath, rel, batched)); err != nil {
			return fmt.Errorf("failed to schedule export of %s: %w", rel, err)
		}
	}
	logger.With(logger.Fields{"portable_path": p.FullPath}).WithCount(len(relations)).Info(ctx, "relation exports scheduled")
	return nil
}

// Status reports the export of one relation of p in the wire format of the
// status endpoint, or nil when the relation was never exported.
func (s *ExportService) Status(ctx context.Context, p source.Portable, relation string) (*source.RelationStatus, error) {
	export, err := s.Exports.Find(ctx, p.Type, p.FullPath, relation)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.describe(ctx, export)
}

// Statuses reports every relation export of p.
func (s *ExportService) Statuses(ctx context.Context, p source.Portable) ([]source.RelationStatus, error) {
	exports, err := s.Exports.ListByPortable(ctx, p.Type, p.FullPath)
	if err != nil {
		return nil, err
	}
	out := make([]source.RelationStatus, 0, len(exports))
	for i := range exports {
		st, err := s.describe(ctx, &exports[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, nil
}

func (s *ExportService) describe(ctx context.Context, export *domain.Export) (*source.RelationStatus, error) {
	st := &source.RelationStatus{
		Relation:          export.Relation,
		Status:            statusCode(export.Status),
		Error:             export.Error,
		Batched:           export.Batched,
		BatchesCount:      export.BatchesCount,
		TotalObjectsCount: export.TotalObjectsCount,
		UpdatedAt:         export.UpdatedAt,
	}
	if !export.Batched {
		return st, nil
	}
	batches, err := s.Exports.ListBatches(ctx, export.ID)
	if err != nil {
		return nil, err
	}
	for _, b := range batches {
		st.Batches = append(st.Batches, source.BatchStatus{
			BatchNumber:  b.BatchNumber,
			Status:       statusCode(b.Status),
			Error:        b.Error,
			ObjectsCount: b.ObjectsCount,
			UpdatedAt:    b.UpdatedAt,
		})
	}
	return st, nil
}

func statusCode(s domain.Status) int {
	switch s {
	case domain.StatusFinished:
		return source.StatusFinished
	case domain.StatusFailed:
		return source.StatusFailed
	default:
		return source.StatusStarted
	}
}

// Open returns the exported file of a relation, or of one of its batches.
// Only finished exports and batches can be opened; anything else is
// reported as domain.ErrNotFound.
func (s *ExportService) Open(ctx context.Context, p source.Portable, relation string, batched bool, batchNumber int) (io.ReadCloser, error) {
	export, err := s.Exports.Find(ctx, p.Type, p.FullPath, relation)
	if err != nil {
		return nil, err
	}
	if batched {
		if !export.Batched {
			return nil, fmt.Errorf("%w: export of %s is not batched", domain.ErrNotFound, relation)
		}
		batch, err := s.Exports.FindBatch(ctx, export.ID, batchNumber)
		if err != nil {
			return nil, err
		}
		if batch.Status != domain.StatusFinished {
			return nil, fmt.Errorf("%w: batch %d of %s is %s", domain.ErrNotFound, batchNumber, relation, batch.Status)
		}
	} else if export.Status != domain.StatusFinished || export.Batched {
		return nil, fmt.Errorf("%w: export of %s is not downloadable", domain.ErrNotFound, relation)
	}
	key := ArtifactKey(p, relation, batched, batchNumber)
	ok, err := s.Storage.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: artifact %s is missing", domain.ErrNotFound, key)
	}
	return s.Storage.Download(ctx, key)
}

// RelationExporter exports one relation, either in a single file or by
// fanning out to batch exports. It relies on queue-native retry.
type RelationExporter struct {
	*Deps
}

// NewRelationExporter creates a RelationExporter.
func NewRelationExporter(d *Deps) *RelationExporter {
	return &RelationExporter{Deps: d}
}

// Perform implements queue.Handler.
func (e *RelationExporter) Perform(ctx context.Context, job queue.Job) error {
	p := source.Portable{Type: domain.SourceType(job.Args.String("portable_type")), FullPath: job.Args.String("portable_path")}
	relation := job.Args.String("relation")
	batched, _ := strconv.ParseBool(job.Args.String("batched"))
	ctx = logger.WithField(ctx, logger.FieldRelation, relation)

	export, err := e.Exports.Begin(ctx, p.Type, p.FullPath, relation)
	if err != nil {
		return err
	}
	ctx = logger.WithField(ctx, logger.FieldExportID, export.ID)

	err = e.export(ctx, export, p, batched && e.Pipelines.Batchable(p.Type, relation))
	if err != nil && job.FinalAttempt() {
		if ferr := e.Exports.Fail(ctx, export.ID, err.Error()); ferr != nil {
			logger.CtxWarn(ctx, "fail export: %v", ferr)
		}
	}
	return err
}

func (e *RelationExporter) export(ctx context.Context, export *domain.Export, p source.Portable, batched bool) error {
	total, err := e.Records.CountRelation(ctx, p.Type, p.FullPath, export.Relation)
	if err != nil {
		return err
	}

	if batched {
		size := e.Config.Export.BatchSize
		if size <= 0 {
			size = 1000
		}
		batches := (total + size - 1) / size
		if err := e.Exports.MarkBatched(ctx, export.ID, batches, total); err != nil {
			return err
		}
		if batches == 0 {
			return e.Exports.FinishBatched(ctx, export.ID)
		}
		created, err := e.Exports.ListBatches(ctx, export.ID)
		if err != nil {
			return err
		}
		for _, b := range created {
			enqueue(ctx, e.Queue, 0, exportBatchJob(export.ID, b.ID))
		}
		enqueue(ctx, e.Queue, e.Config.Export.WatcherPollDelay, exportWatcherJob(export.ID))
		logger.With(logger.Fields{}).WithCount(batches).Info(ctx, "batched export dispatched")
		return nil
	}

	records, err := e.Records.ListRelation(ctx, p.Type, p.FullPath, export.Relation, 0, 0)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	n, err := pipeline.WriteNDJSON(&buf, records)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", export.Relation, err)
	}
	key := ArtifactKey(p, export.Relation, false, 0)
	if err := e.Storage.Upload(ctx, key, &buf, int64(buf.Len()), ndjsonContentType); err != nil {
		return err
	}
	if err := e.Exports.Finish(ctx, export.ID, n); err != nil {
		return err
	}
	logger.With(logger.Fields{}).WithCount(n).Info(ctx, "relation exported")
	return nil
}

// BatchExporter exports one batch of a batched relation export under the
// installation-wide concurrency cap.
type BatchExporter struct {
	*Deps
}

// NewBatchExporter creates a BatchExporter.
func NewBatchExporter(d *Deps) *BatchExporter {
	return &BatchExporter{Deps: d}
}

// Perform implements queue.Handler.
func (e *BatchExporter) Perform(ctx context.Context, job queue.Job) error {
	return e.Run(ctx, job.Args.String("export_id"), job.Args.String("batch_id"))
}

// Run exports the batch. When the cap is reached the batch is rescheduled
// without starting. A failed batch stores its error and drops its artifact.
func (e *BatchExporter) Run(ctx context.Context, exportID, batchID string) error {
	ctx = logger.WithFields(ctx, logger.Fields{logger.FieldExportID: exportID, logger.FieldBatchID: batchID})

	batch, err := e.Exports.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status != domain.StatusCreated {
		logger.CtxDebug(ctx, "export batch already %s", batch.Status)
		return nil
	}

	if limit := e.Config.Export.ConcurrentBatchLimit; limit > 0 {
		running, err := e.Exports.CountStartedBatches(ctx)
		if err != nil {
			return err
		}
		if running >= int64(limit) {
			metrics.CapDeferrals.WithLabelValues("source").Inc()
			logger.CtxDebug(ctx, "%d export batches running, deferring", running)
			enqueue(ctx, e.Queue, e.Config.Export.CapDelay, exportBatchJob(exportID, batchID))
			return nil
		}
	}

	if err := e.Exports.StartBatch(ctx, batch.ID); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return nil
		}
		return err
	}

	export, err := e.Exports.GetByID(ctx, exportID)
	if err != nil {
		return err
	}
	p := source.Portable{Type: export.PortableType, FullPath: export.PortablePath}
	key := ArtifactKey(p, export.Relation, true, batch.BatchNumber)

	n, err := e.write(ctx, export, batch, key)
	if err != nil {
		logger.CtxWarn(ctx, "export batch %d failed: %v", batch.BatchNumber, err)
		if ferr := e.Exports.FailBatch(ctx, batch.ID, err.Error()); ferr != nil {
			logger.CtxWarn(ctx, "fail export batch: %v", ferr)
		}
		if derr := e.Storage.Delete(ctx, key); derr != nil {
			logger.CtxWarn(ctx, "drop artifact %s: %v", key, derr)
		}
	} else if err := e.Exports.FinishBatch(ctx, batch.ID, n); err != nil {
		logger.CtxWarn(ctx, "finish export batch: %v", err)
	}

	enqueueUnique(ctx, e.Queue, exportWatcherJob(exportID))
	return nil
}

func (e *BatchExporter) write(ctx context.Context, export *domain.Export, batch *domain.ExportBatch, key string) (int, error) {
	size := e.Config.Export.BatchSize
	if size <= 0 {
		size = 1000
	}
	records, err := e.Records.ListRelation(ctx, export.PortableType, export.PortablePath, export.Relation, (batch.BatchNumber-1)*size, size)
	if err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	n, err := pipeline.WriteNDJSON(&buf, records)
	if err != nil {
		return 0, err
	}
	return n, runSafely(ctx, func() error {
		return e.Storage.Upload(ctx, key, &buf, int64(buf.Len()), ndjsonContentType)
	})
}

// ExportWatcher settles a batched export once its batches are terminal.
type ExportWatcher struct {
	*Deps
}

// NewExportWatcher creates an ExportWatcher.
func NewExportWatcher(d *Deps) *ExportWatcher {
	return &ExportWatcher{Deps: d}
}

// Perform implements queue.Handler.
func (w *ExportWatcher) Perform(ctx context.Context, job queue.Job) error {
	return w.Check(ctx, job.Args.String("export_id"))
}

// Check fails the export when its newest batch update is older than the
// watcher timeout, checks again later while batches are pending, and
// otherwise finishes it, or fails it when any batch failed.
func (w *ExportWatcher) Check(ctx context.Context, exportID string) error {
	ctx = logger.WithField(ctx, logger.FieldExportID, exportID)

	export, err := w.Exports.GetByID(ctx, exportID)
	if err != nil {
		return err
	}
	if !export.Batched || export.Status != domain.StatusStarted {
		return nil
	}

	batches, err := w.Exports.ListBatches(ctx, export.ID)
	if err != nil {
		return err
	}

	if len(batches) > 0 && w.now().Sub(batches[0].UpdatedAt) > w.Config.Export.WatcherTimeout {
		if _, err := w.Exports.FailPendingBatches(ctx, export.ID, "Batch export timed out"); err != nil {
			return err
		}
		w.dropArtifacts(ctx, export, batches)
		return settled(w.Exports.Fail(ctx, export.ID, "Batch export timed out"))
	}

	failed := false
	for _, b := range batches {
		if !b.Status.IsTerminal() {
			enqueue(ctx, w.Queue, w.Config.Export.WatcherPollDelay, exportWatcherJob(export.ID))
			return nil
		}
		if b.Status == domain.StatusFailed {
			failed = true
		}
	}

	if failed {
		return settled(w.Exports.Fail(ctx, export.ID, "Batch export failed"))
	}
	return settled(w.Exports.FinishBatched(ctx, export.ID))
}

// dropArtifacts deletes whatever the batches that were still pending may
// have uploaded before they were forced to failed.
func (w *ExportWatcher) dropArtifacts(ctx context.Context, export *domain.Export, batches []domain.ExportBatch) {
	p := source.Portable{Type: export.PortableType, FullPath: export.PortablePath}
	for _, b := range batches {
		if b.Status.IsTerminal() {
			continue
		}
		key := ArtifactKey(p, export.Relation, true, b.BatchNumber)
		if err := w.Storage.Delete(ctx, key); err != nil {
			logger.CtxWarn(ctx, "drop artifact %s: %v", key, err)
		}
	}
}
