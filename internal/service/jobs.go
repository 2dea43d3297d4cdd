package service

import (
	"strconv"

	"github.com/timmy/bulkimport/internal/queue"
)

// Job kinds handled by the import engine.
const (
	KindImportStart     = "bulk_imports.start"
	KindExportRequest   = "bulk_imports.export_request"
	KindPipeline        = "bulk_imports.pipeline"
	KindPipelineBatch   = "bulk_imports.pipeline_batch"
	KindBatchWatcher    = "bulk_imports.finish_batched_pipeline"
	KindSequencer       = "bulk_imports.entity"
	KindRelationExport  = "bulk_imports.relation_export"
	KindExportBatch     = "bulk_imports.relation_batch_export"
	KindExportWatcher   = "bulk_imports.finish_batched_relation_export"
	KindStaleImportReap = "bulk_imports.stale_import_reaper"
)

// noStage is passed to the sequencer when no stage was completed yet.
const noStage = -1

func importStartJob(importID string) queue.Job {
	return queue.Job{Kind: KindImportStart, Args: queue.Args{"import_id": importID}}
}

func exportRequestJob(entityID string) queue.Job {
	return queue.Job{Kind: KindExportRequest, Args: queue.Args{"entity_id": entityID}}
}

func pipelineJob(trackerID string, stage int, entityID string) queue.Job {
	return queue.Job{Kind: KindPipeline, Args: queue.Args{
		"tracker_id": trackerID,
		"stage":      strconv.Itoa(stage),
		"entity_id":  entityID,
	}}
}

func pipelineBatchJob(batchID, trackerID string) queue.Job {
	return queue.Job{Kind: KindPipelineBatch, Args: queue.Args{"batch_id": batchID, "tracker_id": trackerID}}
}

func batchWatcherJob(trackerID string) queue.Job {
	return queue.Job{Kind: KindBatchWatcher, Args: queue.Args{"tracker_id": trackerID}}
}

func sequencerJob(entityID string, stage int) queue.Job {
	return queue.Job{Kind: KindSequencer, Args: queue.Args{"entity_id": entityID, "stage": strconv.Itoa(stage)}}
}

func relationExportJob(portableType, portablePath, relation string, batched bool) queue.Job {
	return queue.Job{Kind: KindRelationExport, Args: queue.Args{
		"portable_type": portableType,
		"portable_path": portablePath,
		"relation":      relation,
		"batched":       strconv.FormatBool(batched),
	}}
}

func exportBatchJob(exportID, batchID string) queue.Job {
	return queue.Job{Kind: KindExportBatch, Args: queue.Args{"export_id": exportID, "batch_id": batchID}}
}

func exportWatcherJob(exportID string) queue.Job {
	return queue.Job{Kind: KindExportWatcher, Args: queue.Args{"export_id": exportID}}
}

// StaleReapJob is the job the scheduler enqueues to run the reaper once.
func StaleReapJob() queue.Job {
	return queue.Job{Kind: KindStaleImportReap}
}
