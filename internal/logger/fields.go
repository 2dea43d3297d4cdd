package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// ============================================
// Tracing fields (context level)
// Propagated through every job a bulk import spawns.
// ============================================

const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldCorrelationID ties every job and failure of one import together
	FieldCorrelationID = "correlation_id"

	// FieldJobKind is the queue job kind being executed
	FieldJobKind = "job_kind"

	// FieldImportID is the bulk import ID
	FieldImportID = "bulk_import_id"

	// FieldEntityID is the bulk import entity ID
	FieldEntityID = "bulk_import_entity_id"

	// FieldTrackerID is the pipeline tracker ID
	FieldTrackerID = "tracker_id"

	// FieldBatchID is the pipeline batch ID
	FieldBatchID = "batch_id"

	// FieldPipeline is the pipeline kind tag
	FieldPipeline = "pipeline_class"

	// FieldStage is the pipeline stage number
	FieldStage = "stage"

	// FieldExportID is the source-side relation export ID
	FieldExportID = "export_id"

	// FieldJobID is the queue job ID of the current attempt
	FieldJobID = "job_id"

	// FieldRelation is the exported relation name
	FieldRelation = "relation"

	// FieldComponent is the component/module name
	FieldComponent = "component"
)

// ============================================
// Metric fields (entry level)
// ============================================

const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldSize is the data size in bytes
	FieldSize = "size"

	// FieldStatus is the operation status
	FieldStatus = "status"

	// FieldAttempt is the delivery attempt of a queue job
	FieldAttempt = "attempt"
)
