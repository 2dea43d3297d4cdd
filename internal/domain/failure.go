package domain

import "time"

// Failure is an append-only diagnostic row. Control flow never reads it.
type Failure struct {
	ID               string    `gorm:"type:text;primaryKey" json:"id"`
	EntityID         string    `gorm:"type:text;not null;index" json:"bulk_import_entity_id"`
	Pipeline         string    `gorm:"type:text;not null" json:"pipeline_class"`
	PipelineStep     string    `gorm:"type:text" json:"pipeline_step"`
	ExceptionClass   string    `gorm:"type:text;not null" json:"exception_class"`
	ExceptionMessage string    `gorm:"type:varchar(255)" json:"exception_message"`
	CorrelationID    string    `gorm:"type:text;index" json:"correlation_id_value"`
	CreatedAt        time.Time `json:"created_at"`
}

// TableName returns the database table name for Failure.
func (Failure) TableName() string {
	return "bulk_import_failures"
}

// Models lists every record the engine persists, in migration order.
func Models() []interface{} {
	return []interface{}{
		&Import{},
		&Entity{},
		&Tracker{},
		&Batch{},
		&Export{},
		&ExportBatch{},
		&Failure{},
		&RelationRecord{},
		&ImportedRecord{},
	}
}
