package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Export tracks the production of one relation's export on the source side.
// A portable with no Export row for a relation reports the export as empty.
type Export struct {
	ID                string     `gorm:"type:text;primaryKey" json:"id"`
	PortableType      SourceType `gorm:"type:text;not null;uniqueIndex:idx_exports_portable_relation" json:"portable_type"`
	PortablePath      string     `gorm:"type:text;not null;uniqueIndex:idx_exports_portable_relation" json:"portable_path"`
	Relation          string     `gorm:"type:text;not null;uniqueIndex:idx_exports_portable_relation" json:"relation"`
	Status            Status     `gorm:"type:text;not null;default:started;index" json:"status"`
	Batched           bool       `gorm:"not null;default:false" json:"batched"`
	BatchesCount      int        `gorm:"not null;default:0" json:"batches_count"`
	TotalObjectsCount int        `gorm:"not null;default:0" json:"total_objects_count"`
	Error             string     `gorm:"type:text" json:"error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Export.
func (Export) TableName() string {
	return "bulk_import_exports"
}

// ExportBatch is one slice of a batched Export.
type ExportBatch struct {
	ID           string    `gorm:"type:text;primaryKey" json:"id"`
	ExportID     string    `gorm:"type:text;not null;uniqueIndex:idx_export_batches_export_number" json:"export_id"`
	BatchNumber  int       `gorm:"not null;uniqueIndex:idx_export_batches_export_number" json:"batch_number"`
	Status       Status    `gorm:"type:text;not null;default:created;index" json:"status"`
	ObjectsCount int       `gorm:"not null;default:0" json:"objects_count"`
	Error        string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName returns the database table name for ExportBatch.
func (ExportBatch) TableName() string {
	return "bulk_import_export_batches"
}

// RelationRecord is one serialized row of a portable's relation (a label,
// an issue, ...). The source serializes them into exports and the
// destination loads them back.
type RelationRecord struct {
	ID           uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	PortableType SourceType     `gorm:"type:text;not null;index:idx_relation_records_portable" json:"portable_type"`
	PortablePath string         `gorm:"type:text;not null;index:idx_relation_records_portable" json:"portable_path"`
	Relation     string         `gorm:"type:text;not null;index:idx_relation_records_portable" json:"relation"`
	Payload      datatypes.JSON `json:"payload"`
	CreatedAt    time.Time      `json:"created_at"`
}

// TableName returns the database table name for RelationRecord.
func (RelationRecord) TableName() string {
	return "relation_records"
}

// ImportedRecord is a relation row loaded on the destination for an entity.
// SourceID makes loading idempotent across retried batches.
type ImportedRecord struct {
	ID        uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	EntityID  string         `gorm:"type:text;not null;uniqueIndex:idx_imported_records_source" json:"bulk_import_entity_id"`
	Relation  string         `gorm:"type:text;not null;uniqueIndex:idx_imported_records_source" json:"relation"`
	SourceID  uint64         `gorm:"not null;uniqueIndex:idx_imported_records_source" json:"source_id"`
	Payload   datatypes.JSON `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// TableName returns the database table name for ImportedRecord.
func (ImportedRecord) TableName() string {
	return "imported_records"
}
