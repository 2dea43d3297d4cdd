package domain

import "time"

// SourceType identifies the kind of portable being migrated.
type SourceType string

const (
	SourceTypeGroup   SourceType = "group"
	SourceTypeProject SourceType = "project"
)

// Valid reports whether t is a known source type.
func (t SourceType) Valid() bool {
	return t == SourceTypeGroup || t == SourceTypeProject
}

// Import is one cross-installation migration.
type Import struct {
	ID          string    `gorm:"type:text;primaryKey" json:"id"`
	SourceURL   string    `gorm:"type:text;not null" json:"source_url"`
	SourceToken string    `gorm:"type:text" json:"-"`
	Status      Status    `gorm:"type:text;not null;default:created;index" json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `gorm:"index" json:"updated_at"`
}

// TableName returns the database table name for Import.
func (Import) TableName() string {
	return "bulk_imports"
}

// Entity is one group or project inside an Import.
type Entity struct {
	ID              string     `gorm:"type:text;primaryKey" json:"id"`
	ImportID        string     `gorm:"type:text;not null;index" json:"bulk_import_id"`
	SourceType      SourceType `gorm:"type:text;not null" json:"source_type"`
	SourceFullPath  string     `gorm:"type:text;not null" json:"source_full_path"`
	DestinationPath string     `gorm:"type:text;not null" json:"destination_path"`
	Status          Status     `gorm:"type:text;not null;default:created;index" json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `gorm:"index" json:"updated_at"`
}

// TableName returns the database table name for Entity.
func (Entity) TableName() string {
	return "bulk_import_entities"
}
