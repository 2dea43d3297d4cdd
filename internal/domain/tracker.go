package domain

import "time"

// Tracker records the execution of one pipeline for one entity at one stage.
// Pipeline is the registry tag of the implementation, never a live object.
type Tracker struct {
	ID         string    `gorm:"type:text;primaryKey" json:"id"`
	EntityID   string    `gorm:"type:text;not null;uniqueIndex:idx_trackers_entity_stage_pipeline" json:"bulk_import_entity_id"`
	Stage      int       `gorm:"not null;uniqueIndex:idx_trackers_entity_stage_pipeline" json:"stage"`
	Pipeline   string    `gorm:"type:text;not null;uniqueIndex:idx_trackers_entity_stage_pipeline" json:"pipeline_name"`
	Status     Status    `gorm:"type:text;not null;default:created;index" json:"status"`
	JobID      string    `gorm:"type:text" json:"jid,omitempty"`
	Batched    bool      `gorm:"not null;default:false" json:"batched"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	// EnqueuedAt is set when the stage sequencer dispatches the tracker.
	EnqueuedAt *time.Time `json:"enqueued_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Tracker.
func (Tracker) TableName() string {
	return "bulk_import_trackers"
}

// DispatchedAt is the reference time of the export timeouts: the first
// enqueue, or the creation time for a tracker that was never dispatched.
func (t *Tracker) DispatchedAt() time.Time {
	if t.EnqueuedAt != nil {
		return *t.EnqueuedAt
	}
	return t.CreatedAt
}

// Batch is one independently runnable slice of a batched Tracker.
type Batch struct {
	ID          string    `gorm:"type:text;primaryKey" json:"id"`
	TrackerID   string    `gorm:"type:text;not null;uniqueIndex:idx_batches_tracker_number" json:"tracker_id"`
	BatchNumber int       `gorm:"not null;uniqueIndex:idx_batches_tracker_number" json:"batch_number"`
	Status      Status    `gorm:"type:text;not null;default:created;index" json:"status"`
	JobID       string    `gorm:"type:text" json:"jid,omitempty"`
	RetryCount  int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName returns the database table name for Batch.
func (Batch) TableName() string {
	return "bulk_import_batch_trackers"
}
