package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/bulkimport/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TrackerRepository handles pipeline trackers and their batches.
type TrackerRepository struct {
	db *gorm.DB
}

// NewTrackerRepository creates a new TrackerRepository.
func NewTrackerRepository(db *gorm.DB) *TrackerRepository {
	return &TrackerRepository{db: db}
}

// CreateAll inserts trackers, ignoring any (entity, stage, pipeline) that
// already exists so materialization can be re-run safely.
func (r *TrackerRepository) CreateAll(ctx context.Context, trackers []*domain.Tracker) error {
	if len(trackers) == 0 {
		return nil
	}
	for _, t := range trackers {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		t.Status = domain.StatusCreated
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_id"}, {Name: "stage"}, {Name: "pipeline"}},
			DoNothing: true,
		}).
		Create(&trackers).Error
}

// GetByID retrieves a tracker by its ID.
func (r *TrackerRepository) GetByID(ctx context.Context, id string) (*domain.Tracker, error) {
	var t domain.Tracker
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "tracker", id)
	}
	return &t, nil
}

// ListByEntity returns every tracker of an entity ordered by stage.
func (r *TrackerRepository) ListByEntity(ctx context.Context, entityID string) ([]domain.Tracker, error) {
	var trackers []domain.Tracker
	err := r.db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Order("stage, pipeline").
		Find(&trackers).Error
	return trackers, err
}

// ListByEntities returns the trackers of several entities.
func (r *TrackerRepository) ListByEntities(ctx context.Context, entityIDs []string) ([]domain.Tracker, error) {
	var trackers []domain.Tracker
	if len(entityIDs) == 0 {
		return trackers, nil
	}
	err := r.db.WithContext(ctx).
		Where("entity_id IN ?", entityIDs).
		Order("entity_id, stage, pipeline").
		Find(&trackers).Error
	return trackers, err
}

// Transition applies ev to the tracker.
func (r *TrackerRepository) Transition(ctx context.Context, id string, ev domain.Event) error {
	return transition(ctx, r.db, &domain.Tracker{}, domain.TrackerMachine, id, ev, nil)
}

// Enqueue moves a created tracker to enqueued and stamps enqueued_at.
func (r *TrackerRepository) Enqueue(ctx context.Context, id string) error {
	return transition(ctx, r.db, &domain.Tracker{}, domain.TrackerMachine, id, domain.EventEnqueue, map[string]interface{}{
		"enqueued_at": time.Now().UTC(),
	})
}

// Start moves an enqueued tracker to started and records the job attempt.
func (r *TrackerRepository) Start(ctx context.Context, id, jobID string, batched bool) error {
	return transition(ctx, r.db, &domain.Tracker{}, domain.TrackerMachine, id, domain.EventStart, map[string]interface{}{
		"job_id":  jobID,
		"batched": batched,
	})
}

// Retry puts a started tracker back to enqueued and counts the attempt.
func (r *TrackerRepository) Retry(ctx context.Context, id string) error {
	return transition(ctx, r.db, &domain.Tracker{}, domain.TrackerMachine, id, domain.EventRetry, map[string]interface{}{
		"retry_count": gorm.Expr("retry_count + 1"),
	})
}

// CountInProgress counts the entity's trackers that are enqueued or started.
func (r *TrackerRepository) CountInProgress(ctx context.Context, entityID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Tracker{}).
		Where("entity_id = ? AND status IN ?", entityID, []string{string(domain.StatusEnqueued), string(domain.StatusStarted)}).
		Count(&count).Error
	return count, err
}

// NextCreatedStage returns the lowest stage that still has created trackers.
func (r *TrackerRepository) NextCreatedStage(ctx context.Context, entityID string) (int, bool, error) {
	var stage sql.NullInt64
	row := r.db.WithContext(ctx).Model(&domain.Tracker{}).
		Select("MIN(stage)").
		Where("entity_id = ? AND status = ?", entityID, domain.StatusCreated).
		Row()
	if err := row.Scan(&stage); err != nil {
		return 0, false, fmt.Errorf("failed to find next stage: %w", err)
	}
	if !stage.Valid {
		return 0, false, nil
	}
	return int(stage.Int64), true, nil
}

// ListCreatedAtStage returns the created trackers of an entity at stage.
func (r *TrackerRepository) ListCreatedAtStage(ctx context.Context, entityID string, stage int) ([]domain.Tracker, error) {
	var trackers []domain.Tracker
	err := r.db.WithContext(ctx).
		Where("entity_id = ? AND stage = ? AND status = ?", entityID, stage, domain.StatusCreated).
		Order("pipeline").
		Find(&trackers).Error
	return trackers, err
}

// TimeoutByEntity forces every non-terminal tracker of the entity, and the
// non-terminal batches of those trackers, to timeout.
func (r *TrackerRepository) TimeoutByEntity(ctx context.Context, entityID string) (int64, error) {
	var moved int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		trackerIDs := tx.Model(&domain.Tracker{}).Select("id").Where("entity_id = ?", entityID)
		if _, err := transitionWhere(ctx, tx, &domain.Batch{}, domain.BatchMachine, domain.EventCleanupStale, func(q *gorm.DB) *gorm.DB {
			return q.Where("tracker_id IN (?)", trackerIDs)
		}); err != nil {
			return err
		}

		n, err := transitionWhere(ctx, tx, &domain.Tracker{}, domain.TrackerMachine, domain.EventCleanupStale, func(q *gorm.DB) *gorm.DB {
			return q.Where("entity_id = ?", entityID)
		})
		moved = n
		return err
	})
	return moved, err
}

// CreateBatches creates batches 1..count for the tracker. Batches that
// already exist are left untouched.
func (r *TrackerRepository) CreateBatches(ctx context.Context, trackerID string, count int) error {
	if count <= 0 {
		return nil
	}
	batches := make([]*domain.Batch, 0, count)
	for n := 1; n <= count; n++ {
		batches = append(batches, &domain.Batch{
			ID:          uuid.New().String(),
			TrackerID:   trackerID,
			BatchNumber: n,
			Status:      domain.StatusCreated,
		})
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tracker_id"}, {Name: "batch_number"}},
			DoNothing: true,
		}).
		CreateInBatches(&batches, 500).Error
}

// GetBatch retrieves a batch by its ID.
func (r *TrackerRepository) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	var b domain.Batch
	if err := r.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "batch", id)
	}
	return &b, nil
}

// ListBatches returns the tracker's batches, most recently updated first.
func (r *TrackerRepository) ListBatches(ctx context.Context, trackerID string) ([]domain.Batch, error) {
	var batches []domain.Batch
	err := r.db.WithContext(ctx).
		Where("tracker_id = ?", trackerID).
		Order("updated_at DESC, batch_number").
		Find(&batches).Error
	return batches, err
}

// TransitionBatch applies ev to the batch.
func (r *TrackerRepository) TransitionBatch(ctx context.Context, id string, ev domain.Event) error {
	return transition(ctx, r.db, &domain.Batch{}, domain.BatchMachine, id, ev, nil)
}

// StartBatch moves a created batch to started and records the job attempt.
func (r *TrackerRepository) StartBatch(ctx context.Context, id, jobID string) error {
	return transition(ctx, r.db, &domain.Batch{}, domain.BatchMachine, id, domain.EventStart, map[string]interface{}{
		"job_id": jobID,
	})
}

// RetryBatch puts a started batch back to created and counts the attempt.
func (r *TrackerRepository) RetryBatch(ctx context.Context, id string) error {
	return transition(ctx, r.db, &domain.Batch{}, domain.BatchMachine, id, domain.EventRetry, map[string]interface{}{
		"retry_count": gorm.Expr("retry_count + 1"),
	})
}

// CountStartedBatches counts started batches across the installation.
func (r *TrackerRepository) CountStartedBatches(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Batch{}).
		Where("status = ?", domain.StatusStarted).
		Count(&count).Error
	return count, err
}

// FailBatches forces every batch of the tracker to failed.
func (r *TrackerRepository) FailBatches(ctx context.Context, trackerID string) (int64, error) {
	return transitionWhere(ctx, r.db, &domain.Batch{}, domain.BatchMachine, domain.EventFailOp, func(q *gorm.DB) *gorm.DB {
		return q.Where("tracker_id = ?", trackerID)
	})
}
