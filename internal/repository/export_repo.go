package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/bulkimport/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ExportRepository handles source-side relation exports and their batches.
type ExportRepository struct {
	db *gorm.DB
}

// NewExportRepository creates a new ExportRepository.
func NewExportRepository(db *gorm.DB) *ExportRepository {
	return &ExportRepository{db: db}
}

// Begin creates the export of a relation in started state, or resets an
// existing one to a fresh started export and drops its old batches.
func (r *ExportRepository) Begin(ctx context.Context, portableType domain.SourceType, portablePath, relation string) (*domain.Export, error) {
	var export domain.Export
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("portable_type = ? AND portable_path = ? AND relation = ?", portableType, portablePath, relation).
			First(&export).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			export = domain.Export{
				ID:           uuid.New().String(),
				PortableType: portableType,
				PortablePath: portablePath,
				Relation:     relation,
				Status:       domain.StatusStarted,
			}
			return tx.Create(&export).Error
		}
		if err != nil {
			return err
		}

		if export.Status != domain.StatusStarted {
			if _, err := domain.ExportMachine.Fire(export.Status, domain.EventStart); err != nil {
				return err
			}
		}
		reset := map[string]interface{}{
			"status":              domain.StatusStarted,
			"batched":             false,
			"batches_count":       0,
			"total_objects_count": 0,
			"error":               "",
			"updated_at":          time.Now().UTC(),
		}
		if err := tx.Model(&domain.Export{}).Where("id = ?", export.ID).Updates(reset).Error; err != nil {
			return err
		}
		if err := tx.Where("export_id = ?", export.ID).Delete(&domain.ExportBatch{}).Error; err != nil {
			return err
		}
		return tx.First(&export, "id = ?", export.ID).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin export of %s: %w", relation, err)
	}
	return &export, nil
}

// GetByID retrieves an export by its ID.
func (r *ExportRepository) GetByID(ctx context.Context, id string) (*domain.Export, error) {
	var e domain.Export
	if err := r.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "export", id)
	}
	return &e, nil
}

// Find retrieves the export of one relation of a portable.
func (r *ExportRepository) Find(ctx context.Context, portableType domain.SourceType, portablePath, relation string) (*domain.Export, error) {
	var e domain.Export
	err := r.db.WithContext(ctx).
		Where("portable_type = ? AND portable_path = ? AND relation = ?", portableType, portablePath, relation).
		First(&e).Error
	if err != nil {
		return nil, notFound(err, "export", relation)
	}
	return &e, nil
}

// ListByPortable returns every relation export of a portable.
func (r *ExportRepository) ListByPortable(ctx context.Context, portableType domain.SourceType, portablePath string) ([]domain.Export, error) {
	var exports []domain.Export
	err := r.db.WithContext(ctx).
		Where("portable_type = ? AND portable_path = ?", portableType, portablePath).
		Order("relation").
		Find(&exports).Error
	return exports, err
}

// MarkBatched records the batch layout of a started export and creates its batches.
func (r *ExportRepository) MarkBatched(ctx context.Context, id string, batchesCount, totalObjects int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Export{}).
			Where("id = ? AND status = ?", id, domain.StatusStarted).
			Updates(map[string]interface{}{
				"batched":             true,
				"batches_count":       batchesCount,
				"total_objects_count": totalObjects,
				"updated_at":          time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: export %s is not started", domain.ErrInvalidTransition, id)
		}
		if batchesCount == 0 {
			return nil
		}

		batches := make([]*domain.ExportBatch, 0, batchesCount)
		for n := 1; n <= batchesCount; n++ {
			batches = append(batches, &domain.ExportBatch{
				ID:          uuid.New().String(),
				ExportID:    id,
				BatchNumber: n,
				Status:      domain.StatusCreated,
			})
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "export_id"}, {Name: "batch_number"}},
			DoNothing: true,
		}).CreateInBatches(&batches, 500).Error
	})
}

// Finish marks the export finished with its object count.
func (r *ExportRepository) Finish(ctx context.Context, id string, totalObjects int) error {
	return transition(ctx, r.db, &domain.Export{}, domain.ExportMachine, id, domain.EventFinish, map[string]interface{}{
		"total_objects_count": totalObjects,
	})
}

// FinishBatched marks a batched export finished, keeping its counts.
func (r *ExportRepository) FinishBatched(ctx context.Context, id string) error {
	return transition(ctx, r.db, &domain.Export{}, domain.ExportMachine, id, domain.EventFinish, nil)
}

// Fail marks the export failed and stores the truncated error.
func (r *ExportRepository) Fail(ctx context.Context, id, message string) error {
	return transition(ctx, r.db, &domain.Export{}, domain.ExportMachine, id, domain.EventFail, map[string]interface{}{
		"error": domain.TruncateMessage(message, domain.MaxMessageBytes),
	})
}

// GetBatch retrieves an export batch by its ID.
func (r *ExportRepository) GetBatch(ctx context.Context, id string) (*domain.ExportBatch, error) {
	var b domain.ExportBatch
	if err := r.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "export batch", id)
	}
	return &b, nil
}

// FindBatch retrieves batch number n of an export.
func (r *ExportRepository) FindBatch(ctx context.Context, exportID string, n int) (*domain.ExportBatch, error) {
	var b domain.ExportBatch
	err := r.db.WithContext(ctx).
		Where("export_id = ? AND batch_number = ?", exportID, n).
		First(&b).Error
	if err != nil {
		return nil, notFound(err, "export batch", fmt.Sprintf("%s#%d", exportID, n))
	}
	return &b, nil
}

// ListBatches returns the export's batches, most recently updated first.
func (r *ExportRepository) ListBatches(ctx context.Context, exportID string) ([]domain.ExportBatch, error) {
	var batches []domain.ExportBatch
	err := r.db.WithContext(ctx).
		Where("export_id = ?", exportID).
		Order("updated_at DESC, batch_number").
		Find(&batches).Error
	return batches, err
}

// CountStartedBatches counts export batches in flight across the installation.
func (r *ExportRepository) CountStartedBatches(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.ExportBatch{}).
		Where("status = ?", domain.StatusStarted).
		Count(&count).Error
	return count, err
}

// StartBatch moves a created export batch to started.
func (r *ExportRepository) StartBatch(ctx context.Context, id string) error {
	return transition(ctx, r.db, &domain.ExportBatch{}, domain.ExportBatchMachine, id, domain.EventStart, nil)
}

// FinishBatch marks an export batch finished with its object count.
func (r *ExportRepository) FinishBatch(ctx context.Context, id string, objects int) error {
	return transition(ctx, r.db, &domain.ExportBatch{}, domain.ExportBatchMachine, id, domain.EventFinish, map[string]interface{}{
		"objects_count": objects,
	})
}

// FailBatch marks a started export batch failed with the truncated error.
func (r *ExportRepository) FailBatch(ctx context.Context, id, message string) error {
	return transition(ctx, r.db, &domain.ExportBatch{}, domain.ExportBatchMachine, id, domain.EventFail, map[string]interface{}{
		"error": domain.TruncateMessage(message, domain.MaxMessageBytes),
	})
}

// FailPendingBatches forces every created or started batch of the export to failed.
func (r *ExportRepository) FailPendingBatches(ctx context.Context, exportID, message string) (int64, error) {
	from, to, _ := domain.ExportBatchMachine.Edge(domain.EventFailOp)
	res := r.db.WithContext(ctx).Model(&domain.ExportBatch{}).
		Where("export_id = ? AND status IN ?", exportID, from).
		Updates(map[string]interface{}{
			"status":     to,
			"error":      domain.TruncateMessage(message, domain.MaxMessageBytes),
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}
