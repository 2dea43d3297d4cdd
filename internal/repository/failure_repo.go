package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/timmy/bulkimport/internal/domain"
	"gorm.io/gorm"
)

// FailureRepository stores the append-only failure ledger.
type FailureRepository struct {
	db *gorm.DB
}

// NewFailureRepository creates a new FailureRepository.
func NewFailureRepository(db *gorm.DB) *FailureRepository {
	return &FailureRepository{db: db}
}

// Create appends a failure row.
func (r *FailureRepository) Create(ctx context.Context, f *domain.Failure) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	return r.db.WithContext(ctx).Create(f).Error
}

// ListByEntity returns the failures of an entity, oldest first.
func (r *FailureRepository) ListByEntity(ctx context.Context, entityID string) ([]domain.Failure, error) {
	var failures []domain.Failure
	err := r.db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Order("created_at, id").
		Find(&failures).Error
	return failures, err
}

// ListByImport returns the failures of every entity of an import.
func (r *FailureRepository) ListByImport(ctx context.Context, importID string) ([]domain.Failure, error) {
	var failures []domain.Failure
	entityIDs := r.db.Model(&domain.Entity{}).Select("id").Where("import_id = ?", importID)
	err := r.db.WithContext(ctx).
		Where("entity_id IN (?)", entityIDs).
		Order("created_at, id").
		Find(&failures).Error
	return failures, err
}
