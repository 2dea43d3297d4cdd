package repository

import (
	"context"

	"github.com/timmy/bulkimport/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RecordRepository reads source relation rows and writes imported ones.
type RecordRepository struct {
	db *gorm.DB
}

// NewRecordRepository creates a new RecordRepository.
func NewRecordRepository(db *gorm.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

// CountRelation counts the source rows of one relation of a portable.
func (r *RecordRepository) CountRelation(ctx context.Context, portableType domain.SourceType, portablePath, relation string) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.RelationRecord{}).
		Where("portable_type = ? AND portable_path = ? AND relation = ?", portableType, portablePath, relation).
		Count(&count).Error
	return int(count), err
}

// ListRelation returns a window of source rows in ID order. A limit of zero
// or less returns every row from offset on.
func (r *RecordRepository) ListRelation(ctx context.Context, portableType domain.SourceType, portablePath, relation string, offset, limit int) ([]domain.RelationRecord, error) {
	var records []domain.RelationRecord
	q := r.db.WithContext(ctx).
		Where("portable_type = ? AND portable_path = ? AND relation = ?", portableType, portablePath, relation).
		Order("id").
		Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&records).Error
	return records, err
}

// CreateRelationRecords inserts source rows.
func (r *RecordRepository) CreateRelationRecords(ctx context.Context, records []domain.RelationRecord) error {
	if len(records) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(&records, 500).Error
}

// UpsertImported inserts imported rows, skipping any already loaded for the
// same entity, relation and source ID.
func (r *RecordRepository) UpsertImported(ctx context.Context, records []domain.ImportedRecord) error {
	if len(records) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_id"}, {Name: "relation"}, {Name: "source_id"}},
			DoNothing: true,
		}).
		CreateInBatches(&records, 500).Error
}

// CountImported counts the rows loaded for an entity, grouped by relation.
func (r *RecordRepository) CountImported(ctx context.Context, entityID string) (map[string]int, error) {
	var rows []struct {
		Relation string
		Count    int
	}
	err := r.db.WithContext(ctx).Model(&domain.ImportedRecord{}).
		Select("relation, COUNT(*) AS count").
		Where("entity_id = ?", entityID).
		Group("relation").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Relation] = row.Count
	}
	return counts, nil
}
