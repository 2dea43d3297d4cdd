package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/bulkimport/internal/domain"
	"gorm.io/gorm"
)

// ImportRepository handles bulk import and entity records.
type ImportRepository struct {
	db *gorm.DB
}

// NewImportRepository creates a new ImportRepository.
func NewImportRepository(db *gorm.DB) *ImportRepository {
	return &ImportRepository{db: db}
}

// CreateWithEntities inserts an import and all of its entities atomically.
// Missing IDs are generated.
func (r *ImportRepository) CreateWithEntities(ctx context.Context, imp *domain.Import, entities []*domain.Entity) error {
	if imp.ID == "" {
		imp.ID = uuid.New().String()
	}
	imp.Status = domain.StatusCreated

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(imp).Error; err != nil {
			return fmt.Errorf("failed to create import: %w", err)
		}
		for _, e := range entities {
			if e.ID == "" {
				e.ID = uuid.New().String()
			}
			e.ImportID = imp.ID
			e.Status = domain.StatusCreated
		}
		if len(entities) == 0 {
			return nil
		}
		if err := tx.Create(&entities).Error; err != nil {
			return fmt.Errorf("failed to create entities: %w", err)
		}
		return nil
	})
}

// GetByID retrieves an import by its ID.
func (r *ImportRepository) GetByID(ctx context.Context, id string) (*domain.Import, error) {
	var imp domain.Import
	if err := r.db.WithContext(ctx).First(&imp, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "import", id)
	}
	return &imp, nil
}

// Transition applies ev to the import.
func (r *ImportRepository) Transition(ctx context.Context, id string, ev domain.Event) error {
	return transition(ctx, r.db, &domain.Import{}, domain.ImportMachine, id, ev, nil)
}

// entityActivity matches entities, aliased e, that moved since the cutoff
// themselves or through one of their trackers or batches. It takes the
// cutoff three times.
const entityActivity = `(e.updated_at >= ?
	OR EXISTS (SELECT 1 FROM bulk_import_trackers t WHERE t.entity_id = e.id AND t.updated_at >= ?)
	OR EXISTS (SELECT 1 FROM bulk_import_batch_trackers b JOIN bulk_import_trackers t ON t.id = b.tracker_id
		WHERE t.entity_id = e.id AND b.updated_at >= ?))`

// ListStale returns up to limit non-terminal imports with no progress since
// cutoff, with IDs greater than afterID, ordered by ID for keyset pagination.
// Progress of any entity, tracker or batch of the import counts.
func (r *ImportRepository) ListStale(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]domain.Import, error) {
	var imports []domain.Import
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ? AND id > ?", nonTerminal(domain.ImportMachine), cutoff, afterID).
		Where("NOT EXISTS (SELECT 1 FROM bulk_import_entities e WHERE e.import_id = bulk_imports.id AND "+entityActivity+")",
			cutoff, cutoff, cutoff).
		Order("id").
		Limit(limit).
		Find(&imports).Error
	return imports, err
}

// GetEntity retrieves an entity by its ID.
func (r *ImportRepository) GetEntity(ctx context.Context, id string) (*domain.Entity, error) {
	var e domain.Entity
	if err := r.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "entity", id)
	}
	return &e, nil
}

// ListEntities returns the entities of an import in creation order.
func (r *ImportRepository) ListEntities(ctx context.Context, importID string) ([]domain.Entity, error) {
	var entities []domain.Entity
	err := r.db.WithContext(ctx).
		Where("import_id = ?", importID).
		Order("created_at, id").
		Find(&entities).Error
	return entities, err
}

// TransitionEntity applies ev to the entity.
func (r *ImportRepository) TransitionEntity(ctx context.Context, id string, ev domain.Event) error {
	return transition(ctx, r.db, &domain.Entity{}, domain.EntityMachine, id, ev, nil)
}

// ListStaleEntities is the entity counterpart of ListStale.
func (r *ImportRepository) ListStaleEntities(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]domain.Entity, error) {
	var entities []domain.Entity
	err := r.db.WithContext(ctx).Table("bulk_import_entities AS e").
		Where("e.status IN ? AND e.id > ?", nonTerminal(domain.EntityMachine), afterID).
		Where("NOT "+entityActivity, cutoff, cutoff, cutoff).
		Order("e.id").
		Limit(limit).
		Find(&entities).Error
	return entities, err
}

// nonTerminal lists the states a stale record can be timed out from.
func nonTerminal(m *domain.Machine) []string {
	from, _, _ := m.Edge(domain.EventCleanupStale)
	return from
}
