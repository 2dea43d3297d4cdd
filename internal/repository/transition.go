package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/bulkimport/internal/domain"
	"github.com/timmy/bulkimport/internal/metrics"
	"gorm.io/gorm"
)

// transition applies event ev to the row id of model as a guarded update:
// the status only changes if the row is currently in one of the edge's
// source states. Losing that race, or asking for an edge the machine does
// not have, yields domain.ErrInvalidTransition.
func transition(ctx context.Context, db *gorm.DB, model interface{}, m *domain.Machine, id string, ev domain.Event, changes map[string]interface{}) error {
	from, to, ok := m.Edge(ev)
	if !ok {
		return fmt.Errorf("%w: %s has no %q event", domain.ErrInvalidTransition, m.Name(), ev)
	}

	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	for k, v := range changes {
		updates[k] = v
	}

	res := db.WithContext(ctx).Model(model).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		metrics.StatusTransitions.WithLabelValues(m.Name(), string(ev), "error").Inc()
		return fmt.Errorf("%s %s %s: %w", m.Name(), id, ev, res.Error)
	}
	if res.RowsAffected == 0 {
		metrics.StatusTransitions.WithLabelValues(m.Name(), string(ev), "rejected").Inc()
		return fmt.Errorf("%w: %s %s cannot %s", domain.ErrInvalidTransition, m.Name(), id, ev)
	}

	metrics.StatusTransitions.WithLabelValues(m.Name(), string(ev), "applied").Inc()
	return nil
}

// transitionWhere applies ev to every row matching scope, returning how many moved.
func transitionWhere(ctx context.Context, db *gorm.DB, model interface{}, m *domain.Machine, ev domain.Event, scope func(*gorm.DB) *gorm.DB) (int64, error) {
	from, to, ok := m.Edge(ev)
	if !ok {
		return 0, fmt.Errorf("%w: %s has no %q event", domain.ErrInvalidTransition, m.Name(), ev)
	}

	res := scope(db.WithContext(ctx).Model(model)).
		Where("status IN ?", from).
		Updates(map[string]interface{}{"status": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return 0, fmt.Errorf("%s bulk %s: %w", m.Name(), ev, res.Error)
	}
	if res.RowsAffected > 0 {
		metrics.StatusTransitions.WithLabelValues(m.Name(), string(ev), "applied").Add(float64(res.RowsAffected))
	}
	return res.RowsAffected, nil
}
