package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Record is the row backing a database lease.
type Record struct {
	LeaseKey  string    `gorm:"type:text;primaryKey"`
	Token     string    `gorm:"type:text;not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

// TableName returns the database table name for Record.
func (Record) TableName() string {
	return "exclusive_leases"
}

// DatabaseManager implements Manager on the application database, for
// deployments without Redis.
type DatabaseManager struct {
	db  *gorm.DB
	now func() time.Time
}

// NewDatabaseManager creates a DatabaseManager. The leases table must be migrated.
func NewDatabaseManager(db *gorm.DB) *DatabaseManager {
	return &DatabaseManager{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Acquire implements Manager. An expired row is taken over in place.
func (m *DatabaseManager) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	now := m.now()
	rec := Record{LeaseKey: key, Token: uuid.New().String(), ExpiresAt: now.Add(ttl)}

	res := m.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to acquire lease %s: %w", key, res.Error)
	}
	if res.RowsAffected == 0 {
		res = m.db.WithContext(ctx).Model(&Record{}).
			Where("lease_key = ? AND expires_at < ?", key, now).
			Updates(map[string]interface{}{"token": rec.Token, "expires_at": rec.ExpiresAt})
		if res.Error != nil {
			return nil, false, fmt.Errorf("failed to take over lease %s: %w", key, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, false, nil
		}
	}
	return &dbLease{db: m.db, now: m.now, key: key, token: rec.Token}, true, nil
}

type dbLease struct {
	db    *gorm.DB
	now   func() time.Time
	key   string
	token string
}

func (l *dbLease) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	res := l.db.WithContext(ctx).Model(&Record{}).
		Where("lease_key = ? AND token = ?", l.key, l.token).
		Update("expires_at", l.now().Add(ttl))
	if res.Error != nil {
		return false, fmt.Errorf("failed to extend lease %s: %w", l.key, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (l *dbLease) Release(ctx context.Context) error {
	err := l.db.WithContext(ctx).
		Where("lease_key = ? AND token = ?", l.key, l.token).
		Delete(&Record{}).Error
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	return nil
}
