// Package testutil holds helpers shared by package tests.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/bulkimport/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// NewDB opens a private in-memory SQLite database with every domain table
// and the given extra models migrated.
func NewDB(t testing.TB, extra ...interface{}) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql.DB: %v", err)
	}
	// One connection keeps the shared in-memory database alive and serializes writers.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	models := append(domain.Models(), extra...)
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// Age rewrites updated_at of the row id in model's table to now-age, bypassing hooks.
func Age(t testing.TB, db *gorm.DB, model interface{}, id string, age time.Duration) {
	t.Helper()
	err := db.Model(model).Where("id = ?", id).UpdateColumn("updated_at", time.Now().UTC().Add(-age)).Error
	if err != nil {
		t.Fatalf("age %T %s: %v", model, id, err)
	}
}

// AgeCreated rewrites created_at of the row id in model's table to now-age.
func AgeCreated(t testing.TB, db *gorm.DB, model interface{}, id string, age time.Duration) {
	t.Helper()
	err := db.Model(model).Where("id = ?", id).UpdateColumn("created_at", time.Now().UTC().Add(-age)).Error
	if err != nil {
		t.Fatalf("age %T %s: %v", model, id, err)
	}
}
