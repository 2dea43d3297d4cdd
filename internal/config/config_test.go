package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 25, cfg.BulkImport.ConcurrentBatchLimit)
	assert.Equal(t, 8, cfg.Export.ConcurrentBatchLimit)
	assert.Equal(t, time.Minute, cfg.Export.CapDelay)
	assert.Equal(t, 24*time.Hour, cfg.Reaper.StaleAfter)
	assert.Equal(t, "exponential", cfg.BulkImport.Retry.Strategy)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
database:
  driver: postgres
  host: db.internal
  port: 5433
  dbname: imports
bulk_import:
  concurrent_pipeline_batch_limit: 3
  empty_export_timeout: 2m
  retry:
    strategy: fixed
export:
  concurrent_batch_limit: 2
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 3, cfg.BulkImport.ConcurrentBatchLimit)
	assert.Equal(t, 2*time.Minute, cfg.BulkImport.EmptyExportTimeout)
	assert.Equal(t, "fixed", cfg.BulkImport.Retry.Strategy)
	assert.Equal(t, 2, cfg.Export.ConcurrentBatchLimit)

	// untouched keys keep their defaults
	assert.Equal(t, 90*time.Minute, cfg.BulkImport.ExtractionTimeout)
	assert.Equal(t, 4*time.Hour, cfg.BulkImport.BatchStaleness)
	assert.Equal(t, 6*time.Hour, cfg.Export.WatcherTimeout)
	assert.Equal(t, 100, cfg.Reaper.PageSize)
	assert.Equal(t, 30*time.Second, cfg.Lease.TTL)
}

func TestDatabaseDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{
			name: "sqlite",
			cfg:  DatabaseConfig{Driver: "sqlite", Path: "./data/x.db"},
			want: "./data/x.db?_busy_timeout=5000",
		},
		{
			name: "postgres",
			cfg:  DatabaseConfig{Driver: "postgres", Host: "h", Port: 5432, User: "u", Password: "p", DBName: "d", SSLMode: "disable"},
			want: "host=h port=5432 user=u password=p dbname=d sslmode=disable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.DSN())
		})
	}
}
