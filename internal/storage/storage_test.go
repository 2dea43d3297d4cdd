package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/bulkimport/internal/config"
)

func TestDetectStorageType(t *testing.T) {
	assert.Equal(t, StorageTypeR2, detectStorageType("https://acct.r2.cloudflarestorage.com"))
	assert.Equal(t, StorageTypeS3, detectStorageType("s3.eu-west-1.amazonaws.com"))
	assert.Equal(t, StorageTypeS3, detectStorageType(""))
	assert.Equal(t, StorageTypeS3Compatible, detectStorageType("minio:9000"))
}

func TestNormalizeEndpoint(t *testing.T) {
	assert.Equal(t, "minio:9000", normalizeEndpoint("http://minio:9000/some/path"))
	assert.Equal(t, "s3.example.com", normalizeEndpoint("https://s3.example.com/"))
}

func TestNewStorage(t *testing.T) {
	s, err := NewStorage(&config.StorageConfig{Type: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStorage{}, s)

	_, err = NewStorage(&config.StorageConfig{Type: "s3"})
	assert.Error(t, err, "bucket is required")
}

func TestS3ObjectKeyPrefix(t *testing.T) {
	s := &S3Storage{prefix: "exports"}
	assert.Equal(t, "exports/group/org/labels.ndjson.gz", s.objectKey("group/org/labels.ndjson.gz"))
	assert.Equal(t, "k", (&S3Storage{}).objectKey("k"))
}

func TestMemoryStorage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	require.NoError(t, s.Upload(ctx, "a", strings.NewReader("hello"), 5, "text/plain"))
	ok, err := s.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	r, err := s.Download(ctx, "a")
	require.NoError(t, err)
	data, _ := io.ReadAll(r)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Download(ctx, "a")
	assert.ErrorIs(t, err, ErrObjectNotFound)
	assert.Empty(t, s.Keys())
}
