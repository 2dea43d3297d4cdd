package pipeline

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/bulkimport/internal/domain"
	"github.com/timmy/bulkimport/internal/source"
	"gorm.io/datatypes"
)

type fakeDownloader struct {
	body     []byte
	err      error
	relation string
	batched  bool
	number   int
}

func (f *fakeDownloader) Download(_ context.Context, _ source.Connection, _ source.Portable, relation string, batched bool, n int) (io.ReadCloser, error) {
	f.relation, f.batched, f.number = relation, batched, n
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(bytes.NewReader(f.body)), nil
}

type fakeLoader struct {
	records []domain.ImportedRecord
	calls   int
}

func (f *fakeLoader) UpsertImported(_ context.Context, records []domain.ImportedRecord) error {
	f.calls++
	f.records = append(f.records, records...)
	return nil
}

func (f *fakeLoader) CountImported(_ context.Context, entityID string) (map[string]int, error) {
	counts := map[string]int{}
	for _, r := range f.records {
		if r.EntityID == entityID {
			counts[r.Relation]++
		}
	}
	return counts, nil
}

func testContext(batch *domain.Batch) *Context {
	return &Context{
		Import:  &domain.Import{ID: "i1", SourceURL: "https://src.example", SourceToken: "t"},
		Entity:  &domain.Entity{ID: "e1", SourceType: domain.SourceTypeProject, SourceFullPath: "org/app"},
		Tracker: &domain.Tracker{ID: "t1", Pipeline: "project_issues"},
		Batch:   batch,
	}
}

func TestDefaultLayout(t *testing.T) {
	r := Default(&fakeDownloader{}, &fakeLoader{})

	group := r.Stages(domain.SourceTypeGroup)
	require.Len(t, group, 3)
	assert.Equal(t, "group_attributes", group[0].Pipelines[0].Name)
	assert.True(t, group[0].Pipelines[0].AbortOnFailure)
	assert.Len(t, group[1].Pipelines, 4)
	assert.Equal(t, FinisherPipeline, group[2].Pipelines[0].Name)

	project := r.Stages(domain.SourceTypeProject)
	require.Len(t, project, 4)
	for i, s := range project {
		assert.Equal(t, i, s.Number)
	}

	assert.Equal(t, []string{"badges", "issues", "labels", "members", "merge_requests", "milestones", "self"},
		r.Relations(domain.SourceTypeProject))
	assert.NotContains(t, r.Relations(domain.SourceTypeGroup), "issues")
	assert.True(t, r.Batchable(domain.SourceTypeProject, "issues"))
	assert.False(t, r.Batchable(domain.SourceTypeProject, "labels"))

	def, ok := r.Lookup(FinisherPipeline)
	require.True(t, ok)
	assert.Empty(t, def.Relation)
	assert.False(t, def.FileExtraction)
}

func TestTrackersCoverEveryPipeline(t *testing.T) {
	r := Default(&fakeDownloader{}, &fakeLoader{})
	entity := &domain.Entity{ID: "e1", SourceType: domain.SourceTypeProject}

	trackers := r.Trackers(entity)
	require.Len(t, trackers, 1+4+2+1)
	seen := map[string]bool{}
	for _, tr := range trackers {
		assert.Equal(t, "e1", tr.EntityID)
		assert.Equal(t, domain.StatusCreated, tr.Status)
		assert.False(t, seen[tr.Pipeline])
		seen[tr.Pipeline] = true
	}
	assert.Equal(t, 0, trackers[0].Stage)
	assert.Equal(t, 3, trackers[len(trackers)-1].Stage)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	def := Definition{Name: "x", Pipeline: Func(func(context.Context, *Context) error { return nil })}
	require.NoError(t, r.Register(domain.SourceTypeGroup, 0, def))
	assert.Error(t, r.Register(domain.SourceTypeGroup, 1, def))
	assert.NoError(t, r.Register(domain.SourceTypeProject, 0, def))
	assert.Error(t, r.Register("wiki", 0, def))
	assert.Error(t, r.Register(domain.SourceTypeGroup, 0, Definition{Name: "y"}))
}

func TestNDJSONRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	n, err := WriteNDJSON(&buf, []domain.RelationRecord{
		{ID: 7, Payload: datatypes.JSON(`{"title":"a"}`)},
		{ID: 8, Payload: datatypes.JSON(`{"title":"b"}`)},
		{ID: 9},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	src := &fakeDownloader{body: buf.Bytes()}
	loader := &fakeLoader{}
	p := &NDJSONPipeline{Relation: "issues", Source: src, Loader: loader, ChunkSize: 2}

	require.NoError(t, p.Run(context.Background(), testContext(&domain.Batch{BatchNumber: 3})))
	assert.Equal(t, "issues", src.relation)
	assert.True(t, src.batched)
	assert.Equal(t, 3, src.number)

	require.Len(t, loader.records, 3)
	assert.Equal(t, 2, loader.calls)
	assert.Equal(t, uint64(7), loader.records[0].SourceID)
	assert.JSONEq(t, `{"title":"a"}`, string(loader.records[0].Payload))
	assert.Equal(t, "e1", loader.records[2].EntityID)

	require.NoError(t, p.OnFinish(context.Background(), testContext(nil)))
}

func TestNDJSONRejectsGarbage(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte("{not json}\n"))
	require.NoError(t, zw.Close())

	p := &NDJSONPipeline{Relation: "labels", Source: &fakeDownloader{body: buf.Bytes()}, Loader: &fakeLoader{}}
	err := p.Run(context.Background(), testContext(nil))
	assert.ErrorContains(t, err, "line 1")

	p.Source = &fakeDownloader{body: []byte("plain")}
	assert.Error(t, p.Run(context.Background(), testContext(nil)))
}

func TestNDJSONPassesDownloadErrors(t *testing.T) {
	retry := domain.NewRetryable(errors.New("429"), 0)
	p := &NDJSONPipeline{Relation: "labels", Source: &fakeDownloader{err: retry}, Loader: &fakeLoader{}}
	err := p.Run(context.Background(), testContext(nil))
	_, ok := domain.RetryDelay(err)
	assert.True(t, ok)
}
