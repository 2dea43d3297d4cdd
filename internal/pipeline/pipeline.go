// Package pipeline holds the static registry of import pipelines and the
// stage layout used to materialize trackers for an entity.
package pipeline

import (
	"context"

	"github.com/timmy/bulkimport/internal/domain"
	"github.com/timmy/bulkimport/internal/source"
)

// Context is what a pipeline body sees of the unit of work it runs for.
type Context struct {
	Import  *domain.Import
	Entity  *domain.Entity
	Tracker *domain.Tracker
	// Batch is nil unless the pipeline runs one batch of a batched tracker.
	Batch *domain.Batch
}

// Portable names the entity on the source installation.
func (c *Context) Portable() source.Portable {
	return source.Portable{Type: c.Entity.SourceType, FullPath: c.Entity.SourceFullPath}
}

// Connection returns the source installation of the import.
func (c *Context) Connection() source.Connection {
	return source.Connection{URL: c.Import.SourceURL, Token: c.Import.SourceToken}
}

// BatchNumber returns the batch being run, or 0.
func (c *Context) BatchNumber() int {
	if c.Batch == nil {
		return 0
	}
	return c.Batch.BatchNumber
}

// Pipeline is a compiled-in import step. A *domain.RetryableError asks the
// runner to try again later; any other error fails the tracker or batch.
type Pipeline interface {
	Run(ctx context.Context, pc *Context) error
}

// Finisher is implemented by pipelines that need a hook once every batch of
// a batched tracker is terminal.
type Finisher interface {
	OnFinish(ctx context.Context, pc *Context) error
}

// Func adapts a function to Pipeline.
type Func func(ctx context.Context, pc *Context) error

// Run implements Pipeline.
func (f Func) Run(ctx context.Context, pc *Context) error {
	return f(ctx, pc)
}

// Definition binds a pipeline name to its implementation and scheduling traits.
type Definition struct {
	Name string
	// Relation is the source export consumed by the pipeline, empty when
	// the pipeline needs no export.
	Relation string
	// FileExtraction pipelines are subject to the extraction timeout.
	FileExtraction bool
	Batchable      bool
	// AbortOnFailure fails the whole entity when the pipeline fails.
	AbortOnFailure bool
	Pipeline       Pipeline
}
