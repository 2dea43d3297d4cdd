package pipeline

import (
	"context"
	"fmt"

	"github.com/timmy/bulkimport/internal/logger"
)

// EntityFinisher is the last stage of every entity. It reports what was
// loaded for the entity.
type EntityFinisher struct {
	Loader Loader
}

// Run implements Pipeline.
func (f *EntityFinisher) Run(ctx context.Context, pc *Context) error {
	counts, err := f.Loader.CountImported(ctx, pc.Entity.ID)
	if err != nil {
		return fmt.Errorf("summarize entity: %w", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	logger.With(logger.Fields{
		logger.FieldEntityID: pc.Entity.ID,
		"relations":          counts,
	}).WithCount(total).Info(ctx, "entity %s imported into %s", pc.Entity.SourceFullPath, pc.Entity.DestinationPath)
	return nil
}
