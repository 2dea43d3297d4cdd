package service

import (
	"context"

	"github.com/timmy/bulkimport/internal/domain"
	"github.com/timmy/bulkimport/internal/logger"
	"github.com/timmy/bulkimport/internal/metrics"
	"github.com/timmy/bulkimport/internal/queue"
)

// ReapStats counts what one reaper pass timed out.
type ReapStats struct {
	Imports  int
	Entities int
	Trackers int64
}

// StaleReaper times out imports and entities that stopped making progress.
type StaleReaper struct {
	*Deps
}

// NewStaleReaper creates a StaleReaper.
func NewStaleReaper(d *Deps) *StaleReaper {
	return &StaleReaper{Deps: d}
}

// Perform implements queue.Handler.
func (r *StaleReaper) Perform(ctx context.Context, _ queue.Job) error {
	_, err := r.Reap(ctx)
	return err
}

// Reap walks stale imports and entities page by page. Every stale entity
// also has its non-terminal trackers and batches timed out.
func (r *StaleReaper) Reap(ctx context.Context) (*ReapStats, error) {
	ctx = logger.SetComponent(ctx, "stale_reaper")
	cutoff := r.now().Add(-r.Config.Reaper.StaleAfter)
	pageSize := r.Config.Reaper.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	stats := &ReapStats{}

	after := ""
	for {
		page, err := r.Imports.ListStale(ctx, cutoff, after, pageSize)
		if err != nil {
			return stats, err
		}
		for _, imp := range page {
			after = imp.ID
			if err := r.Imports.Transition(ctx, imp.ID, domain.EventCleanupStale); err != nil {
				if settled(err) == nil {
					continue
				}
				return stats, err
			}
			stats.Imports++
			logger.With(logger.Fields{logger.FieldImportID: imp.ID, logger.FieldStatus: string(imp.Status)}).
				Warn(ctx, "stale import timed out")
		}
		if len(page) < pageSize {
			break
		}
	}

	after = ""
	for {
		page, err := r.Imports.ListStaleEntities(ctx, cutoff, after, pageSize)
		if err != nil {
			return stats, err
		}
		for _, e := range page {
			after = e.ID
			if err := r.Imports.TransitionEntity(ctx, e.ID, domain.EventCleanupStale); err != nil {
				if settled(err) == nil {
					continue
				}
				return stats, err
			}
			stats.Entities++
			n, err := r.Trackers.TimeoutByEntity(ctx, e.ID)
			if err != nil {
				return stats, err
			}
			stats.Trackers += n
			logger.With(logger.Fields{logger.FieldEntityID: e.ID, logger.FieldImportID: e.ImportID}).
				WithCount(int(n)).Warn(ctx, "stale entity timed out")
		}
		if len(page) < pageSize {
			break
		}
	}

	metrics.StaleReaped.WithLabelValues("import").Add(float64(stats.Imports))
	metrics.StaleReaped.WithLabelValues("entity").Add(float64(stats.Entities))
	metrics.StaleReaped.WithLabelValues("tracker").Add(float64(stats.Trackers))
	if stats.Imports+stats.Entities > 0 {
		logger.CtxInfo(ctx, "reaped %d imports, %d entities, %d trackers", stats.Imports, stats.Entities, stats.Trackers)
	}
	return stats, nil
}
