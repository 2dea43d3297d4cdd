package service

import (
	"context"

	"github.com/timmy/bulkimport/internal/domain"
)

// TrackerSummary is a tracker that did not finish.
type TrackerSummary struct {
	ID       string        `json:"id"`
	Stage    int           `json:"stage"`
	Pipeline string        `json:"pipeline_name"`
	Status   domain.Status `json:"status"`
}

// EntitySummary is the partial-failure view of one entity.
type EntitySummary struct {
	domain.Entity
	Trackers   map[domain.Status]int `json:"trackers"`
	Unfinished []TrackerSummary      `json:"unfinished_trackers,omitempty"`
	Imported   map[string]int        `json:"imported_records"`
	Failures   int                   `json:"failures"`
}

// ImportSummary is the partial-failure view of one import.
type ImportSummary struct {
	domain.Import
	Entities []EntitySummary `json:"entities"`
}

// SummaryService reads import progress for the API.
type SummaryService struct {
	*Deps
}

// NewSummaryService creates a SummaryService.
func NewSummaryService(d *Deps) *SummaryService {
	return &SummaryService{Deps: d}
}

// Summary returns the import with per-entity tracker counts, failed or
// skipped trackers, loaded record counts and failure counts.
func (s *SummaryService) Summary(ctx context.Context, importID string) (*ImportSummary, error) {
	imp, err := s.Imports.GetByID(ctx, importID)
	if err != nil {
		return nil, err
	}
	entities, err := s.Imports.ListEntities(ctx, importID)
	if err != nil {
		return nil, err
	}
	failures, err := s.Deps.Failures.ListByImport(ctx, importID)
	if err != nil {
		return nil, err
	}
	perEntity := make(map[string]int, len(entities))
	for _, f := range failures {
		perEntity[f.EntityID]++
	}

	out := &ImportSummary{Import: *imp, Entities: make([]EntitySummary, 0, len(entities))}
	for _, e := range entities {
		trackers, err := s.Trackers.ListByEntity(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		imported, err := s.Records.CountImported(ctx, e.ID)
		if err != nil {
			return nil, err
		}

		es := EntitySummary{
			Entity:   e,
			Trackers: make(map[domain.Status]int),
			Imported: imported,
			Failures: perEntity[e.ID],
		}
		for _, t := range trackers {
			es.Trackers[t.Status]++
			switch t.Status {
			case domain.StatusFailed, domain.StatusSkipped, domain.StatusTimeout:
				es.Unfinished = append(es.Unfinished, TrackerSummary{ID: t.ID, Stage: t.Stage, Pipeline: t.Pipeline, Status: t.Status})
			}
		}
		out.Entities = append(out.Entities, es)
	}
	return out, nil
}

// ListFailures lists the ledger rows of an import.
func (s *SummaryService) ListFailures(ctx context.Context, importID string) ([]domain.Failure, error) {
	if _, err := s.Imports.GetByID(ctx, importID); err != nil {
		return nil, err
	}
	return s.Deps.Failures.ListByImport(ctx, importID)
}
