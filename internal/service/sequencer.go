package service

import (
	"context"
	"errors"
	"strconv"

	"github.com/timmy/bulkimport/internal/domain"
	"github.com/timmy/bulkimport/internal/lease"
	"github.com/timmy/bulkimport/internal/logger"
	"github.com/timmy/bulkimport/internal/queue"
)

// StageSequencer moves an entity to its next stage once the current one
// has no tracker in flight.
type StageSequencer struct {
	*Deps
	aggregator *ImportAggregator
}

// NewStageSequencer creates a StageSequencer.
func NewStageSequencer(d *Deps, aggregator *ImportAggregator) *StageSequencer {
	return &StageSequencer{Deps: d, aggregator: aggregator}
}

// Perform implements queue.Handler.
func (s *StageSequencer) Perform(ctx context.Context, job queue.Job) error {
	stage, err := strconv.Atoi(job.Args.String("stage"))
	if err != nil {
		stage = noStage
	}
	return s.Advance(ctx, job.Args.String("entity_id"), stage)
}

// Advance enqueues the created trackers of the entity's lowest pending
// stage, or finishes the entity when no stage is left. Concurrent calls for
// one entity are serialized on a lease; a call that cannot take it tries
// again shortly instead of being lost.
func (s *StageSequencer) Advance(ctx context.Context, entityID string, completedStage int) error {
	ctx = logger.WithFields(ctx, logger.Fields{logger.FieldEntityID: entityID, logger.FieldStage: completedStage})

	acquired, err := lease.Do(ctx, s.Leases, "bulk_imports.entity:"+entityID, s.Config.Lease.TTL, func(ctx context.Context) error {
		return s.advance(ctx, entityID)
	})
	if err != nil {
		return err
	}
	if !acquired {
		enqueue(ctx, s.Queue, s.Config.BulkImport.SequencerRetryDelay, sequencerJob(entityID, completedStage))
	}
	return nil
}

func (s *StageSequencer) advance(ctx context.Context, entityID string) error {
	entity, err := s.Imports.GetEntity(ctx, entityID)
	if err != nil {
		return err
	}
	switch entity.Status {
	case domain.StatusStarted, domain.StatusFailed:
	default:
		logger.CtxDebug(ctx, "entity is %s, nothing to sequence", entity.Status)
		return nil
	}

	inFlight, err := s.Trackers.CountInProgress(ctx, entityID)
	if err != nil {
		return err
	}
	if inFlight > 0 {
		return nil
	}

	stage, ok, err := s.Trackers.NextCreatedStage(ctx, entityID)
	if err != nil {
		return err
	}
	if !ok {
		return s.complete(ctx, entity)
	}

	trackers, err := s.Trackers.ListCreatedAtStage(ctx, entityID, stage)
	if err != nil {
		return err
	}
	dispatched := 0
	for _, t := range trackers {
		if err := s.Trackers.Enqueue(ctx, t.ID); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				continue
			}
			return err
		}
		enqueue(ctx, s.Queue, 0, pipelineJob(t.ID, t.Stage, t.EntityID))
		dispatched++
	}
	logger.With(logger.Fields{logger.FieldStage: stage}).WithCount(dispatched).Info(ctx, "stage dispatched")
	return nil
}

func (s *StageSequencer) complete(ctx context.Context, entity *domain.Entity) error {
	if entity.Status == domain.StatusStarted {
		if err := s.Imports.TransitionEntity(ctx, entity.ID, domain.EventFinish); err != nil {
			if !errors.Is(err, domain.ErrInvalidTransition) {
				return err
			}
		} else {
			logger.CtxInfo(ctx, "entity finished")
		}
	}
	return s.aggregator.Refresh(ctx, entity.ImportID)
}

// ImportAggregator derives an import's status from its entities.
type ImportAggregator struct {
	*Deps
}

// NewImportAggregator creates an ImportAggregator.
func NewImportAggregator(d *Deps) *ImportAggregator {
	return &ImportAggregator{Deps: d}
}

// Refresh finishes the import once every entity is terminal, or fails it
// when every entity failed.
func (a *ImportAggregator) Refresh(ctx context.Context, importID string) error {
	entities, err := a.Imports.ListEntities(ctx, importID)
	if err != nil {
		return err
	}
	failed := 0
	for _, e := range entities {
		if !e.Status.IsTerminal() {
			return nil
		}
		if e.Status == domain.StatusFailed {
			failed++
		}
	}

	ev := domain.EventFinish
	if len(entities) > 0 && failed == len(entities) {
		ev = domain.EventFail
	}
	if err := a.Imports.Transition(ctx, importID, ev); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	logger.With(logger.Fields{logger.FieldImportID: importID, logger.FieldStatus: string(ev)}).
		WithCount(len(entities)).Info(ctx, "import completed")
	return nil
}
