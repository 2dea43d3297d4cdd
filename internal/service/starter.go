package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/timmy/bulkimport/internal/domain"
	"github.com/timmy/bulkimport/internal/logger"
	"github.com/timmy/bulkimport/internal/queue"
	"github.com/timmy/bulkimport/internal/source"
)

// ErrInvalidRequest wraps validation failures of a new import.
var ErrInvalidRequest = errors.New("invalid import request")

// EntityRequest is one group or project to migrate.
type EntityRequest struct {
	SourceType      domain.SourceType `json:"source_type" binding:"required"`
	SourceFullPath  string            `json:"source_full_path" binding:"required"`
	DestinationPath string            `json:"destination_path" binding:"required"`
}

// CreateImportRequest describes a new import.
type CreateImportRequest struct {
	SourceURL   string          `json:"source_url" binding:"required"`
	SourceToken string          `json:"source_token" binding:"required"`
	Entities    []EntityRequest `json:"entities" binding:"required,min=1,dive"`
}

// Validate checks the request beyond its binding tags.
func (r *CreateImportRequest) Validate() error {
	u, err := url.Parse(r.SourceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: source_url must be an http(s) URL", ErrInvalidRequest)
	}
	if len(r.Entities) == 0 {
		return fmt.Errorf("%w: at least one entity is required", ErrInvalidRequest)
	}
	seen := make(map[string]bool)
	for _, e := range r.Entities {
		if !e.SourceType.Valid() {
			return fmt.Errorf("%w: unknown source_type %q", ErrInvalidRequest, e.SourceType)
		}
		if strings.TrimSpace(e.SourceFullPath) == "" || strings.TrimSpace(e.DestinationPath) == "" {
			return fmt.Errorf("%w: source_full_path and destination_path are required", ErrInvalidRequest)
		}
		key := string(e.SourceType) + ":" + e.DestinationPath
		if seen[key] {
			return fmt.Errorf("%w: duplicate destination %s", ErrInvalidRequest, e.DestinationPath)
		}
		seen[key] = true
	}
	return nil
}

// ImportStarter creates imports and kicks off their entities.
type ImportStarter struct {
	*Deps
	ledger *FailureLedger
}

// NewImportStarter creates an ImportStarter.
func NewImportStarter(d *Deps, ledger *FailureLedger) *ImportStarter {
	return &ImportStarter{Deps: d, ledger: ledger}
}

// CreateImport stores the import with all of its entities and schedules its start.
func (s *ImportStarter) CreateImport(ctx context.Context, req *CreateImportRequest) (*domain.Import, []*domain.Entity, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	imp := &domain.Import{
		SourceURL:   strings.TrimSuffix(req.SourceURL, "/"),
		SourceToken: req.SourceToken,
	}
	entities := make([]*domain.Entity, 0, len(req.Entities))
	for _, e := range req.Entities {
		entities = append(entities, &domain.Entity{
			SourceType:      e.SourceType,
			SourceFullPath:  e.SourceFullPath,
			DestinationPath: e.DestinationPath,
		})
	}
	if err := s.Imports.CreateWithEntities(ctx, imp, entities); err != nil {
		return nil, nil, err
	}

	ctx = logger.WithField(ctx, logger.FieldImportID, imp.ID)
	if err := s.Queue.EnqueueNow(ctx, importStartJob(imp.ID)); err != nil {
		return nil, nil, fmt.Errorf("failed to schedule import %s: %w", imp.ID, err)
	}
	logger.With(logger.Fields{}).WithCount(len(entities)).Info(ctx, "import created")
	return imp, entities, nil
}

// Perform implements queue.Handler for the start job.
func (s *ImportStarter) Perform(ctx context.Context, job queue.Job) error {
	return s.Start(ctx, job.Args.String("import_id"))
}

// Start marks the import started, materializes every entity's trackers,
// requests the source exports and runs the first sequencing pass. Running
// it again only picks up entities that have not started.
func (s *ImportStarter) Start(ctx context.Context, importID string) error {
	ctx = logger.WithField(ctx, logger.FieldImportID, importID)

	if err := s.Imports.Transition(ctx, importID, domain.EventStart); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		return err
	}

	entities, err := s.Imports.ListEntities(ctx, importID)
	if err != nil {
		return err
	}
	for i := range entities {
		e := &entities[i]
		if e.Status != domain.StatusCreated {
			continue
		}
		if err := s.Trackers.CreateAll(ctx, s.Pipelines.Trackers(e)); err != nil {
			return fmt.Errorf("materialize trackers of %s: %w", e.ID, err)
		}
		if err := s.Imports.TransitionEntity(ctx, e.ID, domain.EventStart); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				continue
			}
			return err
		}
		enqueue(ctx, s.Queue, 0, exportRequestJob(e.ID))
		enqueueUnique(ctx, s.Queue, sequencerJob(e.ID, noStage))
	}
	return nil
}

// ExportRequestHandler asks the source to export an entity. It relies on
// queue-native retry; the last failed attempt fails the entity.
type ExportRequestHandler struct {
	*Deps
	ledger *FailureLedger
}

// NewExportRequestHandler creates an ExportRequestHandler.
func NewExportRequestHandler(d *Deps, ledger *FailureLedger) *ExportRequestHandler {
	return &ExportRequestHandler{Deps: d, ledger: ledger}
}

// Perform implements queue.Handler.
func (h *ExportRequestHandler) Perform(ctx context.Context, job queue.Job) error {
	entityID := job.Args.String("entity_id")
	ctx = logger.WithField(ctx, logger.FieldEntityID, entityID)

	entity, err := h.Imports.GetEntity(ctx, entityID)
	if err != nil {
		return err
	}
	if entity.Status.IsTerminal() {
		return nil
	}
	imp, err := h.Imports.GetByID(ctx, entity.ImportID)
	if err != nil {
		return err
	}

	err = h.Source.StartExport(ctx,
		source.Connection{URL: imp.SourceURL, Token: imp.SourceToken},
		source.Portable{Type: entity.SourceType, FullPath: entity.SourceFullPath},
		true)
	if err == nil {
		logger.CtxInfo(ctx, "export requested for %s", entity.SourceFullPath)
		return nil
	}

	if job.FinalAttempt() {
		h.ledger.Record(ctx, entity.ID, "export_request", "request", err)
		if ferr := h.Imports.TransitionEntity(ctx, entity.ID, domain.EventFail); ferr != nil {
			logger.CtxWarn(ctx, "fail entity: %v", ferr)
		}
		enqueueUnique(ctx, h.Queue, sequencerJob(entity.ID, noStage))
	}
	return err
}
