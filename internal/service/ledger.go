package service

import (
	"context"

	"github.com/timmy/bulkimport/internal/domain"
	"github.com/timmy/bulkimport/internal/logger"
	"github.com/timmy/bulkimport/internal/metrics"
	"github.com/timmy/bulkimport/internal/repository"
)

// FailureLedger appends failure rows for operators. Control flow never reads it.
type FailureLedger struct {
	repo *repository.FailureRepository
}

// NewFailureLedger creates a FailureLedger.
func NewFailureLedger(repo *repository.FailureRepository) *FailureLedger {
	return &FailureLedger{repo: repo}
}

// Record appends a failure of pipeline at step for the entity. The
// correlation id is taken from the context logger. A failure to write the
// row is logged and swallowed so it never changes the caller's outcome.
func (l *FailureLedger) Record(ctx context.Context, entityID, pipeline, step string, cause error) {
	class := domain.ExceptionClass(cause)
	f := &domain.Failure{
		EntityID:         entityID,
		Pipeline:         pipeline,
		PipelineStep:     step,
		ExceptionClass:   class,
		ExceptionMessage: domain.TruncateMessage(cause.Error(), domain.MaxMessageBytes),
		CorrelationID:    logger.GetCorrelationID(ctx),
	}

	logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldEntityID: entityID,
		logger.FieldPipeline: pipeline,
		"pipeline_step":      step,
		"exception_class":    class,
	}).WithError(cause).Error("pipeline failure")

	if err := l.repo.Create(ctx, f); err != nil {
		logger.CtxError(ctx, "failed to record failure of %s: %v", pipeline, err)
		return
	}
	metrics.FailuresRecorded.WithLabelValues(class).Inc()
}
