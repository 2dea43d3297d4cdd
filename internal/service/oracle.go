package service

import (
	"context"

	"github.com/timmy/bulkimport/internal/source"
)

// ExportState is the destination's view of a relation export.
type ExportState string

const (
	ExportEmpty    ExportState = "empty"
	ExportStarted  ExportState = "started"
	ExportFinished ExportState = "finished"
	ExportFailed   ExportState = "failed"
)

// ExportStatus is what the oracle reports for one relation.
type ExportStatus struct {
	State        ExportState
	Error        string
	Batched      bool
	BatchesCount int
	TotalObjects int
}

// StatusSource queries relation export status on the source.
type StatusSource interface {
	ExportStatus(ctx context.Context, conn source.Connection, p source.Portable, relation string) (*source.RelationStatus, error)
}

// ExportStatusOracle answers whether a relation export can be consumed yet.
type ExportStatusOracle struct {
	client StatusSource
}

// NewExportStatusOracle creates an ExportStatusOracle.
func NewExportStatusOracle(client StatusSource) *ExportStatusOracle {
	return &ExportStatusOracle{client: client}
}

// Status returns the state of relation for p.
func (o *ExportStatusOracle) Status(ctx context.Context, conn source.Connection, p source.Portable, relation string) (*ExportStatus, error) {
	st, err := o.client.ExportStatus(ctx, conn, p, relation)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return &ExportStatus{State: ExportEmpty}, nil
	}

	out := &ExportStatus{
		Error:        st.Error,
		Batched:      st.Batched,
		BatchesCount: st.BatchesCount,
		TotalObjects: st.TotalObjectsCount,
	}
	switch st.Status {
	case source.StatusFinished:
		out.State = ExportFinished
	case source.StatusFailed:
		out.State = ExportFailed
	default:
		out.State = ExportStarted
	}
	return out, nil
}
