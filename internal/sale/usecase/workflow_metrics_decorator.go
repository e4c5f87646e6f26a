package usecase

import (
	"context"
	"time"

	"github.com/openmint/mintwatch/internal/metrics"
	"github.com/openmint/mintwatch/internal/sale/domain"
)

// workflowWithMetrics decorates Workflow with metrics instrumentation.
type workflowWithMetrics struct {
	next    Workflow
	metrics metrics.BusinessMetrics
}

// NewWorkflowWithMetrics wraps a Workflow with metrics recording.
func NewWorkflowWithMetrics(workflow Workflow, m metrics.BusinessMetrics) Workflow {
	return &workflowWithMetrics{
		next:    workflow,
		metrics: m,
	}
}

// Process records metrics for one pipeline run.
func (w *workflowWithMetrics) Process(ctx context.Context, sale *domain.Sale) error {
	start := time.Now()
	err := w.next.Process(ctx, sale)

	status := "success"
	if err != nil {
		status = "error"
	}

	w.metrics.RecordOperation(ctx, "workflow", "sale_process", status)
	w.metrics.RecordDuration(ctx, "workflow", "sale_process", time.Since(start), status)

	return err
}
