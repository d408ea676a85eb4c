package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/docpipe/docpipe/internal/models"
	"github.com/docpipe/docpipe/pkg/logger"
)

// Detector decides when a workflow is done. It runs after every terminal
// step transition, possibly from several page workers at once; the guarded
// workflow transition ensures exactly one invocation performs the terminal
// move while the rest see ErrConflict and back off.
type Detector struct {
	store  *Store
	logger logger.Logger
}

func NewDetector(store *Store, log logger.Logger) *Detector {
	return &Detector{store: store, logger: log}
}

// CheckCompletion counts terminal steps and, when all pages have finished,
// moves the workflow to completed or failed. Anything short of a full
// count is a no-op.
func (d *Detector) CheckCompletion(ctx context.Context, workflowID string) error {
	wf, err := d.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.State.Terminal() {
		return nil
	}
	// totalSteps is only set once splitting finished; until then there is
	// nothing to detect.
	if wf.TotalSteps == 0 {
		return nil
	}

	steps, err := d.store.ListSteps(ctx, workflowID)
	if err != nil {
		return err
	}

	completed := 0
	failed := 0
	for _, step := range steps {
		if step.State.Terminal() {
			completed++
		}
		if step.State == models.StepFailed {
			failed++
		}
	}

	// Progress is visible to pollers after every terminal step, not just
	// the last one. The monotonic write keeps stale invocations from
	// rolling the counter back.
	if err := d.store.SetCompletedSteps(ctx, workflowID, completed); err != nil {
		return err
	}

	if completed < wf.TotalSteps {
		return nil
	}

	if failed > 0 {
		summary := &models.ErrorSummary{
			Code:    models.CodePartialFailure,
			Message: fmt.Sprintf("%d of %d pages failed to process", failed, wf.TotalSteps),
		}
		// splitting is accepted too: a fast page can finish before the
		// split worker flips the workflow to processing.
		err := d.store.TransitionWorkflow(ctx, workflowID,
			[]models.WorkflowState{models.WorkflowSplitting, models.WorkflowProcessing},
			models.WorkflowFailed, summary)
		if errors.Is(err, ErrConflict) {
			// Another invocation already finished the workflow.
			return nil
		}
		if err != nil {
			return err
		}
		d.logger.Info("Workflow failed with partial results",
			logger.String("workflowId", workflowID),
			logger.Int("failedSteps", failed),
			logger.Int("totalSteps", wf.TotalSteps),
		)
		return nil
	}

	err = d.store.TransitionWorkflow(ctx, workflowID,
		[]models.WorkflowState{models.WorkflowSplitting, models.WorkflowProcessing},
		models.WorkflowAggregating, nil)
	if err != nil && !errors.Is(err, ErrConflict) {
		return err
	}

	// Always attempt the final move so a workflow left in aggregating by a
	// crashed invocation still converges.
	err = d.store.TransitionWorkflow(ctx, workflowID,
		[]models.WorkflowState{models.WorkflowAggregating}, models.WorkflowCompleted, nil)
	if errors.Is(err, ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	d.logger.Info("Workflow completed",
		logger.String("workflowId", workflowID),
		logger.Int("totalSteps", wf.TotalSteps),
	)
	return nil
}
