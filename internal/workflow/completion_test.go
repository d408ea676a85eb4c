package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpipe/docpipe/internal/models"
	"github.com/docpipe/docpipe/pkg/logger"
)

// setupProcessing builds a workflow in state processing with n pending
// steps, the way the split worker leaves it.
func setupProcessing(t *testing.T, store *Store, id string, n int) []string {
	t.Helper()
	ctx := context.Background()
	createWorkflow(t, store, id)

	stepIDs := make([]string, n)
	for i := 0; i < n; i++ {
		stepID, _, err := store.EnsureStep(ctx, id, i+1, "ref")
		require.NoError(t, err)
		stepIDs[i] = stepID
	}
	require.NoError(t, store.SetTotalSteps(ctx, id, n))
	require.NoError(t, store.TransitionWorkflow(ctx, id,
		[]models.WorkflowState{models.WorkflowPending}, models.WorkflowSplitting, nil))
	require.NoError(t, store.TransitionWorkflow(ctx, id,
		[]models.WorkflowState{models.WorkflowSplitting}, models.WorkflowProcessing, nil))
	return stepIDs
}

func succeedStep(t *testing.T, store *Store, stepID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.StartStep(ctx, stepID))
	require.NoError(t, store.CompleteStep(ctx, stepID, json.RawMessage(`{}`), models.StepMetadata{}))
}

func failStep(t *testing.T, store *Store, stepID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.StartStep(ctx, stepID))
	require.NoError(t, store.FailStep(ctx, stepID, models.StepError{
		Code:    models.CodeLLMError,
		Message: "bad output",
	}))
}

func TestCheckCompletionNoOpWhileStepsRemain(t *testing.T) {
	store := newTestStore(t)
	detector := NewDetector(store, logger.NewTestLogger())
	ctx := context.Background()

	stepIDs := setupProcessing(t, store, "w1", 3)
	succeedStep(t, store, stepIDs[0])

	require.NoError(t, detector.CheckCompletion(ctx, "w1"))

	wf, err := store.GetWorkflow(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowProcessing, wf.State)
}

func TestCheckCompletionAllSucceeded(t *testing.T) {
	store := newTestStore(t)
	detector := NewDetector(store, logger.NewTestLogger())
	ctx := context.Background()

	stepIDs := setupProcessing(t, store, "w1", 3)
	for _, id := range stepIDs {
		succeedStep(t, store, id)
	}

	require.NoError(t, detector.CheckCompletion(ctx, "w1"))

	wf, err := store.GetWorkflow(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowCompleted, wf.State)
	assert.Equal(t, 3, wf.CompletedSteps)
	assert.Nil(t, wf.Error)
}

func TestCheckCompletionPartialFailure(t *testing.T) {
	store := newTestStore(t)
	detector := NewDetector(store, logger.NewTestLogger())
	ctx := context.Background()

	// Three pages, page 2 fails terminally, pages 1 and 3 succeed.
	stepIDs := setupProcessing(t, store, "w1", 3)
	succeedStep(t, store, stepIDs[0])
	failStep(t, store, stepIDs[1])
	succeedStep(t, store, stepIDs[2])

	require.NoError(t, detector.CheckCompletion(ctx, "w1"))

	wf, err := store.GetWorkflow(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowFailed, wf.State)
	assert.Equal(t, 3, wf.CompletedSteps)
	require.NotNil(t, wf.Error)
	assert.Equal(t, models.CodePartialFailure, wf.Error.Code)
	assert.Equal(t, "1 of 3 pages failed to process", wf.Error.Message)
}

func TestCheckCompletionBeforeTotalSteps(t *testing.T) {
	store := newTestStore(t)
	detector := NewDetector(store, logger.NewTestLogger())
	ctx := context.Background()

	createWorkflow(t, store, "w1")

	// Splitting has not finished; nothing to detect yet.
	require.NoError(t, detector.CheckCompletion(ctx, "w1"))

	wf, err := store.GetWorkflow(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowPending, wf.State)
}

func TestCheckCompletionIdempotentAfterTerminal(t *testing.T) {
	store := newTestStore(t)
	detector := NewDetector(store, logger.NewTestLogger())
	ctx := context.Background()

	stepIDs := setupProcessing(t, store, "w1", 2)
	for _, id := range stepIDs {
		succeedStep(t, store, id)
	}

	require.NoError(t, detector.CheckCompletion(ctx, "w1"))
	require.NoError(t, detector.CheckCompletion(ctx, "w1"))

	wf, err := store.GetWorkflow(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowCompleted, wf.State)
}

func TestCheckCompletionConcurrentInvocations(t *testing.T) {
	store := newTestStore(t)
	detector := NewDetector(store, logger.NewTestLogger())
	ctx := context.Background()

	stepIDs := setupProcessing(t, store, "w1", 4)
	for _, id := range stepIDs {
		succeedStep(t, store, id)
	}

	// Several page workers finishing near-simultaneously all observe a
	// full count; the guarded transition leaves exactly one winner.
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = detector.CheckCompletion(ctx, "w1")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}

	wf, err := store.GetWorkflow(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowCompleted, wf.State)
	assert.Equal(t, 4, wf.CompletedSteps)
}
