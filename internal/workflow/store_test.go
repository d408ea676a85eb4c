package workflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpipe/docpipe/internal/models"
	"github.com/docpipe/docpipe/pkg/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewStore(rdb, logger.NewTestLogger())
}

func createWorkflow(t *testing.T, store *Store, id string) *models.Workflow {
	t.Helper()
	wf := &models.Workflow{
		ID:        id,
		Filename:  "report.pdf",
		SourceRef: "workflows/" + id + "/source.pdf",
	}
	require.NoError(t, store.CreateWorkflow(context.Background(), wf))
	return wf
}

func TestCreateAndGetWorkflow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createWorkflow(t, store, "w1")

	wf, err := store.GetWorkflow(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "w1", wf.ID)
	assert.Equal(t, models.WorkflowPending, wf.State)
	assert.Equal(t, "report.pdf", wf.Filename)
	assert.Equal(t, 0, wf.TotalSteps)
	assert.Equal(t, 0, wf.CompletedSteps)
	assert.Nil(t, wf.Error)
	assert.False(t, wf.CreatedAt.IsZero())
}

func TestGetWorkflowNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetWorkflow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestTransitionWorkflowGuard(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createWorkflow(t, store, "w1")

	err := store.TransitionWorkflow(ctx, "w1",
		[]models.WorkflowState{models.WorkflowPending}, models.WorkflowSplitting, nil)
	require.NoError(t, err)

	// Same transition again must miss the guard.
	err = store.TransitionWorkflow(ctx, "w1",
		[]models.WorkflowState{models.WorkflowPending}, models.WorkflowSplitting, nil)
	assert.ErrorIs(t, err, ErrConflict)

	wf, err := store.GetWorkflow(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowSplitting, wf.State)
}

func TestTransitionWorkflowNotFound(t *testing.T) {
	store := newTestStore(t)

	err := store.TransitionWorkflow(context.Background(), "missing",
		[]models.WorkflowState{models.WorkflowPending}, models.WorkflowSplitting, nil)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestTransitionWorkflowRecordsErrorSummary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createWorkflow(t, store, "w1")

	summary := &models.ErrorSummary{Code: models.CodeSplitError, Message: "boom"}
	err := store.TransitionWorkflow(ctx, "w1",
		[]models.WorkflowState{models.WorkflowPending, models.WorkflowSplitting},
		models.WorkflowFailed, summary)
	require.NoError(t, err)

	wf, err := store.GetWorkflow(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowFailed, wf.State)
	require.NotNil(t, wf.Error)
	assert.Equal(t, models.CodeSplitError, wf.Error.Code)
	assert.Equal(t, "boom", wf.Error.Message)
}

func TestEnsureStepIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createWorkflow(t, store, "w1")

	id1, created, err := store.EnsureStep(ctx, "w1", 1, "pages/00001.pdf")
	require.NoError(t, err)
	assert.True(t, created)

	// Re-running the registration for the same ordinal returns the same id.
	id2, created, err := store.EnsureStep(ctx, "w1", 1, "pages/00001.pdf")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id1, id2)

	steps, err := store.ListSteps(ctx, "w1")
	require.NoError(t, err)
	assert.Len(t, steps, 1)
	assert.Equal(t, models.StepPending, steps[0].State)
	assert.Equal(t, 1, steps[0].PageNumber)
}

func TestListStepsOrderedByPage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createWorkflow(t, store, "w1")

	for _, page := range []int{3, 1, 2} {
		_, _, err := store.EnsureStep(ctx, "w1", page, "ref")
		require.NoError(t, err)
	}

	steps, err := store.ListSteps(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, step := range steps {
		assert.Equal(t, i+1, step.PageNumber)
	}
}

func TestStepLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createWorkflow(t, store, "w1")

	id, _, err := store.EnsureStep(ctx, "w1", 1, "ref")
	require.NoError(t, err)

	require.NoError(t, store.StartStep(ctx, id))

	// Redelivery after a crashed attempt may start a running step again.
	require.NoError(t, store.StartStep(ctx, id))

	result := json.RawMessage(`{"total":42}`)
	meta := models.StepMetadata{ProcessingTimeMs: 120, ModelName: "llama3.2-vision", Confidence: 0.93}
	require.NoError(t, store.CompleteStep(ctx, id, result, meta))

	step, err := store.GetStep(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StepSucceeded, step.State)
	assert.JSONEq(t, `{"total":42}`, string(step.Result))
	assert.Equal(t, int64(120), step.ProcessingTimeMs)
	assert.Equal(t, "llama3.2-vision", step.ModelName)
	assert.InDelta(t, 0.93, step.Confidence, 1e-9)

	// Terminal steps never move again.
	assert.ErrorIs(t, store.StartStep(ctx, id), ErrConflict)
	assert.ErrorIs(t, store.FailStep(ctx, id, models.StepError{Code: models.CodeLLMError}), ErrConflict)
}

func TestFailStepRecordsError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createWorkflow(t, store, "w1")

	id, _, err := store.EnsureStep(ctx, "w1", 1, "ref")
	require.NoError(t, err)
	require.NoError(t, store.StartStep(ctx, id))

	stepErr := models.StepError{Code: models.CodeLLMError, Message: "unparseable output", Stack: "trace"}
	require.NoError(t, store.FailStep(ctx, id, stepErr))

	step, err := store.GetStep(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StepFailed, step.State)
	require.NotNil(t, step.Error)
	assert.Equal(t, models.CodeLLMError, step.Error.Code)
	assert.Equal(t, "unparseable output", step.Error.Message)
	assert.Equal(t, "trace", step.Error.Stack)
}

func TestCompletedStepsMonotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createWorkflow(t, store, "w1")

	require.NoError(t, store.SetCompletedSteps(ctx, "w1", 3))
	require.NoError(t, store.SetCompletedSteps(ctx, "w1", 1))

	wf, err := store.GetWorkflow(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 3, wf.CompletedSteps)
}

func TestSetDocumentMeta(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createWorkflow(t, store, "w1")

	meta := models.DocumentMeta{Title: "Q3 Report", Author: "finance", Pages: 12, FileSize: 4096, Hash: "abc123"}
	require.NoError(t, store.SetDocumentMeta(ctx, "w1", meta))

	wf, err := store.GetWorkflow(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, meta, wf.Meta)
}
