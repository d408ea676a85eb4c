package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpipe/docpipe/internal/extract"
	"github.com/docpipe/docpipe/internal/models"
	"github.com/docpipe/docpipe/internal/workflow"
	"github.com/docpipe/docpipe/pkg/logger"
	"github.com/docpipe/docpipe/pkg/ratelimit"
)

type fakeExtractor struct {
	mu     sync.Mutex
	calls  int
	result *extract.Result
	err    error
}

func (f *fakeExtractor) Extract(context.Context, []byte) (*extract.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeExtractor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeAdmitter denies the first `denials` calls, then admits everything.
type fakeAdmitter struct {
	mu      sync.Mutex
	calls   int
	denials int
}

func (f *fakeAdmitter) CheckAndConsume(context.Context, string, models.RateLimitConfig) (*ratelimit.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.denials {
		return &ratelimit.Decision{Allowed: false, RetryAfterMs: 250}, nil
	}
	return &ratelimit.Decision{Allowed: true, Remaining: 1}, nil
}

type pageFixture struct {
	store     *workflow.Store
	storage   *memStorage
	extractor *fakeExtractor
	admitter  *fakeAdmitter
	handler   *PageHandler
}

func newPageFixture(t *testing.T) *pageFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	log := logger.NewTestLogger()
	store := workflow.NewStore(rdb, log)

	f := &pageFixture{
		store:   store,
		storage: newMemStorage(),
		extractor: &fakeExtractor{result: &extract.Result{
			Fields:     json.RawMessage(`{"invoiceNumber":"INV-42"}`),
			ModelName:  "llava:13b",
			Confidence: 0.93,
		}},
		admitter: &fakeAdmitter{},
	}
	f.handler = NewPageHandler(store, f.storage, f.extractor, f.admitter,
		workflow.NewDetector(store, log), "extract",
		models.RateLimitConfig{MaxRequests: 60, Window: models.WindowMinute}, log)
	f.handler.attemptInfo = func(context.Context) (int, int, bool) { return 0, 5, true }
	return f
}

// seedProcessing builds a workflow in the processing state with one pending
// step per page and the page objects in storage.
func (f *pageFixture) seedProcessing(t *testing.T, id string, pages int) []models.PagePayload {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateWorkflow(ctx, &models.Workflow{
		ID:        id,
		Filename:  "report.pdf",
		SourceRef: "workflows/" + id + "/source.pdf",
	}))
	require.NoError(t, f.store.TransitionWorkflow(ctx, id,
		[]models.WorkflowState{models.WorkflowPending}, models.WorkflowSplitting, nil))

	payloads := make([]models.PagePayload, pages)
	for i := 1; i <= pages; i++ {
		key := fmt.Sprintf("workflows/%s/pages/%05d.pdf", id, i)
		ref, err := f.storage.Store(ctx, bytes.NewReader([]byte(fmt.Sprintf("page-%d", i))), key)
		require.NoError(t, err)
		stepID, _, err := f.store.EnsureStep(ctx, id, i, ref)
		require.NoError(t, err)
		payloads[i-1] = models.PagePayload{
			WorkflowID: id,
			StepID:     stepID,
			PageNumber: i,
			PageRef:    ref,
			TotalPages: pages,
		}
	}
	require.NoError(t, f.store.SetTotalSteps(ctx, id, pages))
	require.NoError(t, f.store.TransitionWorkflow(ctx, id,
		[]models.WorkflowState{models.WorkflowSplitting}, models.WorkflowProcessing, nil))
	return payloads
}

func pageTask(t *testing.T, p models.PagePayload) *asynq.Task {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return asynq.NewTask("workflow:process-page", raw)
}

func TestPageSuccessRecordsResultAndCompletesWorkflow(t *testing.T) {
	f := newPageFixture(t)
	ctx := context.Background()
	payloads := f.seedProcessing(t, "wf-page-1", 2)

	require.NoError(t, f.handler.ProcessTask(ctx, pageTask(t, payloads[0])))

	step, err := f.store.GetStep(ctx, payloads[0].StepID)
	require.NoError(t, err)
	assert.Equal(t, models.StepSucceeded, step.State)
	assert.JSONEq(t, `{"invoiceNumber":"INV-42"}`, string(step.Result))
	assert.Equal(t, "llava:13b", step.ModelName)
	assert.InDelta(t, 0.93, step.Confidence, 0.0001)

	// One page still outstanding.
	wf, err := f.store.GetWorkflow(ctx, "wf-page-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowProcessing, wf.State)
	assert.Equal(t, 1, wf.CompletedSteps)

	require.NoError(t, f.handler.ProcessTask(ctx, pageTask(t, payloads[1])))

	wf, err = f.store.GetWorkflow(ctx, "wf-page-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowCompleted, wf.State)
	assert.Equal(t, 2, wf.CompletedSteps)
}

func TestPageRedeliveryOfTerminalStepIsNoop(t *testing.T) {
	f := newPageFixture(t)
	ctx := context.Background()
	payloads := f.seedProcessing(t, "wf-page-2", 2)

	require.NoError(t, f.handler.ProcessTask(ctx, pageTask(t, payloads[0])))
	require.Equal(t, 1, f.extractor.callCount())

	require.NoError(t, f.handler.ProcessTask(ctx, pageTask(t, payloads[0])))
	assert.Equal(t, 1, f.extractor.callCount())
}

func TestPageTerminalExtractionErrorFailsStepOnly(t *testing.T) {
	f := newPageFixture(t)
	ctx := context.Background()
	payloads := f.seedProcessing(t, "wf-page-3", 3)

	require.NoError(t, f.handler.ProcessTask(ctx, pageTask(t, payloads[0])))

	f.extractor.err = &extract.Error{Code: "LLM_BAD_RESPONSE", Message: "model returned prose", Retryable: false}
	require.NoError(t, f.handler.ProcessTask(ctx, pageTask(t, payloads[1])))

	step, err := f.store.GetStep(ctx, payloads[1].StepID)
	require.NoError(t, err)
	assert.Equal(t, models.StepFailed, step.State)
	require.NotNil(t, step.Error)
	assert.Equal(t, models.CodeLLMError, step.Error.Code)
	assert.Contains(t, step.Error.Message, "model returned prose")

	// Siblings keep going; the workflow only settles once all pages are
	// terminal, and then reports the partial failure.
	wf, err := f.store.GetWorkflow(ctx, "wf-page-3")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowProcessing, wf.State)

	f.extractor.err = nil
	require.NoError(t, f.handler.ProcessTask(ctx, pageTask(t, payloads[2])))

	wf, err = f.store.GetWorkflow(ctx, "wf-page-3")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowFailed, wf.State)
	require.NotNil(t, wf.Error)
	assert.Equal(t, models.CodePartialFailure, wf.Error.Code)
	assert.Equal(t, "1 of 3 pages failed to process", wf.Error.Message)
	assert.Equal(t, 3, wf.CompletedSteps)
}

func TestPageRateLimitDenialRetriesWithoutTouchingStep(t *testing.T) {
	f := newPageFixture(t)
	ctx := context.Background()
	payloads := f.seedProcessing(t, "wf-page-4", 1)
	f.admitter.denials = 1

	err := f.handler.ProcessTask(ctx, pageTask(t, payloads[0]))
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 0, f.extractor.callCount())

	step, getErr := f.store.GetStep(ctx, payloads[0].StepID)
	require.NoError(t, getErr)
	assert.Equal(t, models.StepRunning, step.State)

	// The redelivery is admitted and completes normally.
	require.NoError(t, f.handler.ProcessTask(ctx, pageTask(t, payloads[0])))
	step, getErr = f.store.GetStep(ctx, payloads[0].StepID)
	require.NoError(t, getErr)
	assert.Equal(t, models.StepSucceeded, step.State)
}

func TestPageTransientErrorFailsStepOnFinalAttempt(t *testing.T) {
	f := newPageFixture(t)
	ctx := context.Background()
	payloads := f.seedProcessing(t, "wf-page-5", 1)
	f.extractor.err = &extract.Error{Code: "LLM_UNAVAILABLE", Message: "connection refused", Retryable: true}

	// Retries remain: the error goes back to the queue, the step stays open.
	f.handler.attemptInfo = func(context.Context) (int, int, bool) { return 2, 5, true }
	err := f.handler.ProcessTask(ctx, pageTask(t, payloads[0]))
	require.Error(t, err)
	step, getErr := f.store.GetStep(ctx, payloads[0].StepID)
	require.NoError(t, getErr)
	assert.Equal(t, models.StepRunning, step.State)

	// Final attempt: the step is recorded as failed before the job is
	// archived.
	f.handler.attemptInfo = func(context.Context) (int, int, bool) { return 5, 5, true }
	err = f.handler.ProcessTask(ctx, pageTask(t, payloads[0]))
	require.Error(t, err)

	step, getErr = f.store.GetStep(ctx, payloads[0].StepID)
	require.NoError(t, getErr)
	assert.Equal(t, models.StepFailed, step.State)
	require.NotNil(t, step.Error)
	assert.Equal(t, models.CodePageProcessing, step.Error.Code)
	assert.NotEmpty(t, step.Error.Stack)

	wf, getErr := f.store.GetWorkflow(ctx, "wf-page-5")
	require.NoError(t, getErr)
	assert.Equal(t, models.WorkflowFailed, wf.State)
}

func TestPageSkipsWorkOnTerminalWorkflow(t *testing.T) {
	f := newPageFixture(t)
	ctx := context.Background()
	payloads := f.seedProcessing(t, "wf-page-6", 1)

	summary := &models.ErrorSummary{Code: models.CodeCancelled, Message: "cancelled by request"}
	require.NoError(t, f.store.TransitionWorkflow(ctx, "wf-page-6",
		[]models.WorkflowState{models.WorkflowProcessing}, models.WorkflowFailed, summary))

	require.NoError(t, f.handler.ProcessTask(ctx, pageTask(t, payloads[0])))
	assert.Equal(t, 0, f.extractor.callCount())

	step, err := f.store.GetStep(ctx, payloads[0].StepID)
	require.NoError(t, err)
	assert.Equal(t, models.StepPending, step.State)
}

func TestPageUnknownStepSkipsRetry(t *testing.T) {
	f := newPageFixture(t)
	err := f.handler.ProcessTask(context.Background(), pageTask(t, models.PagePayload{
		WorkflowID: "wf-missing",
		StepID:     "step-missing",
		PageNumber: 1,
	}))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestPageMalformedPayloadSkipsRetry(t *testing.T) {
	f := newPageFixture(t)
	err := f.handler.ProcessTask(context.Background(), asynq.NewTask("workflow:process-page", []byte("nope")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
