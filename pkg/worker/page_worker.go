package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/hibiken/asynq"

	"github.com/docpipe/docpipe/internal/extract"
	"github.com/docpipe/docpipe/internal/models"
	"github.com/docpipe/docpipe/internal/workflow"
	"github.com/docpipe/docpipe/pkg/logger"
	"github.com/docpipe/docpipe/pkg/ratelimit"
	"github.com/docpipe/docpipe/pkg/storage"
)

// ErrRateLimited signals an admission denial. It is always retryable and
// never recorded on the step, even when queue attempts run out.
var ErrRateLimited = errors.New("extraction rate limit exceeded")

// Admitter is the limiter surface the page worker needs.
type Admitter interface {
	CheckAndConsume(ctx context.Context, resourceKey string, cfg models.RateLimitConfig) (*ratelimit.Decision, error)
}

// PageHandler consumes process-page jobs: idempotency check, rate-limited
// extraction call, result or per-page error recording, then completion
// detection. Page failures stay local; sibling pages keep going.
type PageHandler struct {
	store       *workflow.Store
	storage     storage.Storage
	extractor   extract.Extractor
	limiter     Admitter
	detector    *workflow.Detector
	resourceKey string
	limitCfg    models.RateLimitConfig
	logger      logger.Logger

	attemptInfo func(ctx context.Context) (retried, maxRetry int, ok bool)
}

func NewPageHandler(
	store *workflow.Store,
	store2 storage.Storage,
	extractor extract.Extractor,
	limiter Admitter,
	detector *workflow.Detector,
	resourceKey string,
	limitCfg models.RateLimitConfig,
	log logger.Logger,
) *PageHandler {
	return &PageHandler{
		store:       store,
		storage:     store2,
		extractor:   extractor,
		limiter:     limiter,
		detector:    detector,
		resourceKey: resourceKey,
		limitCfg:    limitCfg,
		logger:      log,
		attemptInfo: asynqAttemptInfo,
	}
}

func (h *PageHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p models.PagePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("invalid page payload: %v: %w", err, asynq.SkipRetry)
	}

	log := h.logger.With(
		logger.String("workflowId", p.WorkflowID),
		logger.String("stepId", p.StepID),
		logger.Int("pageNumber", p.PageNumber),
	)

	step, err := h.store.GetStep(ctx, p.StepID)
	if errors.Is(err, workflow.ErrStepNotFound) {
		return fmt.Errorf("step %s not found: %w", p.StepID, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}

	// Primary defense against at-least-once redelivery: a terminal step
	// never runs the extraction again.
	if step.State.Terminal() {
		log.Info("Step already terminal, skipped", logger.String("state", string(step.State)))
		return nil
	}

	wf, err := h.store.GetWorkflow(ctx, p.WorkflowID)
	if err != nil {
		return err
	}
	if wf.State.Terminal() {
		// Cancelled or already failed workflow; no new page work starts.
		log.Info("Workflow terminal, skipping page", logger.String("state", string(wf.State)))
		return nil
	}

	if err := h.store.StartStep(ctx, p.StepID); err != nil {
		if errors.Is(err, workflow.ErrConflict) {
			return nil
		}
		return err
	}

	err = h.processPage(ctx, log, p)
	if err == nil {
		return h.checkCompletion(ctx, log, p.WorkflowID)
	}

	// Rate-limit denials retry forever at the queue's cadence without ever
	// touching step state.
	if errors.Is(err, ErrRateLimited) {
		return err
	}

	if extract.IsTerminal(err) {
		// Terminal extraction failure: record it, let siblings continue.
		failErr := h.store.FailStep(ctx, p.StepID, models.StepError{
			Code:    models.CodeLLMError,
			Message: err.Error(),
		})
		if failErr != nil && !errors.Is(failErr, workflow.ErrConflict) {
			return failErr
		}
		log.Warn("Page failed extraction", logger.Error(err))
		return h.checkCompletion(ctx, log, p.WorkflowID)
	}

	// Transient failure: the queue retries with backoff. On the final
	// attempt the step must be recorded as failed before the job is
	// archived.
	if retried, maxRetry, ok := h.attemptInfo(ctx); !ok || retried >= maxRetry {
		failErr := h.store.FailStep(ctx, p.StepID, models.StepError{
			Code:    models.CodePageProcessing,
			Message: err.Error(),
			Stack:   string(debug.Stack()),
		})
		if failErr != nil && !errors.Is(failErr, workflow.ErrConflict) {
			log.Error("Failed to record step failure", logger.Error(failErr))
		}
		if detErr := h.checkCompletion(ctx, log, p.WorkflowID); detErr != nil {
			log.Error("Completion check failed", logger.Error(detErr))
		}
	}
	return err
}

func (h *PageHandler) processPage(ctx context.Context, log logger.Logger, p models.PagePayload) error {
	reader, err := h.storage.Get(ctx, p.PageRef)
	if err != nil {
		return fmt.Errorf("failed to fetch page bytes: %w", err)
	}
	defer reader.Close()

	pageBytes, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("failed to read page bytes: %w", err)
	}

	decision, err := h.limiter.CheckAndConsume(ctx, h.resourceKey, h.limitCfg)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		log.Info("Rate limit denied, retrying later",
			logger.Int64("retryAfterMs", decision.RetryAfterMs),
			logger.Int("currentCount", decision.CurrentCount),
		)
		return fmt.Errorf("%w: retry after %dms", ErrRateLimited, decision.RetryAfterMs)
	}

	start := time.Now()
	result, err := h.extractor.Extract(ctx, pageBytes)
	if err != nil {
		return err
	}

	meta := models.StepMetadata{
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		ModelName:        result.ModelName,
		Confidence:       result.Confidence,
	}
	if err := h.store.CompleteStep(ctx, p.StepID, result.Fields, meta); err != nil {
		if errors.Is(err, workflow.ErrConflict) {
			return nil
		}
		return err
	}

	log.Info("Page processed",
		logger.Int64("processingTimeMs", meta.ProcessingTimeMs),
		logger.String("model", meta.ModelName),
		logger.Float64("confidence", meta.Confidence),
	)
	return nil
}

func (h *PageHandler) checkCompletion(ctx context.Context, log logger.Logger, workflowID string) error {
	if err := h.detector.CheckCompletion(ctx, workflowID); err != nil {
		return fmt.Errorf("completion check failed: %w", err)
	}
	return nil
}
