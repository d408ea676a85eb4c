package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/docpipe/docpipe/internal/models"
	"github.com/docpipe/docpipe/internal/workflow"
	"github.com/docpipe/docpipe/pkg/logger"
	"github.com/docpipe/docpipe/pkg/storage"
)

// uploadFanOut bounds concurrent page uploads within one split job.
const uploadFanOut = 4

// DocumentSplitter partitions a document into ordered page units.
type DocumentSplitter interface {
	Split(ctx context.Context, data []byte) ([][]byte, error)
	Metadata(data []byte) (models.DocumentMeta, error)
}

// PageEnqueuer hands page jobs to the process-page queue.
type PageEnqueuer interface {
	EnqueuePage(ctx context.Context, p models.PagePayload) error
}

// SplitHandler consumes split jobs: fetch the source document, cut it into
// pages, register one step per page and enqueue the page jobs. The whole
// handler is safe to re-run; steps and page jobs are keyed per ordinal so
// a redelivery never doubles work.
type SplitHandler struct {
	store    *workflow.Store
	storage  storage.Storage
	splitter DocumentSplitter
	queue    PageEnqueuer
	logger   logger.Logger

	attemptInfo func(ctx context.Context) (retried, maxRetry int, ok bool)
}

func NewSplitHandler(store *workflow.Store, store2 storage.Storage, split DocumentSplitter, q PageEnqueuer, log logger.Logger) *SplitHandler {
	return &SplitHandler{
		store:       store,
		storage:     store2,
		splitter:    split,
		queue:       q,
		logger:      log,
		attemptInfo: asynqAttemptInfo,
	}
}

func asynqAttemptInfo(ctx context.Context) (int, int, bool) {
	retried, ok1 := asynq.GetRetryCount(ctx)
	maxRetry, ok2 := asynq.GetMaxRetry(ctx)
	return retried, maxRetry, ok1 && ok2
}

func (h *SplitHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p models.SplitPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("invalid split payload: %v: %w", err, asynq.SkipRetry)
	}

	log := h.logger.With(logger.String("workflowId", p.WorkflowID))

	wf, err := h.store.GetWorkflow(ctx, p.WorkflowID)
	if errors.Is(err, workflow.ErrWorkflowNotFound) {
		return fmt.Errorf("workflow %s not found: %w", p.WorkflowID, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}

	// Redelivery past the splitting stage is a no-op; the steps already
	// exist and the page jobs are already enqueued.
	if wf.State != models.WorkflowPending && wf.State != models.WorkflowSplitting {
		log.Info("Split already done, skipping", logger.String("state", string(wf.State)))
		return nil
	}

	err = h.store.TransitionWorkflow(ctx, p.WorkflowID,
		[]models.WorkflowState{models.WorkflowPending}, models.WorkflowSplitting, nil)
	if err != nil && !errors.Is(err, workflow.ErrConflict) {
		return err
	}

	if err := h.split(ctx, log, p); err != nil {
		if retried, maxRetry, ok := h.attemptInfo(ctx); !ok || retried >= maxRetry {
			h.failWorkflow(ctx, log, p.WorkflowID, err)
		}
		return err
	}

	err = h.store.TransitionWorkflow(ctx, p.WorkflowID,
		[]models.WorkflowState{models.WorkflowSplitting}, models.WorkflowProcessing, nil)
	if err != nil && !errors.Is(err, workflow.ErrConflict) {
		return err
	}

	log.Info("Split complete, pages enqueued")
	return nil
}

func (h *SplitHandler) split(ctx context.Context, log logger.Logger, p models.SplitPayload) error {
	reader, err := h.storage.Get(ctx, p.SourceRef)
	if err != nil {
		return fmt.Errorf("failed to fetch source document: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("failed to read source document: %w", err)
	}

	meta, err := h.splitter.Metadata(data)
	if err != nil {
		return err
	}
	if err := h.store.SetDocumentMeta(ctx, p.WorkflowID, meta); err != nil {
		return err
	}

	pages, err := h.splitter.Split(ctx, data)
	if err != nil {
		return err
	}
	total := len(pages)
	log.Info("Document split", logger.Int("pageCount", total))

	// Upload page objects under deterministic keys so a re-run overwrites
	// rather than duplicates.
	pageRefs := make([]string, total)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadFanOut)
	for i, pageData := range pages {
		g.Go(func() error {
			key := fmt.Sprintf("workflows/%s/pages/%05d.pdf", p.WorkflowID, i+1)
			ref, err := h.storage.Store(gctx, bytes.NewReader(pageData), key)
			if err != nil {
				return fmt.Errorf("page %d: %w", i+1, err)
			}
			mu.Lock()
			pageRefs[i] = ref
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	stepIDs := make([]string, total)
	for i := 0; i < total; i++ {
		stepID, created, err := h.store.EnsureStep(ctx, p.WorkflowID, i+1, pageRefs[i])
		if err != nil {
			return err
		}
		stepIDs[i] = stepID
		if !created {
			log.Debug("Step already registered",
				logger.Int("pageNumber", i+1),
				logger.String("stepId", stepID),
			)
		}
	}

	// totalSteps must be fixed before any page job exists, or completion
	// detection could see a partial count.
	if err := h.store.SetTotalSteps(ctx, p.WorkflowID, total); err != nil {
		return err
	}

	for i := 0; i < total; i++ {
		err := h.queue.EnqueuePage(ctx, models.PagePayload{
			WorkflowID: p.WorkflowID,
			StepID:     stepIDs[i],
			PageNumber: i + 1,
			PageRef:    pageRefs[i],
			TotalPages: total,
		})
		if err != nil {
			return fmt.Errorf("failed to enqueue page %d: %w", i+1, err)
		}
	}

	return nil
}

func (h *SplitHandler) failWorkflow(ctx context.Context, log logger.Logger, workflowID string, cause error) {
	summary := &models.ErrorSummary{
		Code:    models.CodeSplitError,
		Message: cause.Error(),
	}
	err := h.store.TransitionWorkflow(ctx, workflowID,
		[]models.WorkflowState{models.WorkflowPending, models.WorkflowSplitting},
		models.WorkflowFailed, summary)
	if err != nil && !errors.Is(err, workflow.ErrConflict) {
		log.Error("Failed to mark workflow failed", logger.Error(err))
		return
	}
	log.Error("Workflow failed during split", logger.Error(cause))
}
