package document

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	cfg "github.com/docpipe/docpipe/config"
	"github.com/docpipe/docpipe/internal/models"
	"github.com/docpipe/docpipe/internal/workflow"
	"github.com/docpipe/docpipe/pkg/logger"
	"github.com/docpipe/docpipe/pkg/ratelimit"
	"github.com/docpipe/docpipe/pkg/storage"
)

var (
	// ErrInvalidUpload rejects files the pipeline cannot process.
	ErrInvalidUpload = errors.New("invalid upload")

	// ErrAlreadyTerminal rejects cancellation of a finished workflow.
	ErrAlreadyTerminal = errors.New("workflow already in a terminal state")

	// ErrUnknownResource rejects limiter queries for unconfigured keys.
	ErrUnknownResource = errors.New("unknown rate limit resource")
)

// Broker is the queue surface the service needs.
type Broker interface {
	EnqueueSplit(ctx context.Context, p models.SplitPayload) error
	CancelPendingPage(ctx context.Context, workflowID, stepID string) error
}

// StatusReader reads remaining limiter budget without consuming it.
type StatusReader interface {
	Status(ctx context.Context, resourceKey string, cfg models.RateLimitConfig) (*ratelimit.Decision, error)
}

type ServiceConfig struct {
	MaxFileSize  int64
	AllowedTypes []string
}

type documentService struct {
	store   *workflow.Store
	storage storage.Storage
	broker  Broker
	limiter StatusReader
	limits  map[string]models.RateLimitConfig
	config  *ServiceConfig
	logger  logger.Logger
}

func NewService(
	store *workflow.Store,
	objectStore storage.Storage,
	broker Broker,
	limiter StatusReader,
	limits map[string]models.RateLimitConfig,
	serviceCfg *ServiceConfig,
	log logger.Logger,
) Service {
	if serviceCfg == nil {
		serviceCfg = &ServiceConfig{
			MaxFileSize:  cfg.GetServerConfig().MaxUploadSize,
			AllowedTypes: []string{".pdf"},
		}
	}
	return &documentService{
		store:   store,
		storage: objectStore,
		broker:  broker,
		limiter: limiter,
		limits:  limits,
		config:  serviceCfg,
		logger:  log,
	}
}

// Submit validates the upload, stores the source bytes, creates the
// workflow in state pending and enqueues its split job.
func (s *documentService) Submit(ctx context.Context, file multipart.File, header *multipart.FileHeader) (*models.Workflow, error) {
	if err := s.validate(header); err != nil {
		return nil, err
	}

	workflowID := uuid.NewString()
	sourceKey := fmt.Sprintf("workflows/%s/source.pdf", workflowID)

	sourceRef, err := s.storage.Store(ctx, file, sourceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to store source document: %w", err)
	}

	wf := &models.Workflow{
		ID:        workflowID,
		Filename:  header.Filename,
		SourceRef: sourceRef,
	}
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	err = s.broker.EnqueueSplit(ctx, models.SplitPayload{
		WorkflowID: workflowID,
		SourceRef:  sourceRef,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue split job: %w", err)
	}

	s.logger.Info("Workflow submitted",
		logger.String("workflowId", workflowID),
		logger.String("filename", header.Filename),
		logger.Int64("size", header.Size),
	)
	return wf, nil
}

func (s *documentService) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	return s.store.GetWorkflow(ctx, id)
}

func (s *documentService) ListSteps(ctx context.Context, id string) ([]*models.WorkflowStep, error) {
	if _, err := s.store.GetWorkflow(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListSteps(ctx, id)
}

// Cancel moves a non-terminal workflow to failed with code CANCELLED and
// removes its not-yet-running page jobs. In-flight pages finish their
// current attempt; the page worker skips steps of terminal workflows.
func (s *documentService) Cancel(ctx context.Context, id string) error {
	summary := &models.ErrorSummary{
		Code:    models.CodeCancelled,
		Message: "cancelled by request",
	}
	err := s.store.TransitionWorkflow(ctx, id,
		[]models.WorkflowState{
			models.WorkflowPending,
			models.WorkflowSplitting,
			models.WorkflowProcessing,
			models.WorkflowAggregating,
		},
		models.WorkflowFailed, summary)
	if errors.Is(err, workflow.ErrConflict) {
		return ErrAlreadyTerminal
	}
	if err != nil {
		return err
	}

	steps, err := s.store.ListSteps(ctx, id)
	if err != nil {
		s.logger.Warn("Cancelled workflow but could not list steps",
			logger.String("workflowId", id),
			logger.Error(err),
		)
		return nil
	}
	for _, step := range steps {
		if step.State.Terminal() {
			continue
		}
		if err := s.broker.CancelPendingPage(ctx, id, step.ID); err != nil {
			s.logger.Warn("Failed to remove pending page job",
				logger.String("workflowId", id),
				logger.String("stepId", step.ID),
				logger.Error(err),
			)
		}
	}

	s.logger.Info("Workflow cancelled", logger.String("workflowId", id))
	return nil
}

func (s *documentService) RateLimitStatus(ctx context.Context, resourceKey string) (*ratelimit.Decision, error) {
	limitCfg, ok := s.limits[resourceKey]
	if !ok {
		return nil, ErrUnknownResource
	}
	return s.limiter.Status(ctx, resourceKey, limitCfg)
}

func (s *documentService) validate(header *multipart.FileHeader) error {
	if header.Size > s.config.MaxFileSize {
		return fmt.Errorf("%w: file exceeds %d bytes", ErrInvalidUpload, s.config.MaxFileSize)
	}
	ext := strings.ToLower(filepath.Ext(header.Filename))
	for _, allowed := range s.config.AllowedTypes {
		if ext == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: file type %s is not allowed", ErrInvalidUpload, ext)
}
