package document

import (
	"context"
	"mime/multipart"

	"github.com/docpipe/docpipe/internal/models"
	"github.com/docpipe/docpipe/pkg/ratelimit"
)

// Service is the submission-side surface of the pipeline.
type Service interface {
	Submit(ctx context.Context, file multipart.File, header *multipart.FileHeader) (*models.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	ListSteps(ctx context.Context, id string) ([]*models.WorkflowStep, error)
	Cancel(ctx context.Context, id string) error
	RateLimitStatus(ctx context.Context, resourceKey string) (*ratelimit.Decision, error)
}
