package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docpipe/docpipe/pkg/logger"
)

// Backend names an object storage implementation.
type Backend string

const (
	BackendMinio Backend = "minio"
	BackendS3    Backend = "s3"
)

// Storage resolves opaque file references for the pipeline: the source
// document on submission, per-page objects after splitting. References
// stay durable for the life of the workflow.
type Storage interface {
	// Store writes the object and returns its reference.
	Store(ctx context.Context, reader io.Reader, key string) (string, error)
	// Get opens the object behind a reference.
	Get(ctx context.Context, ref string) (io.ReadCloser, error)
	// Delete removes the object.
	Delete(ctx context.Context, ref string) error
	// CleanupBefore removes objects last modified before the threshold.
	CleanupBefore(ctx context.Context, threshold time.Time) error
}

// NewStorage builds the configured backend.
func NewStorage(backend Backend, log logger.Logger) (Storage, error) {
	switch backend {
	case BackendMinio:
		return NewMinioStorage(log)
	case BackendS3:
		return NewS3Storage(log)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", backend)
	}
}
