package worker

import (
	"context"
	"time"

	"github.com/hibiken/asynq"

	"github.com/docpipe/docpipe/pkg/logger"
)

// Worker is a running consumer pool for one queue.
type Worker interface {
	Start(ctx context.Context) error
	Shutdown()
}

// Config bounds one consumer pool. Each queue gets its own server so the
// split and page pools scale independently.
type Config struct {
	RedisOpt       asynq.RedisClientOpt
	Queue          string
	Concurrency    int
	RetryBaseDelay time.Duration
}

// BaseWorker wraps an asynq server and its handler mux.
type BaseWorker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger logger.Logger
}

func NewBaseWorker(cfg *Config, log logger.Logger) *BaseWorker {
	base := cfg.RetryBaseDelay
	if base <= 0 {
		base = 5 * time.Second
	}

	server := asynq.NewServer(cfg.RedisOpt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			cfg.Queue: 1,
		},
		// Exponential backoff: base, 2x, 4x, ...
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			return base * time.Duration(1<<n)
		},
	})

	return &BaseWorker{
		server: server,
		mux:    asynq.NewServeMux(),
		logger: log,
	}
}

// Handle registers a handler for a task type.
func (w *BaseWorker) Handle(taskType string, handler asynq.Handler) {
	w.mux.Handle(taskType, handler)
}

// Start runs the server until the context is cancelled.
func (w *BaseWorker) Start(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		w.Shutdown()
	}()

	return nil
}

// Shutdown waits for in-flight handlers to return.
func (w *BaseWorker) Shutdown() {
	w.server.Shutdown()
}
