package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/docpipe/docpipe/internal/models"
	"github.com/docpipe/docpipe/pkg/logger"
)

// Task types routed through the broker.
const (
	TaskTypeSplit       = "workflow:split"
	TaskTypeProcessPage = "workflow:process-page"
)

// The two pipeline queues. Each gets its own consumer pool so split and
// page concurrency caps stay independent.
const (
	QueueSplit       = "split"
	QueueProcessPage = "process-page"
)

// Config bounds the retry policy applied to every enqueued job.
type Config struct {
	MaxRetry    int
	TaskTimeout time.Duration
	Retention   time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		MaxRetry:    5,
		TaskTimeout: 10 * time.Minute,
		Retention:   24 * time.Hour,
	}
}

// Client enqueues pipeline jobs. Delivery is at-least-once; enqueue-time
// deduplication rides on asynq task IDs, so two enqueues with the same
// idempotency key collapse into one logical job.
type Client struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	config    *Config
	logger    logger.Logger
}

func NewClient(redisOpt asynq.RedisClientOpt, cfg *Config, log logger.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Client{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		config:    cfg,
		logger:    log,
	}
}

// SplitTaskID is the idempotency key for a workflow's split job.
func SplitTaskID(workflowID string) string {
	return "split:" + workflowID
}

// PageTaskID is the idempotency key for one page job. Keyed per step so a
// redelivered split job cannot double-enqueue page work.
func PageTaskID(workflowID, stepID string) string {
	return workflowID + ":" + stepID
}

// EnqueueSplit submits the split job for a workflow.
func (c *Client) EnqueueSplit(ctx context.Context, p models.SplitPayload) error {
	return c.enqueue(ctx, TaskTypeSplit, QueueSplit, SplitTaskID(p.WorkflowID), p)
}

// EnqueuePage submits one process-page job.
func (c *Client) EnqueuePage(ctx context.Context, p models.PagePayload) error {
	return c.enqueue(ctx, TaskTypeProcessPage, QueueProcessPage, PageTaskID(p.WorkflowID, p.StepID), p)
}

func (c *Client) enqueue(ctx context.Context, taskType, queueName, taskID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	opts := []asynq.Option{
		asynq.Queue(queueName),
		asynq.TaskID(taskID),
		asynq.MaxRetry(c.config.MaxRetry),
		asynq.Timeout(c.config.TaskTimeout),
		asynq.Retention(c.config.Retention),
	}

	_, err = c.client.EnqueueContext(ctx, asynq.NewTask(taskType, data), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		// Same idempotency key already enqueued; one logical job exists.
		c.logger.Debug("Duplicate enqueue collapsed",
			logger.String("taskId", taskID),
			logger.String("queue", queueName),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// CancelPendingPage removes a not-yet-running page job from the broker.
// Active jobs keep running; cancellation only prevents new work.
func (c *Client) CancelPendingPage(ctx context.Context, workflowID, stepID string) error {
	err := c.inspector.DeleteTask(QueueProcessPage, PageTaskID(workflowID, stepID))
	if err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return fmt.Errorf("failed to cancel page task: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}
