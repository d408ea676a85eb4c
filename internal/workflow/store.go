package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/docpipe/docpipe/internal/models"
	"github.com/docpipe/docpipe/pkg/logger"
)

// Store is the shared source of truth for Workflow and WorkflowStep
// records. Every mutation is a single atomic operation against Redis;
// workers never carry state between invocations because any invocation may
// be a redelivery.
type Store struct {
	rdb    redis.UniversalClient
	logger logger.Logger
}

func NewStore(rdb redis.UniversalClient, log logger.Logger) *Store {
	return &Store{rdb: rdb, logger: log}
}

func workflowKey(id string) string { return "workflow:" + id }
func stepKey(id string) string     { return "step:" + id }
func stepsKey(wfID string) string  { return "workflow:" + wfID + ":steps" }
func pagesKey(wfID string) string  { return "workflow:" + wfID + ":pages" }

// transitionScript performs a guarded state transition: the new state and
// any extra fields are written only when the current state is one of the
// expected predecessors. Returns -1 when the record is missing, 0 on a
// guard miss, 1 on success.
//
// KEYS[1] record hash
// ARGV[1] target state, ARGV[2] updatedAt ms, ARGV[3] predecessor count,
// ARGV[4..3+n] predecessors, remainder field/value pairs.
var transitionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'state')
if cur == false then
  return -1
end
local n = tonumber(ARGV[3])
local ok = false
for i = 4, 3 + n do
  if cur == ARGV[i] then
    ok = true
  end
end
if not ok then
  return 0
end
redis.call('HSET', KEYS[1], 'state', ARGV[1], 'updatedAt', ARGV[2])
for i = 4 + n, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
return 1
`)

// ensureStepScript registers a step for a page ordinal exactly once. A
// retried split job sees the previously registered step id instead of
// creating a second record.
//
// KEYS[1] pages hash, KEYS[2] steps set, KEYS[3] candidate step hash
// ARGV[1] page number, ARGV[2] candidate step id, remainder field/value
// pairs for the new step.
var ensureStepScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[1], ARGV[1])
if existing then
  return existing
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('SADD', KEYS[2], ARGV[2])
for i = 3, #ARGV, 2 do
  redis.call('HSET', KEYS[3], ARGV[i], ARGV[i+1])
end
return ARGV[2]
`)

// completedStepsScript keeps the completed counter monotonic under
// concurrent completion checks.
var completedStepsScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'completedSteps') or '0')
local v = tonumber(ARGV[1])
if v > cur then
  redis.call('HSET', KEYS[1], 'completedSteps', ARGV[1], 'updatedAt', ARGV[2])
  return v
end
return cur
`)

func nowMs() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}

// CreateWorkflow persists a new workflow record in state pending.
func (s *Store) CreateWorkflow(ctx context.Context, wf *models.Workflow) error {
	wf.State = models.WorkflowPending
	wf.CreatedAt = time.Now()
	wf.UpdatedAt = wf.CreatedAt

	fields := map[string]interface{}{
		"id":             wf.ID,
		"state":          string(wf.State),
		"filename":       wf.Filename,
		"sourceRef":      wf.SourceRef,
		"totalSteps":     "0",
		"completedSteps": "0",
		"createdAt":      strconv.FormatInt(wf.CreatedAt.UnixMilli(), 10),
		"updatedAt":      strconv.FormatInt(wf.UpdatedAt.UnixMilli(), 10),
	}
	if err := s.rdb.HSet(ctx, workflowKey(wf.ID), fields).Err(); err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}
	return nil
}

// GetWorkflow loads a workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	data, err := s.rdb.HGetAll(ctx, workflowKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrWorkflowNotFound
	}
	return parseWorkflow(data), nil
}

// TransitionWorkflow moves a workflow to a new state only if it is
// currently in one of the expected states. A guard miss returns
// ErrConflict so concurrent invocations resolve to exactly one winner.
func (s *Store) TransitionWorkflow(ctx context.Context, id string, from []models.WorkflowState, to models.WorkflowState, summary *models.ErrorSummary) error {
	args := []interface{}{string(to), nowMs(), len(from)}
	for _, f := range from {
		args = append(args, string(f))
	}
	if summary != nil {
		args = append(args, "errorCode", summary.Code, "errorMessage", summary.Message)
	}

	res, err := transitionScript.Run(ctx, s.rdb, []string{workflowKey(id)}, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to transition workflow: %w", err)
	}
	switch res {
	case -1:
		return ErrWorkflowNotFound
	case 0:
		return ErrConflict
	}
	return nil
}

// SetDocumentMeta records metadata extracted from the source document.
func (s *Store) SetDocumentMeta(ctx context.Context, id string, meta models.DocumentMeta) error {
	fields := map[string]interface{}{
		"title":     meta.Title,
		"author":    meta.Author,
		"pages":     strconv.Itoa(meta.Pages),
		"fileSize":  strconv.FormatInt(meta.FileSize, 10),
		"hash":      meta.Hash,
		"updatedAt": nowMs(),
	}
	if err := s.rdb.HSet(ctx, workflowKey(id), fields).Err(); err != nil {
		return fmt.Errorf("failed to set document metadata: %w", err)
	}
	return nil
}

// SetTotalSteps fixes the step count for a workflow. Set once, before any
// page job is enqueued; completion can only trigger after this.
func (s *Store) SetTotalSteps(ctx context.Context, id string, total int) error {
	fields := map[string]interface{}{
		"totalSteps": strconv.Itoa(total),
		"updatedAt":  nowMs(),
	}
	if err := s.rdb.HSet(ctx, workflowKey(id), fields).Err(); err != nil {
		return fmt.Errorf("failed to set total steps: %w", err)
	}
	return nil
}

// SetCompletedSteps raises the completed counter; it never decreases.
func (s *Store) SetCompletedSteps(ctx context.Context, id string, completed int) error {
	err := completedStepsScript.Run(ctx, s.rdb, []string{workflowKey(id)}, completed, nowMs()).Err()
	if err != nil {
		return fmt.Errorf("failed to set completed steps: %w", err)
	}
	return nil
}

// EnsureStep registers the step for a page ordinal, creating it in state
// pending on first call and returning the existing id on every call after
// that. Safe to re-run from a redelivered split job.
func (s *Store) EnsureStep(ctx context.Context, wfID string, pageNumber int, pageRef string) (string, bool, error) {
	candidate := uuid.NewString()
	now := nowMs()

	args := []interface{}{
		strconv.Itoa(pageNumber),
		candidate,
		"id", candidate,
		"workflowId", wfID,
		"pageNumber", strconv.Itoa(pageNumber),
		"state", string(models.StepPending),
		"pageRef", pageRef,
		"createdAt", now,
		"updatedAt", now,
	}
	keys := []string{pagesKey(wfID), stepsKey(wfID), stepKey(candidate)}

	id, err := ensureStepScript.Run(ctx, s.rdb, keys, args...).Text()
	if err != nil {
		return "", false, fmt.Errorf("failed to ensure step: %w", err)
	}
	return id, id == candidate, nil
}

// GetStep loads a step by id.
func (s *Store) GetStep(ctx context.Context, id string) (*models.WorkflowStep, error) {
	data, err := s.rdb.HGetAll(ctx, stepKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load step: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrStepNotFound
	}
	return parseStep(data), nil
}

// ListSteps returns all steps of a workflow ordered by page number.
func (s *Store) ListSteps(ctx context.Context, wfID string) ([]*models.WorkflowStep, error) {
	ids, err := s.rdb.SMembers(ctx, stepsKey(wfID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list step ids: %w", err)
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, stepKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load steps: %w", err)
	}

	steps := make([]*models.WorkflowStep, 0, len(ids))
	for _, cmd := range cmds {
		data := cmd.Val()
		if len(data) == 0 {
			continue
		}
		steps = append(steps, parseStep(data))
	}
	sort.Slice(steps, func(i, j int) bool {
		return steps[i].PageNumber < steps[j].PageNumber
	})
	return steps, nil
}

// StartStep marks a step running. Pending and running are both accepted so
// a redelivered job can pick up after a crashed attempt; terminal states
// are not.
func (s *Store) StartStep(ctx context.Context, id string) error {
	return s.transitionStep(ctx, id,
		[]models.StepState{models.StepPending, models.StepRunning},
		models.StepRunning, nil)
}

// CompleteStep records the extraction result and marks the step succeeded.
func (s *Store) CompleteStep(ctx context.Context, id string, result json.RawMessage, meta models.StepMetadata) error {
	extra := []interface{}{
		"result", string(result),
		"processingTimeMs", strconv.FormatInt(meta.ProcessingTimeMs, 10),
		"modelName", meta.ModelName,
		"confidence", strconv.FormatFloat(meta.Confidence, 'f', -1, 64),
	}
	return s.transitionStep(ctx, id,
		[]models.StepState{models.StepPending, models.StepRunning},
		models.StepSucceeded, extra)
}

// FailStep records a terminal per-page error.
func (s *Store) FailStep(ctx context.Context, id string, stepErr models.StepError) error {
	extra := []interface{}{
		"errorCode", stepErr.Code,
		"errorMessage", stepErr.Message,
		"errorStack", stepErr.Stack,
	}
	return s.transitionStep(ctx, id,
		[]models.StepState{models.StepPending, models.StepRunning},
		models.StepFailed, extra)
}

func (s *Store) transitionStep(ctx context.Context, id string, from []models.StepState, to models.StepState, extra []interface{}) error {
	args := []interface{}{string(to), nowMs(), len(from)}
	for _, f := range from {
		args = append(args, string(f))
	}
	args = append(args, extra...)

	res, err := transitionScript.Run(ctx, s.rdb, []string{stepKey(id)}, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to transition step: %w", err)
	}
	switch res {
	case -1:
		return ErrStepNotFound
	case 0:
		return ErrConflict
	}
	return nil
}

func parseWorkflow(data map[string]string) *models.Workflow {
	wf := &models.Workflow{
		ID:        data["id"],
		State:     models.WorkflowState(data["state"]),
		Filename:  data["filename"],
		SourceRef: data["sourceRef"],
		Meta: models.DocumentMeta{
			Title:    data["title"],
			Author:   data["author"],
			Pages:    atoi(data["pages"]),
			FileSize: atoi64(data["fileSize"]),
			Hash:     data["hash"],
		},
		TotalSteps:     atoi(data["totalSteps"]),
		CompletedSteps: atoi(data["completedSteps"]),
		CreatedAt:      msTime(data["createdAt"]),
		UpdatedAt:      msTime(data["updatedAt"]),
	}
	if data["errorCode"] != "" {
		wf.Error = &models.ErrorSummary{
			Code:    data["errorCode"],
			Message: data["errorMessage"],
		}
	}
	return wf
}

func parseStep(data map[string]string) *models.WorkflowStep {
	step := &models.WorkflowStep{
		ID:               data["id"],
		WorkflowID:       data["workflowId"],
		PageNumber:       atoi(data["pageNumber"]),
		State:            models.StepState(data["state"]),
		PageRef:          data["pageRef"],
		ProcessingTimeMs: atoi64(data["processingTimeMs"]),
		ModelName:        data["modelName"],
		Confidence:       atof(data["confidence"]),
		CreatedAt:        msTime(data["createdAt"]),
		UpdatedAt:        msTime(data["updatedAt"]),
	}
	if data["result"] != "" {
		step.Result = json.RawMessage(data["result"])
	}
	if data["errorCode"] != "" {
		step.Error = &models.StepError{
			Code:    data["errorCode"],
			Message: data["errorMessage"],
			Stack:   data["errorStack"],
		}
	}
	return step
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func atof(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func msTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	return time.UnixMilli(atoi64(s))
}
