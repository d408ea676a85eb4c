package models

import (
	"encoding/json"
	"time"
)

// WorkflowState tracks a document workflow through its lifecycle.
// Transitions are forward-only; no state is ever revisited.
type WorkflowState string

const (
	WorkflowPending     WorkflowState = "pending"
	WorkflowSplitting   WorkflowState = "splitting"
	WorkflowProcessing  WorkflowState = "processing"
	WorkflowAggregating WorkflowState = "aggregating"
	WorkflowCompleted   WorkflowState = "completed"
	WorkflowFailed      WorkflowState = "failed"
)

// StepState tracks a single page through processing.
type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepSucceeded StepState = "succeeded"
	StepFailed    StepState = "failed"
)

// Error codes recorded on failed workflows and steps.
const (
	CodeSplitError     = "SPLIT_ERROR"
	CodeLLMError       = "LLM_ERROR"
	CodePageProcessing = "PAGE_PROCESSING_ERROR"
	CodePartialFailure = "PARTIAL_FAILURE"
	CodeCancelled      = "CANCELLED"
)

var workflowOrder = map[WorkflowState]int{
	WorkflowPending:     0,
	WorkflowSplitting:   1,
	WorkflowProcessing:  2,
	WorkflowAggregating: 3,
	WorkflowCompleted:   4,
	WorkflowFailed:      4,
}

// CanTransition reports whether moving from one workflow state to another
// keeps the lifecycle moving forward. Both terminal states rank equal so
// neither can replace the other.
func CanTransition(from, to WorkflowState) bool {
	a, okA := workflowOrder[from]
	b, okB := workflowOrder[to]
	return okA && okB && b > a
}

// Terminal reports whether a workflow state is final.
func (s WorkflowState) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed
}

// Terminal reports whether a step state is final.
func (s StepState) Terminal() bool {
	return s == StepSucceeded || s == StepFailed
}

// ErrorSummary is the top-level error recorded on a failed workflow.
type ErrorSummary struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StepError is the per-page error recorded on a failed step.
type StepError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// DocumentMeta holds metadata extracted from the source PDF at split time.
type DocumentMeta struct {
	Title    string `json:"title,omitempty"`
	Author   string `json:"author,omitempty"`
	Pages    int    `json:"pages"`
	FileSize int64  `json:"fileSize"`
	Hash     string `json:"hash"`
}

// Workflow is the unit of orchestration for one submitted document.
type Workflow struct {
	ID             string        `json:"id"`
	State          WorkflowState `json:"state"`
	Filename       string        `json:"filename"`
	SourceRef      string        `json:"sourceRef"`
	Meta           DocumentMeta  `json:"meta"`
	TotalSteps     int           `json:"totalSteps"`
	CompletedSteps int           `json:"completedSteps"`
	Error          *ErrorSummary `json:"error,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// WorkflowStep is the unit of orchestration for one page within a workflow.
type WorkflowStep struct {
	ID               string          `json:"id"`
	WorkflowID       string          `json:"workflowId"`
	PageNumber       int             `json:"pageNumber"` // 1-based
	State            StepState       `json:"state"`
	PageRef          string          `json:"pageRef"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            *StepError      `json:"error,omitempty"`
	ProcessingTimeMs int64           `json:"processingTimeMs,omitempty"`
	ModelName        string          `json:"modelName,omitempty"`
	Confidence       float64         `json:"confidence,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// StepMetadata carries extraction metadata persisted with a succeeded step.
type StepMetadata struct {
	ProcessingTimeMs int64   `json:"processingTimeMs"`
	ModelName        string  `json:"modelName"`
	Confidence       float64 `json:"confidence"`
}
