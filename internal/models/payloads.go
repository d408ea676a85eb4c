package models

import "time"

// SplitPayload is the job payload delivered to the split queue.
type SplitPayload struct {
	WorkflowID string `json:"workflowId"`
	SourceRef  string `json:"sourceRef"`
}

// PagePayload is the job payload delivered to the process-page queue.
type PagePayload struct {
	WorkflowID string `json:"workflowId"`
	StepID     string `json:"stepId"`
	PageNumber int    `json:"pageNumber"`
	PageRef    string `json:"pageRef"`
	TotalPages int    `json:"totalPages"`
}

// RateLimitWindow names a sliding-window length for a rate-limited resource.
type RateLimitWindow string

const (
	WindowSecond RateLimitWindow = "second"
	WindowMinute RateLimitWindow = "minute"
	WindowHour   RateLimitWindow = "hour"
	WindowDay    RateLimitWindow = "day"
)

// RateLimitConfig is the per-resource-key admission policy.
// MaxTokensPerMinute is advisory and never enforced by the limiter.
type RateLimitConfig struct {
	MaxRequests        int             `json:"maxRequests" yaml:"maxRequests"`
	Window             RateLimitWindow `json:"window" yaml:"window"`
	MaxTokensPerMinute int             `json:"maxTokensPerMinute,omitempty" yaml:"maxTokensPerMinute,omitempty"`
}

// WindowDuration maps the window name to its length. Unrecognized values
// fall back to a minute.
func (c RateLimitConfig) WindowDuration() time.Duration {
	switch c.Window {
	case WindowSecond:
		return time.Second
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}
