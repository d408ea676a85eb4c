package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	cfg "github.com/docpipe/docpipe/config"
	"github.com/docpipe/docpipe/pkg/logger"
)

// Result is the structured output for one page.
type Result struct {
	Fields     json.RawMessage `json:"fields"`
	ModelName  string          `json:"modelName"`
	Confidence float64         `json:"confidence"`
	TokensUsed int             `json:"tokensUsed,omitempty"`
}

// Error classifies an extraction failure. Retryable errors (throttling,
// 5xx, transport) go back to the queue for backoff; terminal errors
// (validation, unparseable output) fail the page and let siblings proceed.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("extraction error %s: %s", e.Code, e.Message)
}

func retryableError(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: true}
}

func terminalError(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: false}
}

// IsTerminal reports whether an error is a classified, non-retryable
// extraction failure. Unclassified errors count as transient.
func IsTerminal(err error) bool {
	var exErr *Error
	if errors.As(err, &exErr) {
		return !exErr.Retryable
	}
	return false
}

// Extractor calls the external extraction service for one page.
type Extractor interface {
	Extract(ctx context.Context, pageBytes []byte) (*Result, error)
}

// NewExtractor builds the configured backend.
func NewExtractor(log logger.Logger) (Extractor, error) {
	extractCfg := cfg.GetExtractConfig()

	switch extractCfg.Backend {
	case "llm":
		return NewLLMExtractor(extractCfg, log), nil
	case "textract":
		return NewTextractExtractor(context.Background(), extractCfg, log)
	default:
		return nil, fmt.Errorf("unsupported extraction backend: %s", extractCfg.Backend)
	}
}
