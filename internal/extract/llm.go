package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	cfg "github.com/docpipe/docpipe/config"
	"github.com/docpipe/docpipe/pkg/logger"
)

const extractionPrompt = "Extract all text and structured fields from this document page. " +
	"Respond with a single JSON object."

// llmRequest is the generate-style request accepted by the endpoint.
type llmRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images"`
	Format string   `json:"format"`
	Stream bool     `json:"stream"`
}

type llmResponse struct {
	Response  string `json:"response"`
	Model     string `json:"model"`
	Done      bool   `json:"done"`
	EvalCount int    `json:"eval_count,omitempty"`
	Error     string `json:"error,omitempty"`
}

// LLMExtractor calls an HTTP vision-model endpoint with the page payload
// and expects a JSON object back.
type LLMExtractor struct {
	endpoint   string
	model      string
	httpClient *http.Client
	logger     logger.Logger
}

func NewLLMExtractor(extractCfg *cfg.ExtractConfig, log logger.Logger) *LLMExtractor {
	return &LLMExtractor{
		endpoint: extractCfg.Endpoint,
		model:    extractCfg.Model,
		httpClient: &http.Client{
			Timeout: extractCfg.Timeout,
		},
		logger: log,
	}
}

func (c *LLMExtractor) Extract(ctx context.Context, pageBytes []byte) (*Result, error) {
	reqBody := llmRequest{
		Model:  c.model,
		Prompt: extractionPrompt,
		Images: []string{base64.StdEncoding.EncodeToString(pageBytes)},
		Format: "json",
		Stream: false,
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport failures are transient by definition.
		return nil, retryableError("LLM_UNAVAILABLE", "request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retryableError("LLM_UNAVAILABLE", "failed to read response: %v", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, retryableError("LLM_THROTTLED", "endpoint returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, terminalError("LLM_REJECTED", "endpoint returned %d: %s", resp.StatusCode, body)
	}

	var llmResp llmResponse
	if err := json.Unmarshal(body, &llmResp); err != nil {
		return nil, terminalError("LLM_BAD_RESPONSE", "unparseable response envelope: %v", err)
	}
	if llmResp.Error != "" {
		return nil, terminalError("LLM_REJECTED", "%s", llmResp.Error)
	}

	// The model answers with a JSON document in the response text; anything
	// else is a terminal parse failure.
	fields := json.RawMessage(llmResp.Response)
	var parsed map[string]interface{}
	if err := json.Unmarshal(fields, &parsed); err != nil {
		return nil, terminalError("LLM_BAD_RESPONSE", "model output is not valid JSON: %v", err)
	}

	confidence := 0.0
	if v, ok := parsed["confidence"].(float64); ok {
		confidence = v
	}

	modelName := llmResp.Model
	if modelName == "" {
		modelName = c.model
	}

	c.logger.Debug("LLM extraction finished",
		logger.String("model", modelName),
		logger.Duration("elapsed", time.Since(start)),
		logger.Int("tokens", llmResp.EvalCount),
	)

	return &Result{
		Fields:     fields,
		ModelName:  modelName,
		Confidence: confidence,
		TokensUsed: llmResp.EvalCount,
	}, nil
}
