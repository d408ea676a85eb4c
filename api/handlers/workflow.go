package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/docpipe/docpipe/internal/service/document"
	"github.com/docpipe/docpipe/internal/workflow"
	"github.com/docpipe/docpipe/pkg/logger"
)

type WorkflowHandler struct {
	service document.Service
	logger  logger.Logger
}

// SubmitResponse is returned for a new submission.
type SubmitResponse struct {
	WorkflowID string `json:"workflowId"`
	State      string `json:"state"`
	Filename   string `json:"filename"`
	CreatedAt  string `json:"createdAt"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewWorkflowHandler(service document.Service, log logger.Logger) *WorkflowHandler {
	return &WorkflowHandler{
		service: service,
		logger:  log,
	}
}

// Submit accepts a multipart PDF upload and starts a workflow.
func (h *WorkflowHandler) Submit(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid file upload", err)
		return
	}
	defer file.Close()

	wf, err := h.service.Submit(c.Request.Context(), file, header)
	if errors.Is(err, document.ErrInvalidUpload) {
		h.handleError(c, http.StatusBadRequest, "Upload rejected", err)
		return
	}
	if err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to submit document", err)
		return
	}

	c.JSON(http.StatusAccepted, SubmitResponse{
		WorkflowID: wf.ID,
		State:      string(wf.State),
		Filename:   wf.Filename,
		CreatedAt:  wf.CreatedAt.Format(time.RFC3339),
	})
}

// Get returns the workflow record including progress and error summary.
func (h *WorkflowHandler) Get(c *gin.Context) {
	id := c.Param("id")

	wf, err := h.service.GetWorkflow(c.Request.Context(), id)
	if errors.Is(err, workflow.ErrWorkflowNotFound) {
		h.handleError(c, http.StatusNotFound, "Workflow not found", err)
		return
	}
	if err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to load workflow", err)
		return
	}

	c.JSON(http.StatusOK, wf)
}

// ListSteps returns all per-page steps of a workflow in page order.
func (h *WorkflowHandler) ListSteps(c *gin.Context) {
	id := c.Param("id")

	steps, err := h.service.ListSteps(c.Request.Context(), id)
	if errors.Is(err, workflow.ErrWorkflowNotFound) {
		h.handleError(c, http.StatusNotFound, "Workflow not found", err)
		return
	}
	if err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to load steps", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workflowId": id,
		"steps":      steps,
	})
}

// Cancel stops a non-terminal workflow from starting new page work.
func (h *WorkflowHandler) Cancel(c *gin.Context) {
	id := c.Param("id")

	err := h.service.Cancel(c.Request.Context(), id)
	if errors.Is(err, workflow.ErrWorkflowNotFound) {
		h.handleError(c, http.StatusNotFound, "Workflow not found", err)
		return
	}
	if errors.Is(err, document.ErrAlreadyTerminal) {
		h.handleError(c, http.StatusConflict, "Workflow already finished", err)
		return
	}
	if err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to cancel workflow", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "Workflow cancelled",
		"workflowId": id,
	})
}

// RateLimitStatus reports remaining budget for a resource key without
// consuming a slot.
func (h *WorkflowHandler) RateLimitStatus(c *gin.Context) {
	key := c.Param("key")

	decision, err := h.service.RateLimitStatus(c.Request.Context(), key)
	if errors.Is(err, document.ErrUnknownResource) {
		h.handleError(c, http.StatusNotFound, "Unknown resource key", err)
		return
	}
	if err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to read rate limit status", err)
		return
	}

	c.JSON(http.StatusOK, decision)
}

func (h *WorkflowHandler) handleError(c *gin.Context, status int, message string, err error) {
	h.logger.Error(message,
		logger.String("path", c.Request.URL.Path),
		logger.Error(err),
	)

	response := ErrorResponse{Message: message}
	if err != nil {
		response.Error = err.Error()
	}
	c.JSON(status, response)
}
