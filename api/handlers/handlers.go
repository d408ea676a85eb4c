package handlers

import (
	"github.com/docpipe/docpipe/internal/service/document"
	"github.com/docpipe/docpipe/pkg/logger"
)

type Handlers struct {
	Workflow *WorkflowHandler
}

func NewHandlers(svc document.Service, log logger.Logger) *Handlers {
	return &Handlers{
		Workflow: NewWorkflowHandler(svc, log),
	}
}
