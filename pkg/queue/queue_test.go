package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskIDs(t *testing.T) {
	assert.Equal(t, "split:wf-1", SplitTaskID("wf-1"))
	assert.Equal(t, "wf-1:step-9", PageTaskID("wf-1", "step-9"))

	// Distinct steps of the same workflow never collapse.
	assert.NotEqual(t, PageTaskID("wf-1", "step-1"), PageTaskID("wf-1", "step-2"))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5, cfg.MaxRetry)
	assert.Equal(t, 10*time.Minute, cfg.TaskTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Retention)
}
