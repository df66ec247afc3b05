package jobs

import (
	"context"
	"fmt"

	"github.com/brainless/datastorer/internal/catalog"
	"github.com/brainless/datastorer/internal/log"
)

// StatusTracker records task statuses locally and forwards them to the
// catalog. The local copy survives an unreachable catalog.
type StatusTracker struct {
	persistence *JobPersistence
}

// NewStatusTracker creates a tracker on the job database.
func NewStatusTracker(persistence *JobPersistence) *StatusTracker {
	return &StatusTracker{persistence: persistence}
}

// Update stores status and forwards it to writer when one is given. Only the
// local write can fail the call.
func (st *StatusTracker) Update(ctx context.Context, writer catalog.TaskStatusWriter, status catalog.TaskStatus) error {
	if err := st.persistence.SaveTaskStatus(status); err != nil {
		return fmt.Errorf("failed to save task status: %w", err)
	}
	if writer == nil {
		return nil
	}
	if err := writer.TaskStatusUpdate(ctx, status); err != nil {
		log.WithResource(status.EntityID).Warnf("Failed to record task status in catalog: %v", err)
	}
	return nil
}

// Get returns the last recorded status, or nil.
func (st *StatusTracker) Get(entityID, taskType, key string) (*catalog.TaskStatus, error) {
	return st.persistence.LoadTaskStatus(entityID, taskType, key)
}
