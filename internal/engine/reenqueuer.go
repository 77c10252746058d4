package engine

import (
	"context"
	"time"

	"github.com/yungbote/conductor/internal/pkg/logger"
)

// Reenqueuer places a task back on the host job queue after an optional
// delay. Implementations must be idempotent per (task, earliest allowed
// time): duplicate enqueues for the same task collapse to one execution.
type Reenqueuer interface {
	Enqueue(ctx context.Context, taskID int64, delay time.Duration) error
}

// NopReenqueuer logs and drops every enqueue. Used by tests; the app falls
// back to LoopReenqueuer when no host job system is configured.
type NopReenqueuer struct {
	Log *logger.Logger
}

func (n NopReenqueuer) Enqueue(ctx context.Context, taskID int64, delay time.Duration) error {
	if n.Log != nil {
		n.Log.Debug("reenqueue dropped (no job system configured)", "task_id", taskID, "delay", delay)
	}
	return nil
}
