package temporalx

import (
	"context"
	"time"

	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/yungbote/conductor/internal/pkg/logger"
	"github.com/yungbote/conductor/internal/temporalx/taskcycle"
)

// Reenqueuer schedules a task cycle through Temporal: signal-with-start on
// the task's workflow id. If the workflow is already running the signal just
// wakes its sleep, so duplicate enqueues for one task collapse to one
// execution — the idempotency the engine requires from its host job system.
type Reenqueuer struct {
	log *logger.Logger
	tc  temporalsdkclient.Client
	cfg Config
}

func NewReenqueuer(log *logger.Logger, tc temporalsdkclient.Client) *Reenqueuer {
	return &Reenqueuer{
		log: log.With("component", "TemporalReenqueuer"),
		tc:  tc,
		cfg: LoadConfig(),
	}
}

func (r *Reenqueuer) Enqueue(ctx context.Context, taskID int64, delay time.Duration) error {
	opts := temporalsdkclient.StartWorkflowOptions{
		ID:        taskcycle.WorkflowID(taskID),
		TaskQueue: r.cfg.TaskQueue,
	}
	if delay > 0 {
		opts.StartDelay = delay
	}
	_, err := r.tc.SignalWithStartWorkflow(ctx, taskcycle.WorkflowID(taskID), taskcycle.SignalReenqueue, int(delay/time.Second), opts, taskcycle.WorkflowName)
	if err != nil {
		r.log.Warn("signal-with-start failed", "task_id", taskID, "error", err)
		return err
	}
	return nil
}
