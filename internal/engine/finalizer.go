package engine

import (
	"context"
	"time"

	"github.com/yungbote/conductor/internal/backoff"
	"github.com/yungbote/conductor/internal/events"
	"github.com/yungbote/conductor/internal/pkg/logger"
	"github.com/yungbote/conductor/internal/readiness"
	"github.com/yungbote/conductor/internal/repos"
	"github.com/yungbote/conductor/internal/statemachine"
	"github.com/yungbote/conductor/internal/types"
)

// Finalizer interprets the task execution context after a cycle and picks
// one of five outcomes: terminal complete, terminal error, or a reenqueue
// (immediate, delayed, or paced by the earliest retry).
type Finalizer struct {
	machine    *statemachine.Machine
	tasks      repos.TaskRepo
	backoff    backoff.Config
	reenqueuer Reenqueuer
	bus        *events.Bus
	log        *logger.Logger

	now func() time.Time
}

func NewFinalizer(
	machine *statemachine.Machine,
	tasks repos.TaskRepo,
	backoffCfg backoff.Config,
	reenqueuer Reenqueuer,
	bus *events.Bus,
	baseLog *logger.Logger,
) *Finalizer {
	return &Finalizer{
		machine:    machine,
		tasks:      tasks,
		backoff:    backoffCfg,
		reenqueuer: reenqueuer,
		bus:        bus,
		log:        baseLog.With("component", "TaskFinalizer"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Finalize applies the outcome table for execCtx.ExecutionStatus.
func (f *Finalizer) Finalize(ctx context.Context, task *types.Task, execCtx *readiness.TaskExecutionContext) error {
	switch execCtx.ExecutionStatus {
	case readiness.StatusAllComplete:
		if _, err := f.machine.TransitionTask(ctx, nil, task.ID, statemachine.TaskComplete, map[string]any{
			"completion_percentage": execCtx.CompletionPercentage,
		}); err != nil {
			return err
		}
		if err := f.tasks.UpdateFields(ctx, nil, task.ID, map[string]interface{}{"complete": true}); err != nil {
			return err
		}
		f.bus.Publish(ctx, events.Event{Name: events.TaskCompleted, TaskID: task.ID})
		return nil

	case readiness.StatusBlockedByFailures:
		if _, err := f.machine.TransitionTask(ctx, nil, task.ID, statemachine.TaskError, map[string]any{
			"failed_steps": execCtx.Error,
		}); err != nil {
			return err
		}
		f.bus.Publish(ctx, events.Event{
			Name:     events.TaskFailed,
			TaskID:   task.ID,
			Metadata: map[string]any{"failed_steps": execCtx.Error},
		})
		return nil

	case readiness.StatusWaitingForDependencies:
		return f.reenqueue(ctx, task, execCtx.ExecutionStatus, f.waitingDelay(execCtx))

	default:
		// has_ready_steps, processing
		return f.reenqueue(ctx, task, execCtx.ExecutionStatus, f.backoff.ReenqueueDelay(execCtx.ExecutionStatus))
	}
}

// waitingDelay is max(configured waiting delay, time until the earliest
// retry becomes eligible) plus the buffer.
func (f *Finalizer) waitingDelay(execCtx *readiness.TaskExecutionContext) time.Duration {
	base, ok := f.backoff.ReenqueueDelays[readiness.StatusWaitingForDependencies]
	if !ok {
		base = f.backoff.DefaultReenqueueDelay
	}
	delay := time.Duration(base) * time.Second
	if execCtx.MinNextRetryAt != nil {
		if until := execCtx.MinNextRetryAt.Sub(f.now()); until > delay {
			delay = until
		}
	}
	return delay + time.Duration(f.backoff.BufferSeconds)*time.Second
}

func (f *Finalizer) reenqueue(ctx context.Context, task *types.Task, status string, delay time.Duration) error {
	if err := f.reenqueuer.Enqueue(ctx, task.ID, delay); err != nil {
		return err
	}
	f.bus.Publish(ctx, events.Event{
		Name:   events.TaskReenqueued,
		TaskID: task.ID,
		Metadata: map[string]any{
			"execution_status": status,
			"delay_seconds":    int(delay / time.Second),
		},
	})
	return nil
}
