package engine

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/conductor/internal/events"
	"github.com/yungbote/conductor/internal/pkg/apperr"
	"github.com/yungbote/conductor/internal/pkg/logger"
	"github.com/yungbote/conductor/internal/readiness"
	"github.com/yungbote/conductor/internal/repos"
	"github.com/yungbote/conductor/internal/statemachine"
	"github.com/yungbote/conductor/internal/types"
)

// Coordinator is the per-task driver. One Handle call runs one cycle:
// query readiness, dispatch every viable step, repeat until nothing is
// viable or the task is blocked, then hand the task to the finalizer.
// Cycle serialization per task is the host job system's per-task workflow
// key, backed by a Postgres advisory lock when the dialect provides one.
type Coordinator struct {
	db        *gorm.DB
	tasks     repos.TaskRepo
	steps     repos.WorkflowStepRepo
	named     repos.NamedRepo
	readiness *readiness.Engine
	machine   *statemachine.Machine
	executor  *Executor
	finalizer *Finalizer
	registry  *Registry
	bus       *events.Bus
	log       *logger.Logger
}

func NewCoordinator(
	db *gorm.DB,
	tasks repos.TaskRepo,
	steps repos.WorkflowStepRepo,
	named repos.NamedRepo,
	readinessEngine *readiness.Engine,
	machine *statemachine.Machine,
	executor *Executor,
	finalizer *Finalizer,
	registry *Registry,
	bus *events.Bus,
	baseLog *logger.Logger,
) *Coordinator {
	return &Coordinator{
		db:        db,
		tasks:     tasks,
		steps:     steps,
		named:     named,
		readiness: readinessEngine,
		machine:   machine,
		executor:  executor,
		finalizer: finalizer,
		registry:  registry,
		bus:       bus,
		log:       baseLog.With("component", "OrchestrationCoordinator"),
	}
}

// Handle runs one cycle for taskID. Terminal tasks are a no-op; a cancelled
// task halts dispatch at this cycle boundary.
func (c *Coordinator) Handle(ctx context.Context, taskID int64) error {
	task, err := c.tasks.GetByID(ctx, nil, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %d: %w", taskID, apperr.ErrNotFound)
	}

	unlock, err := c.acquireTaskLock(ctx, taskID)
	if err != nil {
		return err
	}
	defer unlock()

	state, err := c.machine.CurrentTaskState(ctx, nil, task.ID)
	if err != nil {
		return err
	}
	if statemachine.IsTerminalTaskState(state) {
		return nil
	}

	c.bus.Publish(ctx, events.Event{Name: events.CycleStarted, TaskID: task.ID})

	switch state {
	case statemachine.TaskPending:
		if _, err := c.machine.TransitionTask(ctx, nil, task.ID, statemachine.TaskInProgress, nil); err != nil {
			return err
		}
		c.bus.Publish(ctx, events.Event{Name: events.TaskStarted, TaskID: task.ID})
	case statemachine.TaskError:
		// Resuming a failed task (manual retry): back to in_progress.
		if _, err := c.machine.TransitionTask(ctx, nil, task.ID, statemachine.TaskInProgress, map[string]any{"resumed": true}); err != nil {
			return err
		}
	}

	resolve, err := c.buildResolver(ctx, task)
	if err != nil {
		return err
	}

	for {
		if cancelled, err := c.halted(ctx, task.ID); err != nil || cancelled {
			return err
		}

		rows, err := c.readiness.Readiness(ctx, task.ID)
		if err != nil {
			return err
		}
		viableIDs := make(map[int64]bool)
		for _, r := range rows {
			if r.ReadyForExecution {
				viableIDs[r.StepID] = true
			}
		}
		if len(viableIDs) == 0 {
			break
		}

		all, err := c.steps.ListByTask(ctx, nil, task.ID)
		if err != nil {
			return err
		}
		seq := NewStepSequence(all)
		viable := make([]*types.WorkflowStep, 0, len(viableIDs))
		for _, s := range seq.Steps() {
			if viableIDs[s.ID] {
				viable = append(viable, s)
			}
		}

		results := c.executor.Execute(ctx, task, seq, viable, resolve)
		claimed := false
		for _, r := range results {
			if r.Attempt > 0 {
				claimed = true
				break
			}
		}
		if !claimed {
			// Nothing was dispatched: a resolver/handler configuration hole.
			// Bail out instead of spinning on the same viable set.
			return fmt.Errorf("task %d: no viable step could be dispatched", task.ID)
		}

		execCtx, err := c.readiness.ExecutionContext(ctx, task.ID)
		if err != nil {
			return err
		}
		if execCtx.ExecutionStatus == readiness.StatusBlockedByFailures {
			break
		}
	}

	execCtx, err := c.readiness.ExecutionContext(ctx, task.ID)
	if err != nil {
		return err
	}
	err = c.finalizer.Finalize(ctx, task, execCtx)
	c.bus.Publish(ctx, events.Event{
		Name:     events.CycleFinished,
		TaskID:   task.ID,
		Metadata: map[string]any{"execution_status": execCtx.ExecutionStatus},
	})
	return err
}

// Cancel moves a task to cancelled. In-flight handlers are not interrupted;
// the next cycle observes the state and stops dispatching.
func (c *Coordinator) Cancel(ctx context.Context, taskID int64, reason string) error {
	task, err := c.tasks.GetByID(ctx, nil, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %d: %w", taskID, apperr.ErrNotFound)
	}
	meta := map[string]any{}
	if reason != "" {
		meta["reason"] = reason
	}
	if _, err := c.machine.TransitionTask(ctx, nil, taskID, statemachine.TaskCancelled, meta); err != nil {
		return err
	}
	c.bus.Publish(ctx, events.Event{Name: events.TaskCancelled, TaskID: taskID, Metadata: meta})
	return nil
}

func (c *Coordinator) halted(ctx context.Context, taskID int64) (bool, error) {
	state, err := c.machine.CurrentTaskState(ctx, nil, taskID)
	if err != nil {
		return false, err
	}
	return statemachine.IsTerminalTaskState(state), nil
}

// buildResolver loads the template bindings for the task's named task and
// closes over a named-step-id -> handler map.
func (c *Coordinator) buildResolver(ctx context.Context, task *types.Task) (Resolver, error) {
	bindings, err := c.named.ListTemplateBindings(ctx, nil, task.NamedTaskID)
	if err != nil {
		return nil, err
	}
	handlerByNamedStep := make(map[int64]string, len(bindings))
	for _, b := range bindings {
		handlerByNamedStep[b.NamedStepID] = b.HandlerClass
	}
	return func(step *types.WorkflowStep) (Handler, error) {
		class, ok := handlerByNamedStep[step.NamedStepID]
		if !ok {
			return nil, fmt.Errorf("step %q has no template binding", step.Name)
		}
		h, ok := c.registry.Get(class)
		if !ok {
			return nil, fmt.Errorf("handler %q not registered", class)
		}
		return h, nil
	}, nil
}

// acquireTaskLock takes a session-scoped advisory lock on postgres so two
// processes can never run cycles of the same task concurrently even if the
// host job system misbehaves. Lock and unlock must land on the same pooled
// connection, so the connection is pinned for the cycle. Other dialects
// return a no-op.
func (c *Coordinator) acquireTaskLock(ctx context.Context, taskID int64) (func(), error) {
	if c.db.Dialector == nil || c.db.Dialector.Name() != "postgres" {
		return func() {}, nil
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return nil, err
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", taskID); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return func() {
		if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", taskID); err != nil {
			c.log.Warn("advisory unlock failed", "task_id", taskID, "error", err)
		}
		_ = conn.Close()
	}, nil
}
