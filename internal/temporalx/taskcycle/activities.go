package taskcycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/yungbote/conductor/internal/engine"
	"github.com/yungbote/conductor/internal/pkg/logger"
	"github.com/yungbote/conductor/internal/readiness"
	"github.com/yungbote/conductor/internal/statemachine"
)

// Activities hosts the RunCycle activity: one coordinator cycle per call.
type Activities struct {
	Log         *logger.Logger
	Coordinator *engine.Coordinator
	Machine     *statemachine.Machine
	Readiness   *readiness.Engine
	Capture     *CaptureReenqueuer
}

// RunCycle executes one cycle of the task and reports the finalizer's
// decision (terminal, or how long the workflow should sleep).
func (a *Activities) RunCycle(ctx context.Context, taskID int64) (CycleResult, error) {
	res := CycleResult{TaskID: taskID}
	if a == nil || a.Coordinator == nil || a.Machine == nil || a.Readiness == nil {
		return res, fmt.Errorf("taskcycle: activity not configured")
	}

	stopHB := a.startHeartbeat(ctx)
	defer stopHB()

	cycleErr := a.Coordinator.Handle(ctx, taskID)

	state, stateErr := a.Machine.CurrentTaskState(ctx, nil, taskID)
	if stateErr != nil {
		return res, stateErr
	}
	res.State = state
	res.Terminal = statemachine.IsTerminalTaskState(state) || state == statemachine.TaskError

	if cycleErr != nil {
		// Infrastructure failure: surface it so Temporal redelivers the
		// activity; task state is intact for the next cycle.
		res.Error = cycleErr.Error()
		return res, cycleErr
	}

	if execCtx, err := a.Readiness.ExecutionContext(ctx, taskID); err == nil {
		res.ExecutionStatus = execCtx.ExecutionStatus
	}
	if a.Capture != nil {
		if delay, ok := a.Capture.Take(taskID); ok {
			res.DelaySeconds = int(delay / time.Second)
		}
	}
	return res, nil
}

func (a *Activities) startHeartbeat(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}

// CaptureReenqueuer is the finalizer's Reenqueuer inside an activity: it
// records the chosen delay for the workflow loop instead of re-posting to
// the queue (the workflow IS the queue entry). Idempotent per task: the
// latest delay wins, duplicates collapse.
type CaptureReenqueuer struct {
	mu     sync.Mutex
	delays map[int64]time.Duration
}

func NewCaptureReenqueuer() *CaptureReenqueuer {
	return &CaptureReenqueuer{delays: map[int64]time.Duration{}}
}

func (c *CaptureReenqueuer) Enqueue(ctx context.Context, taskID int64, delay time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delays[taskID] = delay
	return nil
}

// Take removes and returns the captured delay for taskID.
func (c *CaptureReenqueuer) Take(taskID int64) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.delays[taskID]
	if ok {
		delete(c.delays, taskID)
	}
	return d, ok
}
