package taskcycle

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.temporal.io/sdk/workflow"
)

// Workflow drives one task to a terminal state: run a cycle activity, sleep
// for the delay the finalizer chose, repeat. The workflow id embeds the task
// id, which is what serializes cycles per task. A reenqueue signal cuts the
// current sleep short.
func Workflow(ctx workflow.Context) error {
	taskID, err := taskIDFromWorkflowID(workflow.GetInfo(ctx).WorkflowExecution.ID)
	if err != nil {
		return err
	}

	const (
		defaultPollInterval  = 5 * time.Second
		maxSleep             = 15 * time.Minute
		continueTickLimit    = 2000
		continueHistoryLimit = 15000
	)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 1 * time.Hour,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy:         nil, // Temporal's default activity retry policy redelivers a failed cycle
	})

	reenqueueCh := workflow.GetSignalChannel(ctx, SignalReenqueue)
	tickCount := 0

	for {
		tickCount++
		var out CycleResult
		if err := workflow.ExecuteActivity(ctx, ActivityRunCycle, taskID).Get(ctx, &out); err != nil {
			return err
		}
		if out.Terminal {
			if out.State == "error" {
				return fmt.Errorf("task %d failed (%s)", taskID, strings.TrimSpace(out.Error))
			}
			return nil
		}

		sleep := time.Duration(out.DelaySeconds) * time.Second
		if sleep <= 0 {
			sleep = defaultPollInterval
		}
		if sleep > maxSleep {
			sleep = maxSleep
		}
		sleepOrSignal(ctx, reenqueueCh, sleep)

		if shouldContinueAsNew(ctx, tickCount, continueTickLimit, continueHistoryLimit) {
			return workflow.NewContinueAsNewError(ctx, Workflow)
		}
	}
}

func sleepOrSignal(ctx workflow.Context, ch workflow.ReceiveChannel, maxWait time.Duration) {
	timer := workflow.NewTimer(ctx, maxWait)
	sel := workflow.NewSelector(ctx)
	sel.AddReceive(ch, func(c workflow.ReceiveChannel, more bool) {
		var v any
		c.Receive(ctx, &v)
	})
	sel.AddFuture(timer, func(f workflow.Future) {})
	sel.Select(ctx)
}

func shouldContinueAsNew(ctx workflow.Context, ticks int, maxTicks int, maxHistory int) bool {
	if maxTicks > 0 && ticks >= maxTicks {
		return true
	}
	info := workflow.GetInfo(ctx)
	if info == nil || maxHistory <= 0 {
		return false
	}
	return info.GetCurrentHistoryLength() >= maxHistory
}

// WorkflowID is "task_cycle_<task id>".
func WorkflowID(taskID int64) string {
	return fmt.Sprintf("%s_%d", WorkflowName, taskID)
}

func taskIDFromWorkflowID(workflowID string) (int64, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(workflowID), WorkflowName+"_")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("taskcycle: invalid workflow id %q", workflowID)
	}
	return id, nil
}
