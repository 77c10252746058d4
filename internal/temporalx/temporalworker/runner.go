package temporalworker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/yungbote/conductor/internal/engine"
	"github.com/yungbote/conductor/internal/pkg/envutil"
	"github.com/yungbote/conductor/internal/pkg/logger"
	"github.com/yungbote/conductor/internal/readiness"
	"github.com/yungbote/conductor/internal/statemachine"
	"github.com/yungbote/conductor/internal/temporalx"
	"github.com/yungbote/conductor/internal/temporalx/taskcycle"
)

// Runner polls the task queue and hosts the task-cycle workflow + activity.
type Runner struct {
	log *logger.Logger

	tc          temporalsdkclient.Client
	coordinator *engine.Coordinator
	machine     *statemachine.Machine
	readiness   *readiness.Engine
	capture     *taskcycle.CaptureReenqueuer
}

func NewRunner(
	log *logger.Logger,
	tc temporalsdkclient.Client,
	coordinator *engine.Coordinator,
	machine *statemachine.Machine,
	readinessEngine *readiness.Engine,
	capture *taskcycle.CaptureReenqueuer,
) (*Runner, error) {
	if tc == nil {
		return nil, fmt.Errorf("temporal client is not configured")
	}
	if coordinator == nil || machine == nil || readinessEngine == nil {
		return nil, fmt.Errorf("temporal worker missing deps")
	}
	return &Runner{
		log:         log,
		tc:          tc,
		coordinator: coordinator,
		machine:     machine,
		readiness:   readinessEngine,
		capture:     capture,
	}, nil
}

func (r *Runner) Start(ctx context.Context) error {
	if r == nil || r.tc == nil {
		return fmt.Errorf("temporal worker not initialized")
	}

	cfg := temporalx.LoadConfig()
	if r.log != nil {
		r.log.Info("Starting Temporal worker", "address", cfg.Address, "namespace", cfg.Namespace, "task_queue", cfg.TaskQueue)
	}

	if envutil.Bool("TEMPORAL_AUTO_REGISTER_NAMESPACE", false) {
		baseCtx := ctx
		if baseCtx == nil {
			baseCtx = context.Background()
		}
		if err := temporalx.EnsureNamespace(baseCtx, r.tc, cfg.Namespace, r.log); err != nil && r.log != nil {
			r.log.Warn("Temporal namespace ensure failed; worker will retry on start", "namespace", cfg.Namespace, "error", err)
		}
	}

	maxWait := envutil.Seconds("TEMPORAL_WORKER_START_MAX_WAIT_SECONDS", 60)
	backoff := time.Duration(envutil.Int("TEMPORAL_WORKER_START_BACKOFF_MS", 250)) * time.Millisecond
	backoffMax := time.Duration(envutil.Int("TEMPORAL_WORKER_START_BACKOFF_MAX_MS", 5000)) * time.Millisecond

	deadline := time.Now().Add(maxWait)

	for attempt := 1; ; attempt++ {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		w := r.newWorker(cfg)
		startErr := w.Start()
		if startErr == nil {
			if ctx != nil {
				go func() {
					<-ctx.Done()
					w.Stop()
				}()
			}
			if r.log != nil {
				r.log.Info("Temporal worker started", "namespace", cfg.Namespace, "task_queue", cfg.TaskQueue, "attempts", attempt)
			}
			return nil
		}
		w.Stop()

		if maxWait <= 0 || time.Now().After(deadline) {
			var nfe *serviceerror.NamespaceNotFound
			if errors.As(startErr, &nfe) {
				return fmt.Errorf("temporal namespace not found (namespace=%s): %w", cfg.Namespace, startErr)
			}
			return startErr
		}
		if r.log != nil {
			r.log.Warn("Temporal worker failed to start; retrying", "attempt", attempt, "error", startErr)
		}
		sleep := clampBackoff(backoff, backoffMax, attempt)
		if sleep > 0 {
			time.Sleep(sleep)
		}
	}
}

func (r *Runner) newWorker(cfg temporalx.Config) worker.Worker {
	concurrency := envutil.Int("WORKER_CONCURRENCY", 4)
	if concurrency < 1 {
		concurrency = 1
	}
	w := worker.New(r.tc, cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     concurrency,
		MaxConcurrentWorkflowTaskExecutionSize: concurrency,
	})

	acts := &taskcycle.Activities{
		Log:         r.log,
		Coordinator: r.coordinator,
		Machine:     r.machine,
		Readiness:   r.readiness,
		Capture:     r.capture,
	}
	w.RegisterWorkflowWithOptions(taskcycle.Workflow, workflow.RegisterOptions{Name: taskcycle.WorkflowName})
	w.RegisterActivityWithOptions(acts.RunCycle, activity.RegisterOptions{Name: taskcycle.ActivityRunCycle})
	return w
}

func clampBackoff(base time.Duration, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	sleep := base
	for i := 1; i < attempt; i++ {
		sleep *= 2
		if max > 0 && sleep >= max {
			return max
		}
	}
	if max > 0 && sleep > max {
		return max
	}
	return sleep
}
