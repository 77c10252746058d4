package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/conductor/internal/backoff"
	"github.com/yungbote/conductor/internal/events"
	"github.com/yungbote/conductor/internal/pkg/apperr"
	"github.com/yungbote/conductor/internal/pkg/logger"
	"github.com/yungbote/conductor/internal/statemachine"
	"github.com/yungbote/conductor/internal/types"
)

// StepResult is the executor's record of one step invocation.
type StepResult struct {
	StepID   int64
	Name     string
	State    string
	Attempt  int
	Output   map[string]any
	Err      error
	TimedOut bool
}

// Resolver maps a step to its handler. The coordinator builds one per task
// from the template bindings.
type Resolver func(step *types.WorkflowStep) (Handler, error)

// Executor dispatches a batch of viable steps to their handlers with bounded
// concurrency, records every outcome through the state machine, and enforces
// the per-batch timeout. Each step's claim, invocation and result recording
// run in one transaction; a step already in_progress is never re-dispatched
// (the readiness predicate guarantees that upstream).
type Executor struct {
	db       *gorm.DB
	machine  *statemachine.Machine
	backoff  backoff.Config
	governor *Governor
	bus      *events.Bus
	cfg      ExecutionConfig
	log      *logger.Logger
}

func NewExecutor(
	db *gorm.DB,
	machine *statemachine.Machine,
	backoffCfg backoff.Config,
	governor *Governor,
	bus *events.Bus,
	cfg ExecutionConfig,
	baseLog *logger.Logger,
) *Executor {
	return &Executor{
		db:       db,
		machine:  machine,
		backoff:  backoffCfg,
		governor: governor,
		bus:      bus,
		cfg:      cfg,
		log:      baseLog.With("component", "StepExecutor"),
	}
}

// Execute runs one batch. Steps are dispatched in the given (stable) order;
// there is no completion-order guarantee inside the batch.
func (x *Executor) Execute(ctx context.Context, task *types.Task, seq *StepSequence, steps []*types.WorkflowStep, resolve Resolver) []StepResult {
	if len(steps) == 0 {
		return nil
	}
	capValue := x.governor.ConcurrencyCap(ctx)
	if capValue < 1 {
		capValue = 1
	}
	timeout := x.cfg.BatchTimeout(len(steps))
	// The batch deadline bounds handler invocations only; result recording
	// still has to land after a timeout, so DB writes ride the parent ctx.
	bctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make([]StepResult, len(steps))
	g := new(errgroup.Group)
	g.SetLimit(capValue)
	start := time.Now()
	for i, step := range steps {
		i, step := i, step
		g.Go(func() error {
			results[i] = x.runStep(ctx, bctx, task, seq, step, resolve)
			return nil
		})
	}
	_ = g.Wait()

	if len(steps) >= 6 || time.Since(start) >= 30*time.Second {
		// Large or long batches can strand handler allocations; give the
		// runtime a nudge before the next cycle iteration.
		runtime.GC()
	}
	return results
}

func (x *Executor) runStep(ctx context.Context, handlerCtx context.Context, task *types.Task, seq *StepSequence, step *types.WorkflowStep, resolve Resolver) StepResult {
	res := StepResult{StepID: step.ID, Name: step.Name}

	handler, err := resolve(step)
	if err != nil || handler == nil {
		if err == nil {
			err = fmt.Errorf("no handler for step %q", step.Name)
		}
		res.Err = err
		res.State = statemachine.StepError
		return res
	}

	txErr := x.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := x.machine.CurrentStepState(ctx, tx, step.ID)
		if err != nil {
			return err
		}
		if cur == statemachine.StepInProgress {
			return fmt.Errorf("step %d already in progress", step.ID)
		}

		attempt := step.Attempts + 1
		res.Attempt = attempt

		if cur == statemachine.StepError {
			// Retry transition (error -> pending). The attempts counter itself
			// moves once per execution start, in the update below, for first
			// runs and retries alike.
			if _, err := x.machine.TransitionStep(ctx, tx, step.ID, statemachine.StepPending, map[string]any{
				statemachine.MetadataKeyRetryAttempt: attempt,
			}); err != nil {
				return err
			}
		}
		if _, err := x.machine.TransitionStep(ctx, tx, step.ID, statemachine.StepInProgress, map[string]any{
			"attempt_number": attempt,
		}); err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := tx.Model(&types.WorkflowStep{}).Where("id = ?", step.ID).Updates(map[string]interface{}{
			"attempts":          attempt,
			"in_process":        true,
			"last_attempted_at": now,
			"updated_at":        now,
		}).Error; err != nil {
			return err
		}
		step.Attempts = attempt
		step.InProcess = true
		step.LastAttemptedAt = &now

		x.bus.Publish(ctx, events.Event{
			Name:     events.StepBeforeHandle,
			TaskID:   task.ID,
			StepID:   step.ID,
			Metadata: map[string]any{"step": step.Name, "attempt": attempt},
		})

		output, handleErr := x.invoke(handlerCtx, handler, task, seq, step)
		if handleErr == nil {
			return x.recordSuccess(ctx, tx, step, attempt, output, &res)
		}
		return x.recordFailure(ctx, tx, step, attempt, handleErr, &res)
	})
	if txErr != nil {
		// Infrastructure failure: the transaction rolled back, state is
		// intact, the host job system retries the cycle.
		if res.Err == nil {
			res.Err = txErr
		}
		if res.State == "" {
			res.State = statemachine.StepError
		}
		x.log.Error("step execution transaction failed", "step_id", step.ID, "error", txErr)
		return res
	}
	x.publishOutcome(ctx, task, step, res)
	return res
}

// invoke runs the handler with the batch deadline. A handler that cannot
// observe cancellation runs to completion on its goroutine; its result is
// discarded and the step is retried.
func (x *Executor) invoke(ctx context.Context, handler Handler, task *types.Task, seq *StepSequence, step *types.WorkflowStep) (map[string]any, error) {
	type out struct {
		m map[string]any
		e error
	}
	ch := make(chan out, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- out{e: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		m, e := handler.Handle(ctx, task, seq, step)
		ch <- out{m: m, e: e}
	}()
	select {
	case <-ctx.Done():
		return nil, apperr.Retryable(fmt.Errorf("step %q: %w", step.Name, apperr.ErrTimeout))
	case o := <-ch:
		return o.m, o.e
	}
}

func (x *Executor) recordSuccess(ctx context.Context, tx *gorm.DB, step *types.WorkflowStep, attempt int, output map[string]any, res *StepResult) error {
	if _, err := x.machine.TransitionStep(ctx, tx, step.ID, statemachine.StepComplete, map[string]any{
		"attempt_number": attempt,
	}); err != nil {
		return err
	}
	var resultsJSON datatypes.JSON
	if output != nil {
		if b, err := json.Marshal(output); err == nil {
			resultsJSON = datatypes.JSON(b)
		}
	}
	now := time.Now().UTC()
	if err := tx.Model(&types.WorkflowStep{}).Where("id = ?", step.ID).Updates(map[string]interface{}{
		"in_process":              false,
		"processed":               true,
		"results":                 resultsJSON,
		"backoff_request_seconds": nil,
		"updated_at":              now,
	}).Error; err != nil {
		return err
	}
	step.InProcess = false
	step.Processed = true
	step.Results = resultsJSON
	step.BackoffRequestSeconds = nil
	res.State = statemachine.StepComplete
	res.Output = output
	return nil
}

func (x *Executor) recordFailure(ctx context.Context, tx *gorm.DB, step *types.WorkflowStep, attempt int, handleErr error, res *StepResult) error {
	res.Err = handleErr
	res.State = statemachine.StepError
	res.TimedOut = errors.Is(handleErr, apperr.ErrTimeout)

	meta := map[string]any{
		"attempt_number": attempt,
		"error":          handleErr.Error(),
	}
	if res.TimedOut {
		meta["code"] = "timeout"
	}
	updates := map[string]interface{}{
		"in_process": false,
		"updated_at": time.Now().UTC(),
	}

	if apperr.IsPermanent(handleErr) {
		meta["permanent"] = true
		var pe *apperr.PermanentError
		if errors.As(handleErr, &pe) && pe.Code != "" {
			meta["code"] = pe.Code
		}
		// No backoff, no further attempts: the step is done retrying.
		updates["retryable"] = false
		updates["backoff_request_seconds"] = nil
		retryableFalse := false
		step.Retryable = &retryableFalse
		step.BackoffRequestSeconds = nil
	} else {
		var after *int
		if v, ok := apperr.RetryAfterSeconds(handleErr); ok {
			after = &v
		}
		delay := x.backoff.DelaySeconds(attempt, after)
		meta["backoff_seconds"] = delay
		updates["backoff_request_seconds"] = delay
		step.BackoffRequestSeconds = &delay
	}

	if _, err := x.machine.TransitionStep(ctx, tx, step.ID, statemachine.StepError, meta); err != nil {
		return err
	}
	if err := tx.Model(&types.WorkflowStep{}).Where("id = ?", step.ID).Updates(updates).Error; err != nil {
		return err
	}
	step.InProcess = false
	return nil
}

func (x *Executor) publishOutcome(ctx context.Context, task *types.Task, step *types.WorkflowStep, res StepResult) {
	switch res.State {
	case statemachine.StepComplete:
		x.bus.Publish(ctx, events.Event{
			Name:   events.StepCompleted,
			TaskID: task.ID,
			StepID: step.ID,
			Metadata: map[string]any{
				"step":    step.Name,
				"attempt": res.Attempt,
			},
		})
	case statemachine.StepError:
		meta := map[string]any{
			"step":    step.Name,
			"attempt": res.Attempt,
		}
		if res.Err != nil {
			meta["error"] = res.Err.Error()
		}
		x.bus.Publish(ctx, events.Event{Name: events.StepFailed, TaskID: task.ID, StepID: step.ID, Metadata: meta})
		if step.BackoffRequestSeconds != nil {
			x.bus.Publish(ctx, events.Event{
				Name:   events.StepBackoff,
				TaskID: task.ID,
				StepID: step.ID,
				Metadata: map[string]any{
					"step":            step.Name,
					"backoff_seconds": *step.BackoffRequestSeconds,
				},
			})
		}
	}
}
