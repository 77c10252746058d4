package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yungbote/conductor/internal/pkg/apperr"
	"github.com/yungbote/conductor/internal/pkg/logger"
	"github.com/yungbote/conductor/internal/readiness"
	"github.com/yungbote/conductor/internal/repos"
	"github.com/yungbote/conductor/internal/statemachine"
	"github.com/yungbote/conductor/internal/types"
)

// FailingStep is the user-visible record of a step that is currently in
// error: name, last failure time, last error message and attempt count.
type FailingStep struct {
	StepID        int64      `json:"step_id"`
	Name          string     `json:"name"`
	Attempts      int        `json:"attempts"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	Permanent     bool       `json:"permanent"`
}

// TaskDetail is the read model behind GET /v1/tasks/:id.
type TaskDetail struct {
	Task             *types.Task                     `json:"task"`
	CurrentState     string                          `json:"current_state"`
	ExecutionContext *readiness.TaskExecutionContext `json:"execution_context"`
	FailingSteps     []FailingStep                   `json:"failing_steps,omitempty"`
	History          []*types.TaskTransition         `json:"history,omitempty"`
}

// QueryService answers read-only questions about tasks without touching
// their state.
type QueryService struct {
	tasks       repos.TaskRepo
	transitions repos.TransitionRepo
	machine     *statemachine.Machine
	readiness   *readiness.Engine
	log         *logger.Logger
}

func NewQueryService(tasks repos.TaskRepo, transitions repos.TransitionRepo, machine *statemachine.Machine, readinessEngine *readiness.Engine, baseLog *logger.Logger) *QueryService {
	return &QueryService{
		tasks:       tasks,
		transitions: transitions,
		machine:     machine,
		readiness:   readinessEngine,
		log:         baseLog.With("service", "QueryService"),
	}
}

func (s *QueryService) GetTaskDetail(ctx context.Context, taskID int64) (*TaskDetail, error) {
	task, err := s.tasks.GetByID(ctx, nil, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %d: %w", taskID, apperr.ErrNotFound)
	}
	state, err := s.machine.CurrentTaskState(ctx, nil, taskID)
	if err != nil {
		return nil, err
	}
	execCtx, err := s.readiness.ExecutionContext(ctx, taskID)
	if err != nil {
		return nil, err
	}
	detail := &TaskDetail{
		Task:             task,
		CurrentState:     state,
		ExecutionContext: execCtx,
	}
	if history, err := s.transitions.ListTaskTransitions(ctx, nil, taskID); err == nil {
		detail.History = history
	}

	rows, err := s.readiness.Readiness(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.CurrentState != statemachine.StepError {
			continue
		}
		failing := FailingStep{
			StepID:        r.StepID,
			Name:          r.Name,
			Attempts:      r.Attempts,
			LastFailureAt: r.LastFailureAt,
		}
		if tr, err := s.machine.MostRecentStepTo(ctx, nil, r.StepID, statemachine.StepError); err == nil && tr != nil && len(tr.Metadata) > 0 {
			var meta map[string]any
			if json.Unmarshal(tr.Metadata, &meta) == nil {
				if msg, ok := meta["error"].(string); ok {
					failing.LastError = msg
				}
				if p, ok := meta["permanent"].(bool); ok {
					failing.Permanent = p
				}
			}
		}
		detail.FailingSteps = append(detail.FailingSteps, failing)
	}
	return detail, nil
}

func (s *QueryService) GetWorkflowSummary(ctx context.Context, taskID int64) (*readiness.TaskWorkflowSummary, error) {
	task, err := s.tasks.GetByID(ctx, nil, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %d: %w", taskID, apperr.ErrNotFound)
	}
	return s.readiness.WorkflowSummary(ctx, taskID)
}
