package readiness

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/conductor/internal/backoff"
	"github.com/yungbote/conductor/internal/pkg/apperr"
	"github.com/yungbote/conductor/internal/pkg/logger"
	"github.com/yungbote/conductor/internal/statemachine"
	"github.com/yungbote/conductor/internal/types"
)

// Engine is the single source of truth for "is step X ready to execute right
// now" and "what is the aggregate state of task T". It computes readiness
// in-process from three bounded queries (steps, edges, step transitions)
// instead of an N+1 traversal; query failures propagate, never degrade.
type Engine struct {
	db      *gorm.DB
	backoff backoff.Config
	log     *logger.Logger

	// now is swappable so tests can pin the clock.
	now func() time.Time
}

func NewEngine(db *gorm.DB, cfg backoff.Config, baseLog *logger.Logger) *Engine {
	return &Engine{
		db:      db,
		backoff: cfg,
		log:     baseLog.With("component", "ReadinessEngine"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock pins the engine's notion of now. Tests only.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Readiness returns one row per requested step (default: all steps of the
// task), ordered by (sort_key, step_id).
func (e *Engine) Readiness(ctx context.Context, taskID int64, stepIDs ...int64) ([]StepReadinessRow, error) {
	task, steps, edges, latest, lastFailure, err := e.load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	want := map[int64]bool{}
	for _, id := range stepIDs {
		want[id] = true
	}
	bypass := decodeBypass(task)
	stepsByID := map[int64]*types.WorkflowStep{}
	for _, s := range steps {
		stepsByID[s.ID] = s
	}
	parents := map[int64][]int64{}
	for _, edge := range edges {
		parents[edge.ToStepID] = append(parents[edge.ToStepID], edge.FromStepID)
	}

	now := e.now()
	rows := make([]StepReadinessRow, 0, len(steps))
	for _, s := range steps {
		if len(want) > 0 && !want[s.ID] {
			continue
		}
		rows = append(rows, e.buildRow(now, s, parents[s.ID], stepsByID, latest, lastFailure, bypass))
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].SortKey != rows[j].SortKey {
			return rows[i].SortKey < rows[j].SortKey
		}
		return rows[i].StepID < rows[j].StepID
	})
	return rows, nil
}

// ExecutionContext aggregates the readiness rows of one task.
func (e *Engine) ExecutionContext(ctx context.Context, taskID int64) (*TaskExecutionContext, error) {
	rows, err := e.Readiness(ctx, taskID)
	if err != nil {
		return nil, err
	}
	out := aggregate(taskID, rows)
	return &out, nil
}

// WorkflowSummary adds DAG shape analysis: roots, leaves, next-executable
// steps, blocked steps with reasons, depth and branch counts.
func (e *Engine) WorkflowSummary(ctx context.Context, taskID int64) (*TaskWorkflowSummary, error) {
	rows, err := e.Readiness(ctx, taskID)
	if err != nil {
		return nil, err
	}
	_, _, edges, _, _, err2 := e.load(ctx, taskID)
	if err2 != nil {
		return nil, err2
	}

	summary := &TaskWorkflowSummary{TaskExecutionContext: aggregate(taskID, rows)}

	hasParent := map[int64]bool{}
	hasChild := map[int64]bool{}
	children := map[int64][]int64{}
	parents := map[int64][]int64{}
	for _, edge := range edges {
		hasParent[edge.ToStepID] = true
		hasChild[edge.FromStepID] = true
		children[edge.FromStepID] = append(children[edge.FromStepID], edge.ToStepID)
		parents[edge.ToStepID] = append(parents[edge.ToStepID], edge.FromStepID)
	}

	depth := map[int64]int{}
	for _, r := range rows {
		if !hasParent[r.StepID] {
			summary.RootStepIDs = append(summary.RootStepIDs, r.StepID)
		}
		if !hasChild[r.StepID] {
			summary.LeafStepIDs = append(summary.LeafStepIDs, r.StepID)
		}
		if r.ReadyForExecution {
			summary.NextExecutableStepIDs = append(summary.NextExecutableStepIDs, r.StepID)
		}
		if reason := blockedReason(r); reason != "" {
			summary.BlockedSteps = append(summary.BlockedSteps, BlockedStep{StepID: r.StepID, Name: r.Name, Reason: reason})
		}
		depth[r.StepID] = stepDepth(r.StepID, parents, depth)
	}

	widths := map[int]int{}
	for _, d := range depth {
		if d > summary.MaxDependencyDepth {
			summary.MaxDependencyDepth = d
		}
		widths[d]++
	}
	for _, w := range widths {
		if w > summary.ParallelBranchCount {
			summary.ParallelBranchCount = w
		}
	}
	if summary.TotalSteps > 0 {
		summary.WorkflowEfficiency = float64(summary.Complete) / float64(summary.TotalSteps)
	}
	summary.ParallelismPotential = parallelismLabel(summary.ParallelBranchCount)
	return summary, nil
}

// -------------------- row construction --------------------

func (e *Engine) buildRow(
	now time.Time,
	s *types.WorkflowStep,
	parentIDs []int64,
	stepsByID map[int64]*types.WorkflowStep,
	latest map[int64]*types.WorkflowStepTransition,
	lastFailure map[int64]time.Time,
	bypass map[string]bool,
) StepReadinessRow {
	row := StepReadinessRow{
		StepID:                s.ID,
		TaskID:                s.TaskID,
		Name:                  s.Name,
		SortKey:               s.SortKey,
		CurrentState:          currentState(latest[s.ID]),
		TotalParents:          len(parentIDs),
		Attempts:              s.Attempts,
		RetryLimit:            s.RetryLimit,
		Retryable:             s.IsRetryable(),
		BackoffRequestSeconds: s.BackoffRequestSeconds,
		LastAttemptedAt:       s.LastAttemptedAt,
		InProcess:             s.InProcess,
		Processed:             s.Processed,
		Skippable:             s.Skippable,
	}
	if t, ok := lastFailure[s.ID]; ok {
		failedAt := t
		row.LastFailureAt = &failedAt
	}

	for _, pid := range parentIDs {
		parent := stepsByID[pid]
		if parent == nil {
			continue
		}
		state := currentState(latest[pid])
		if state == statemachine.StepComplete || (bypass[parent.Name] && parent.Skippable) {
			row.CompletedParents++
		}
	}
	row.DependenciesSatisfied = row.CompletedParents == row.TotalParents

	row.NextRetryAt = e.backoff.NextEligibleAt(row.Attempts, row.BackoffRequestSeconds, row.LastAttemptedAt, row.LastFailureAt)
	backoffExpired := row.NextRetryAt == nil || !now.Before(*row.NextRetryAt)

	row.RetryEligible = row.CurrentState == statemachine.StepError &&
		row.Attempts < EffectiveRetryLimit(row.RetryLimit) &&
		row.Retryable &&
		backoffExpired

	row.ReadyForExecution = (row.CurrentState == statemachine.StepPending || row.CurrentState == statemachine.StepError) &&
		!row.Processed &&
		!row.InProcess &&
		row.DependenciesSatisfied &&
		row.Attempts < EffectiveRetryLimit(row.RetryLimit) &&
		row.Retryable &&
		backoffExpired
	return row
}

func aggregate(taskID int64, rows []StepReadinessRow) TaskExecutionContext {
	out := TaskExecutionContext{TaskID: taskID, TotalSteps: len(rows)}
	anyExhausted := false
	for _, r := range rows {
		switch r.CurrentState {
		case statemachine.StepPending:
			out.Pending++
		case statemachine.StepInProgress:
			out.InProgress++
		case statemachine.StepComplete:
			out.Complete++
		case statemachine.StepError:
			out.Error++
		}
		if r.ReadyForExecution {
			out.Ready++
		}
		if r.ExhaustedFailure() {
			anyExhausted = true
		}
		if r.CurrentState == statemachine.StepError && !r.ExhaustedFailure() && r.NextRetryAt != nil {
			if out.MinNextRetryAt == nil || r.NextRetryAt.Before(*out.MinNextRetryAt) {
				at := *r.NextRetryAt
				out.MinNextRetryAt = &at
			}
		}
	}
	if out.TotalSteps > 0 {
		out.CompletionPercentage = 100 * float64(out.Complete) / float64(out.TotalSteps)
	}

	switch {
	case out.TotalSteps > 0 && out.Complete == out.TotalSteps:
		out.ExecutionStatus = StatusAllComplete
	case out.Error > 0 && out.Ready == 0 && anyExhausted:
		out.ExecutionStatus = StatusBlockedByFailures
	case out.Ready > 0:
		out.ExecutionStatus = StatusHasReadySteps
	case out.InProgress > 0:
		out.ExecutionStatus = StatusProcessing
	default:
		out.ExecutionStatus = StatusWaitingForDependencies
	}

	switch out.ExecutionStatus {
	case StatusAllComplete:
		out.HealthStatus = HealthComplete
		out.RecommendedAction = ActionFinalize
	case StatusBlockedByFailures:
		out.HealthStatus = HealthBlocked
		out.RecommendedAction = ActionIntervene
	case StatusHasReadySteps:
		out.HealthStatus = healthFromErrors(out.Error)
		out.RecommendedAction = ActionExecute
	default:
		out.HealthStatus = healthFromErrors(out.Error)
		out.RecommendedAction = ActionWait
	}
	return out
}

func healthFromErrors(errs int) string {
	if errs > 0 {
		return HealthDegraded
	}
	return HealthHealthy
}

func blockedReason(r StepReadinessRow) string {
	if r.ReadyForExecution || r.CurrentState == statemachine.StepComplete || r.InProcess {
		return ""
	}
	switch {
	case r.ExhaustedFailure():
		return "retries_exhausted"
	case !r.DependenciesSatisfied:
		return fmt.Sprintf("waiting_on_parents (%d/%d complete)", r.CompletedParents, r.TotalParents)
	case r.CurrentState == statemachine.StepError:
		return "backoff"
	}
	return ""
}

func parallelismLabel(branches int) string {
	switch {
	case branches >= 4:
		return ParallelismHigh
	case branches >= 2:
		return ParallelismModerate
	}
	return ParallelismSequential
}

func stepDepth(id int64, parents map[int64][]int64, memo map[int64]int) int {
	if d, ok := memo[id]; ok {
		return d
	}
	// Guard against a malformed cycle: mark before recursing.
	memo[id] = 0
	max := 0
	for _, pid := range parents[id] {
		if d := stepDepth(pid, parents, memo) + 1; d > max {
			max = d
		}
	}
	memo[id] = max
	return max
}

// -------------------- loading --------------------

func (e *Engine) load(ctx context.Context, taskID int64) (*types.Task, []*types.WorkflowStep, []*types.WorkflowStepEdge, map[int64]*types.WorkflowStepTransition, map[int64]time.Time, error) {
	var task types.Task
	if err := e.db.WithContext(ctx).Where("id = ?", taskID).First(&task).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil, nil, nil, nil, apperr.ErrNotFound
		}
		return nil, nil, nil, nil, nil, err
	}

	var steps []*types.WorkflowStep
	if err := e.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("sort_key ASC, id ASC").
		Find(&steps).Error; err != nil {
		return nil, nil, nil, nil, nil, err
	}

	var edges []*types.WorkflowStepEdge
	if err := e.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Find(&edges).Error; err != nil {
		return nil, nil, nil, nil, nil, err
	}

	ids := make([]int64, 0, len(steps))
	for _, s := range steps {
		ids = append(ids, s.ID)
	}
	latest := map[int64]*types.WorkflowStepTransition{}
	lastFailure := map[int64]time.Time{}
	if len(ids) > 0 {
		var transitions []*types.WorkflowStepTransition
		if err := e.db.WithContext(ctx).
			Where("workflow_step_id IN ?", ids).
			Order("workflow_step_id ASC, sort_key ASC").
			Find(&transitions).Error; err != nil {
			return nil, nil, nil, nil, nil, err
		}
		for _, tr := range transitions {
			latest[tr.WorkflowStepID] = tr
			if tr.ToState == statemachine.StepError {
				lastFailure[tr.WorkflowStepID] = tr.CreatedAt
			}
		}
	}
	return &task, steps, edges, latest, lastFailure, nil
}

func currentState(latest *types.WorkflowStepTransition) string {
	if latest == nil {
		return statemachine.StepPending
	}
	return latest.ToState
}

func decodeBypass(task *types.Task) map[string]bool {
	out := map[string]bool{}
	if task == nil || len(task.BypassSteps) == 0 {
		return out
	}
	var names []string
	if err := json.Unmarshal(task.BypassSteps, &names); err != nil {
		return out
	}
	for _, n := range names {
		out[n] = true
	}
	return out
}
