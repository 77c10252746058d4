package readiness

import "time"

// Execution status labels derived from the per-step aggregate.
const (
	StatusAllComplete            = "all_complete"
	StatusBlockedByFailures      = "blocked_by_failures"
	StatusHasReadySteps          = "has_ready_steps"
	StatusWaitingForDependencies = "waiting_for_dependencies"
	StatusProcessing             = "processing"
)

// Health labels for the execution context.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthBlocked  = "blocked"
	HealthComplete = "complete"
)

// Recommended actions for the execution context.
const (
	ActionFinalize  = "finalize"
	ActionExecute   = "execute"
	ActionWait      = "wait"
	ActionIntervene = "intervene"
)

// Parallelism labels for the workflow summary.
const (
	ParallelismSequential = "sequential"
	ParallelismModerate   = "moderate_parallelism"
	ParallelismHigh       = "high_parallelism"
)

// StepReadinessRow is the engine's answer to "may this step run right now,
// and if not, why". One row per step; plain value, never mutated by readers.
type StepReadinessRow struct {
	StepID                int64      `json:"step_id"`
	TaskID                int64      `json:"task_id"`
	Name                  string     `json:"name"`
	SortKey               int        `json:"sort_key"`
	CurrentState          string     `json:"current_state"`
	DependenciesSatisfied bool       `json:"dependencies_satisfied"`
	TotalParents          int        `json:"total_parents"`
	CompletedParents      int        `json:"completed_parents"`
	Attempts              int        `json:"attempts"`
	RetryLimit            int        `json:"retry_limit"`
	Retryable             bool       `json:"retryable"`
	RetryEligible         bool       `json:"retry_eligible"`
	NextRetryAt           *time.Time `json:"next_retry_at,omitempty"`
	LastFailureAt         *time.Time `json:"last_failure_at,omitempty"`
	BackoffRequestSeconds *int       `json:"backoff_request_seconds,omitempty"`
	LastAttemptedAt       *time.Time `json:"last_attempted_at,omitempty"`
	InProcess             bool       `json:"in_process"`
	Processed             bool       `json:"processed"`
	Skippable             bool       `json:"skippable"`
	ReadyForExecution     bool       `json:"ready_for_execution"`
}

// EffectiveRetryLimit treats retry_limit as the total attempt budget with a
// floor of one execution: a step with retry_limit 0 still runs once, and its
// first failure is terminal.
func EffectiveRetryLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	return limit
}

// ExhaustedFailure reports whether the step has failed with no path back to
// pending: out of attempts, or marked non-retryable (permanent failures are
// recorded by flipping retryable off).
func (r StepReadinessRow) ExhaustedFailure() bool {
	if r.CurrentState != "error" {
		return false
	}
	return r.Attempts >= EffectiveRetryLimit(r.RetryLimit) || !r.Retryable
}

// TaskExecutionContext aggregates per-step state into one task-level view.
type TaskExecutionContext struct {
	TaskID               int64      `json:"task_id"`
	TotalSteps           int        `json:"total_steps"`
	Pending              int        `json:"pending"`
	InProgress           int        `json:"in_progress"`
	Complete             int        `json:"complete"`
	Error                int        `json:"error"`
	Ready                int        `json:"ready"`
	CompletionPercentage float64    `json:"completion_percentage"`
	ExecutionStatus      string     `json:"execution_status"`
	HealthStatus         string     `json:"health_status"`
	RecommendedAction    string     `json:"recommended_action"`
	MinNextRetryAt       *time.Time `json:"min_next_retry_at,omitempty"`
}

// BlockedStep names a step that cannot run and the first reason why.
type BlockedStep struct {
	StepID int64  `json:"step_id"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// TaskWorkflowSummary adds DAG shape analysis on top of the execution
// context.
type TaskWorkflowSummary struct {
	TaskExecutionContext

	RootStepIDs           []int64       `json:"root_step_ids"`
	LeafStepIDs           []int64       `json:"leaf_step_ids"`
	NextExecutableStepIDs []int64       `json:"next_executable_step_ids"`
	BlockedSteps          []BlockedStep `json:"blocked_steps,omitempty"`
	MaxDependencyDepth    int           `json:"max_dependency_depth"`
	ParallelBranchCount   int           `json:"parallel_branch_count"`
	WorkflowEfficiency    float64       `json:"workflow_efficiency"`
	ParallelismPotential  string        `json:"parallelism_potential"`
}
