package taskcycle

const (
	WorkflowName     = "task_cycle"
	ActivityRunCycle = "task_cycle_run"
	SignalReenqueue  = "task_reenqueue"
)

// CycleResult is what one RunCycle activity reports back to the workflow.
type CycleResult struct {
	TaskID          int64  `json:"task_id"`
	State           string `json:"state"`
	ExecutionStatus string `json:"execution_status,omitempty"`
	Terminal        bool   `json:"terminal"`
	DelaySeconds    int    `json:"delay_seconds"`
	Error           string `json:"error,omitempty"`
}
