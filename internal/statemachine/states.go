package statemachine

// Task states.
const (
	TaskPending          = "pending"
	TaskInProgress       = "in_progress"
	TaskComplete         = "complete"
	TaskError            = "error"
	TaskCancelled        = "cancelled"
	TaskResolvedManually = "resolved_manually"
)

// Step states.
const (
	StepPending          = "pending"
	StepInProgress       = "in_progress"
	StepComplete         = "complete"
	StepError            = "error"
	StepCancelled        = "cancelled"
	StepResolvedManually = "resolved_manually"
)

// taskTransitions is the allowed set for tasks. Absence of any transition
// row means the entity is pending, so pending appears only as a source.
var taskTransitions = map[string]map[string]bool{
	TaskPending:    {TaskInProgress: true, TaskCancelled: true},
	TaskInProgress: {TaskComplete: true, TaskError: true, TaskCancelled: true},
	TaskError:      {TaskInProgress: true, TaskResolvedManually: true},
}

// stepTransitions is the allowed set for workflow steps. error -> pending is
// the retry transition.
var stepTransitions = map[string]map[string]bool{
	StepPending:    {StepInProgress: true, StepCancelled: true},
	StepInProgress: {StepComplete: true, StepError: true, StepCancelled: true},
	StepError:      {StepPending: true, StepResolvedManually: true, StepCancelled: true},
}

func TaskTransitionAllowed(from, to string) bool {
	return taskTransitions[from][to]
}

func StepTransitionAllowed(from, to string) bool {
	return stepTransitions[from][to]
}

func IsTerminalTaskState(state string) bool {
	switch state {
	case TaskComplete, TaskCancelled, TaskResolvedManually:
		return true
	}
	return false
}

func IsTerminalStepState(state string) bool {
	switch state {
	case StepComplete, StepCancelled, StepResolvedManually:
		return true
	}
	return false
}

// MetadataKeyRetryAttempt marks a step transition error -> pending as a retry.
const MetadataKeyRetryAttempt = "retry_attempt"
