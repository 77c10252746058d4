package types

import (
	"time"

	"gorm.io/datatypes"
)

// TaskTransition is one append-only row of a task's state history. Rows are
// never mutated after insert; the latest sort key is the current state.
type TaskTransition struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID    int64          `gorm:"column:task_id;not null;uniqueIndex:idx_task_transitions_task_sort,priority:1" json:"task_id"`
	FromState *string        `gorm:"column:from_state" json:"from_state,omitempty"`
	ToState   string         `gorm:"column:to_state;not null" json:"to_state"`
	SortKey   int            `gorm:"column:sort_key;not null;uniqueIndex:idx_task_transitions_task_sort,priority:2" json:"sort_key"`
	Metadata  datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
}

func (TaskTransition) TableName() string { return "task_transitions" }

// WorkflowStepTransition is the step-level counterpart of TaskTransition.
type WorkflowStepTransition struct {
	ID             int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkflowStepID int64          `gorm:"column:workflow_step_id;not null;uniqueIndex:idx_step_transitions_step_sort,priority:1" json:"workflow_step_id"`
	FromState      *string        `gorm:"column:from_state" json:"from_state,omitempty"`
	ToState        string         `gorm:"column:to_state;not null" json:"to_state"`
	SortKey        int            `gorm:"column:sort_key;not null;uniqueIndex:idx_step_transitions_step_sort,priority:2" json:"sort_key"`
	Metadata       datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;default:now()" json:"created_at"`
}

func (WorkflowStepTransition) TableName() string { return "workflow_step_transitions" }
