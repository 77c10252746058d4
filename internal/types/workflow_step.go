package types

import (
	"time"

	"gorm.io/datatypes"
)

// WorkflowStep is one node of a task's DAG. Mutated only by the executor and
// the state machine; readers treat it as a projection.
type WorkflowStep struct {
	ID                    int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID                int64          `gorm:"column:task_id;not null;index;uniqueIndex:idx_workflow_steps_task_named_step,priority:1" json:"task_id"`
	Task                  *Task          `gorm:"foreignKey:TaskID;references:ID" json:"task,omitempty"`
	NamedStepID           int64          `gorm:"column:named_step_id;not null;uniqueIndex:idx_workflow_steps_task_named_step,priority:2" json:"named_step_id"`
	NamedStep             *NamedStep     `gorm:"foreignKey:NamedStepID;references:ID" json:"named_step,omitempty"`
	Name                  string         `gorm:"column:name;not null;index" json:"name"`
	SortKey               int            `gorm:"column:sort_key;not null;default:0" json:"sort_key"`
	Attempts              int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	RetryLimit            int            `gorm:"column:retry_limit;not null;default:3" json:"retry_limit"`
	Retryable             *bool          `gorm:"column:retryable" json:"retryable,omitempty"` // NULL means retryable
	Skippable             bool           `gorm:"column:skippable;not null;default:false" json:"skippable"`
	InProcess             bool           `gorm:"column:in_process;not null;default:false;index" json:"in_process"`
	Processed             bool           `gorm:"column:processed;not null;default:false;index" json:"processed"`
	LastAttemptedAt       *time.Time     `gorm:"column:last_attempted_at" json:"last_attempted_at,omitempty"`
	BackoffRequestSeconds *int           `gorm:"column:backoff_request_seconds" json:"backoff_request_seconds,omitempty"`
	Inputs                datatypes.JSON `gorm:"column:inputs;type:jsonb" json:"inputs,omitempty"`
	Results               datatypes.JSON `gorm:"column:results;type:jsonb" json:"results,omitempty"`
	CreatedAt             time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt             time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (WorkflowStep) TableName() string { return "workflow_steps" }

// IsRetryable treats a NULL retryable column as true.
func (s *WorkflowStep) IsRetryable() bool {
	return s.Retryable == nil || *s.Retryable
}

// WorkflowStepEdge is one directed dependency inside a task's DAG. Immutable
// after task instantiation.
type WorkflowStepEdge struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID     int64     `gorm:"column:task_id;not null;index" json:"task_id"`
	FromStepID int64     `gorm:"column:from_step_id;not null;uniqueIndex:idx_step_edges_from_to_name" json:"from_step_id"`
	ToStepID   int64     `gorm:"column:to_step_id;not null;uniqueIndex:idx_step_edges_from_to_name" json:"to_step_id"`
	Name       string    `gorm:"column:name;not null;uniqueIndex:idx_step_edges_from_to_name" json:"name"`
	CreatedAt  time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (WorkflowStepEdge) TableName() string { return "workflow_step_edges" }
