package types

import (
	"time"

	"gorm.io/datatypes"
)

// Task is one live instance of a named workflow. Its current state lives in
// the transition log; the row itself carries the request identity and the
// opaque execution context handed to step handlers.
type Task struct {
	ID           int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	NamedTaskID  int64          `gorm:"column:named_task_id;not null;index" json:"named_task_id"`
	NamedTask    *NamedTask     `gorm:"foreignKey:NamedTaskID;references:ID" json:"named_task,omitempty"`
	Context      datatypes.JSON `gorm:"column:context;type:jsonb" json:"context"`
	RequestedAt  time.Time      `gorm:"column:requested_at;not null;index" json:"requested_at"`
	IdentityHash string         `gorm:"column:identity_hash;not null;uniqueIndex" json:"identity_hash"`
	Initiator    string         `gorm:"column:initiator;not null;default:unknown" json:"initiator"`
	SourceSystem string         `gorm:"column:source_system;not null;default:unknown" json:"source_system"`
	Reason       string         `gorm:"column:reason;not null;default:unknown" json:"reason"`
	Tags         datatypes.JSON `gorm:"column:tags;type:jsonb" json:"tags,omitempty"`
	BypassSteps  datatypes.JSON `gorm:"column:bypass_steps;type:jsonb" json:"bypass_steps,omitempty"`
	Complete     bool           `gorm:"column:complete;not null;default:false;index" json:"complete"`
	CreatedAt    time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null;default:now()" json:"updated_at"`

	WorkflowSteps []*WorkflowStep `gorm:"foreignKey:TaskID;references:ID" json:"workflow_steps,omitempty"`
}

func (Task) TableName() string { return "tasks" }
