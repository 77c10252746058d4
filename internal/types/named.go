package types

import (
	"time"

	"gorm.io/datatypes"
)

type TaskNamespace struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string    `gorm:"column:name;not null;uniqueIndex" json:"name"`
	Description string    `gorm:"column:description" json:"description,omitempty"`
	CreatedAt   time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt   time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (TaskNamespace) TableName() string { return "task_namespaces" }

type DependentSystem struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string    `gorm:"column:name;not null;uniqueIndex" json:"name"`
	Description string    `gorm:"column:description" json:"description,omitempty"`
	CreatedAt   time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt   time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (DependentSystem) TableName() string { return "dependent_systems" }

// DependentSystemObjectMap records that an object in one dependent system
// corresponds to an object in another. Handlers use it to translate
// identifiers across system boundaries.
type DependentSystemObjectMap struct {
	ID                   int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	DependentSystemOneID int64     `gorm:"column:dependent_system_one_id;not null;index" json:"dependent_system_one_id"`
	DependentSystemTwoID int64     `gorm:"column:dependent_system_two_id;not null;index" json:"dependent_system_two_id"`
	RemoteIDOne          string    `gorm:"column:remote_id_one;not null" json:"remote_id_one"`
	RemoteIDTwo          string    `gorm:"column:remote_id_two;not null" json:"remote_id_two"`
	CreatedAt            time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt            time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (DependentSystemObjectMap) TableName() string { return "dependent_system_object_maps" }

// NamedTask is a registered workflow: a (namespace, name, version) triple
// plus opaque configuration. Tasks are instantiated from it.
type NamedTask struct {
	ID            int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	NamespaceID   int64          `gorm:"column:namespace_id;not null;uniqueIndex:idx_named_tasks_ns_name_version" json:"namespace_id"`
	Namespace     *TaskNamespace `gorm:"foreignKey:NamespaceID;references:ID" json:"namespace,omitempty"`
	Name          string         `gorm:"column:name;not null;uniqueIndex:idx_named_tasks_ns_name_version" json:"name"`
	Version       string         `gorm:"column:version;not null;uniqueIndex:idx_named_tasks_ns_name_version" json:"version"`
	Configuration datatypes.JSON `gorm:"column:configuration;type:jsonb" json:"configuration,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (NamedTask) TableName() string { return "named_tasks" }

type NamedStep struct {
	ID                int64            `gorm:"primaryKey;autoIncrement" json:"id"`
	DependentSystemID int64            `gorm:"column:dependent_system_id;not null;uniqueIndex:idx_named_steps_system_name" json:"dependent_system_id"`
	DependentSystem   *DependentSystem `gorm:"foreignKey:DependentSystemID;references:ID" json:"dependent_system,omitempty"`
	Name              string           `gorm:"column:name;not null;uniqueIndex:idx_named_steps_system_name" json:"name"`
	CreatedAt         time.Time        `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt         time.Time        `gorm:"not null;default:now()" json:"updated_at"`
}

func (NamedStep) TableName() string { return "named_steps" }

// NamedTasksNamedStep binds a named step into a named task version together
// with the per-template execution defaults.
type NamedTasksNamedStep struct {
	ID                int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	NamedTaskID       int64     `gorm:"column:named_task_id;not null;uniqueIndex:idx_ntns_task_step" json:"named_task_id"`
	NamedStepID       int64     `gorm:"column:named_step_id;not null;uniqueIndex:idx_ntns_task_step" json:"named_step_id"`
	Position          int       `gorm:"column:position;not null;default:0" json:"position"`
	DefaultRetryable  bool      `gorm:"column:default_retryable;not null;default:true" json:"default_retryable"`
	DefaultRetryLimit int       `gorm:"column:default_retry_limit;not null;default:3" json:"default_retry_limit"`
	Skippable         bool      `gorm:"column:skippable;not null;default:false" json:"skippable"`
	HandlerClass      string    `gorm:"column:handler_class;not null" json:"handler_class"`
	DependsOn         string    `gorm:"column:depends_on" json:"depends_on,omitempty"` // comma-separated parent step names
	CreatedAt         time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt         time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (NamedTasksNamedStep) TableName() string { return "named_tasks_named_steps" }
