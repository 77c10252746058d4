package statemachine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/conductor/internal/pkg/apperr"
	"github.com/yungbote/conductor/internal/pkg/logger"
	"github.com/yungbote/conductor/internal/types"
)

// Machine validates and durably records every task/step state change as an
// append-only transition row. Sort keys are allocated under a row lock on the
// owning entity so concurrent writers cannot interleave; the unique index on
// (entity, sort_key) backs that up.
type Machine struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, baseLog *logger.Logger) *Machine {
	return &Machine{
		db:  db,
		log: baseLog.With("component", "StateMachine"),
	}
}

// TransitionTask appends a task transition, failing with ErrInvalidTransition
// when (current -> toState) is not in the allowed set. When tx is nil the
// write runs in its own transaction.
func (m *Machine) TransitionTask(ctx context.Context, tx *gorm.DB, taskID int64, toState string, metadata map[string]any) (*types.TaskTransition, error) {
	toState = strings.TrimSpace(toState)
	if toState == "" {
		return nil, apperr.InvalidTransition("task", "", toState)
	}
	var out *types.TaskTransition
	err := m.inTx(ctx, tx, func(txx *gorm.DB) error {
		if err := m.lockTask(ctx, txx, taskID); err != nil {
			return err
		}
		last, err := latestTaskTransition(ctx, txx, taskID)
		if err != nil {
			return err
		}
		from, sortKey := TaskPending, 1
		var fromPtr *string
		if last != nil {
			from = last.ToState
			sortKey = last.SortKey + 1
			fromPtr = strPtr(last.ToState)
		}
		if !TaskTransitionAllowed(from, toState) {
			return apperr.InvalidTransition("task", from, toState)
		}
		row := &types.TaskTransition{
			TaskID:    taskID,
			FromState: fromPtr,
			ToState:   toState,
			SortKey:   sortKey,
			Metadata:  marshalMetadata(metadata),
			CreatedAt: time.Now().UTC(),
		}
		if err := txx.WithContext(ctx).Create(row).Error; err != nil {
			return err
		}
		out = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TransitionStep appends a step transition under the same rules. The attempts
// counter is NOT touched here; the executor increments it once per execution
// start, in the same transaction as the claim transitions.
func (m *Machine) TransitionStep(ctx context.Context, tx *gorm.DB, stepID int64, toState string, metadata map[string]any) (*types.WorkflowStepTransition, error) {
	toState = strings.TrimSpace(toState)
	if toState == "" {
		return nil, apperr.InvalidTransition("step", "", toState)
	}
	var out *types.WorkflowStepTransition
	err := m.inTx(ctx, tx, func(txx *gorm.DB) error {
		if err := m.lockStep(ctx, txx, stepID); err != nil {
			return err
		}
		last, err := latestStepTransition(ctx, txx, stepID)
		if err != nil {
			return err
		}
		from, sortKey := StepPending, 1
		var fromPtr *string
		if last != nil {
			from = last.ToState
			sortKey = last.SortKey + 1
			fromPtr = strPtr(last.ToState)
		}
		if !StepTransitionAllowed(from, toState) {
			return apperr.InvalidTransition("step", from, toState)
		}
		row := &types.WorkflowStepTransition{
			WorkflowStepID: stepID,
			FromState:      fromPtr,
			ToState:        toState,
			SortKey:        sortKey,
			Metadata:       marshalMetadata(metadata),
			CreatedAt:      time.Now().UTC(),
		}
		if err := txx.WithContext(ctx).Create(row).Error; err != nil {
			return err
		}
		out = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CurrentTaskState reads the latest transition's to_state; pending when the
// log is empty.
func (m *Machine) CurrentTaskState(ctx context.Context, tx *gorm.DB, taskID int64) (string, error) {
	last, err := latestTaskTransition(ctx, m.handle(tx), taskID)
	if err != nil {
		return "", err
	}
	if last == nil {
		return TaskPending, nil
	}
	return last.ToState, nil
}

func (m *Machine) CurrentStepState(ctx context.Context, tx *gorm.DB, stepID int64) (string, error) {
	last, err := latestStepTransition(ctx, m.handle(tx), stepID)
	if err != nil {
		return "", err
	}
	if last == nil {
		return StepPending, nil
	}
	return last.ToState, nil
}

// MostRecentTaskTo returns the newest transition of taskID into state, or nil.
func (m *Machine) MostRecentTaskTo(ctx context.Context, tx *gorm.DB, taskID int64, state string) (*types.TaskTransition, error) {
	var row types.TaskTransition
	err := m.handle(tx).WithContext(ctx).
		Where("task_id = ? AND to_state = ?", taskID, state).
		Order("sort_key DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (m *Machine) MostRecentStepTo(ctx context.Context, tx *gorm.DB, stepID int64, state string) (*types.WorkflowStepTransition, error) {
	var row types.WorkflowStepTransition
	err := m.handle(tx).WithContext(ctx).
		Where("workflow_step_id = ? AND to_state = ?", stepID, state).
		Order("sort_key DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// DurationSinceTaskPrevious is the task-side counterpart of
// DurationSinceStepPrevious.
func (m *Machine) DurationSinceTaskPrevious(ctx context.Context, tx *gorm.DB, tr *types.TaskTransition) (*time.Duration, error) {
	if tr == nil || tr.SortKey <= 1 {
		return nil, nil
	}
	var prev types.TaskTransition
	err := m.handle(tx).WithContext(ctx).
		Where("task_id = ? AND sort_key = ?", tr.TaskID, tr.SortKey-1).
		First(&prev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d := tr.CreatedAt.Sub(prev.CreatedAt)
	return &d, nil
}

// DurationSinceStepPrevious measures the dwell time of the state the given
// transition left: its created_at minus the prior transition's created_at.
// Nil for the first transition of an entity.
func (m *Machine) DurationSinceStepPrevious(ctx context.Context, tx *gorm.DB, tr *types.WorkflowStepTransition) (*time.Duration, error) {
	if tr == nil || tr.SortKey <= 1 {
		return nil, nil
	}
	var prev types.WorkflowStepTransition
	err := m.handle(tx).WithContext(ctx).
		Where("workflow_step_id = ? AND sort_key = ?", tr.WorkflowStepID, tr.SortKey-1).
		First(&prev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d := tr.CreatedAt.Sub(prev.CreatedAt)
	return &d, nil
}

// IsRetryTransition classifies a step transition: error -> pending with a
// retry_attempt metadata key.
func IsRetryTransition(tr *types.WorkflowStepTransition) bool {
	if tr == nil || tr.FromState == nil {
		return false
	}
	if *tr.FromState != StepError || tr.ToState != StepPending {
		return false
	}
	if len(tr.Metadata) == 0 {
		return false
	}
	var meta map[string]any
	if err := json.Unmarshal(tr.Metadata, &meta); err != nil {
		return false
	}
	_, ok := meta[MetadataKeyRetryAttempt]
	return ok
}

// -------------------- internals --------------------

func (m *Machine) handle(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return m.db
}

func (m *Machine) inTx(ctx context.Context, tx *gorm.DB, fn func(txx *gorm.DB) error) error {
	if tx != nil {
		return fn(tx)
	}
	return m.db.WithContext(ctx).Transaction(fn)
}

// lockTask takes a row lock on the task for the duration of the transition
// write. Dialects without FOR UPDATE (the sqlite test database) fall back to
// their single-writer semantics.
func (m *Machine) lockTask(ctx context.Context, txx *gorm.DB, taskID int64) error {
	q := txx.WithContext(ctx).Model(&types.Task{}).Where("id = ?", taskID)
	if supportsRowLocks(txx) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var id int64
	err := q.Select("id").Scan(&id).Error
	if err != nil {
		return err
	}
	if id == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (m *Machine) lockStep(ctx context.Context, txx *gorm.DB, stepID int64) error {
	q := txx.WithContext(ctx).Model(&types.WorkflowStep{}).Where("id = ?", stepID)
	if supportsRowLocks(txx) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var id int64
	err := q.Select("id").Scan(&id).Error
	if err != nil {
		return err
	}
	if id == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func supportsRowLocks(db *gorm.DB) bool {
	return db.Dialector != nil && db.Dialector.Name() == "postgres"
}

func latestTaskTransition(ctx context.Context, db *gorm.DB, taskID int64) (*types.TaskTransition, error) {
	var row types.TaskTransition
	err := db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("sort_key DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func latestStepTransition(ctx context.Context, db *gorm.DB, stepID int64) (*types.WorkflowStepTransition, error) {
	var row types.WorkflowStepTransition
	err := db.WithContext(ctx).
		Where("workflow_step_id = ?", stepID).
		Order("sort_key DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func marshalMetadata(metadata map[string]any) datatypes.JSON {
	if len(metadata) == 0 {
		return nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

func strPtr(s string) *string { return &s }
