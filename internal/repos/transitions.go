package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/yungbote/conductor/internal/pkg/logger"
	"github.com/yungbote/conductor/internal/types"
)

type TransitionRepo interface {
	ListTaskTransitions(ctx context.Context, tx *gorm.DB, taskID int64) ([]*types.TaskTransition, error)
	ListStepTransitionsBySteps(ctx context.Context, tx *gorm.DB, stepIDs []int64) ([]*types.WorkflowStepTransition, error)
}

type transitionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTransitionRepo(db *gorm.DB, baseLog *logger.Logger) TransitionRepo {
	return &transitionRepo{
		db:  db,
		log: baseLog.With("repo", "TransitionRepo"),
	}
}

func (r *transitionRepo) ListTaskTransitions(ctx context.Context, tx *gorm.DB, taskID int64) ([]*types.TaskTransition, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.TaskTransition
	err := transaction.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("sort_key ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *transitionRepo) ListStepTransitionsBySteps(ctx context.Context, tx *gorm.DB, stepIDs []int64) ([]*types.WorkflowStepTransition, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.WorkflowStepTransition
	if len(stepIDs) == 0 {
		return out, nil
	}
	err := transaction.WithContext(ctx).
		Where("workflow_step_id IN ?", stepIDs).
		Order("workflow_step_id ASC, sort_key ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
