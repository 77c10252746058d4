package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/yungbote/conductor/internal/pkg/logger"
	"github.com/yungbote/conductor/internal/types"
)

type StepEdgeRepo interface {
	CreateBatch(ctx context.Context, tx *gorm.DB, edges []*types.WorkflowStepEdge) ([]*types.WorkflowStepEdge, error)
	ListByTask(ctx context.Context, tx *gorm.DB, taskID int64) ([]*types.WorkflowStepEdge, error)
}

type stepEdgeRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStepEdgeRepo(db *gorm.DB, baseLog *logger.Logger) StepEdgeRepo {
	return &stepEdgeRepo{
		db:  db,
		log: baseLog.With("repo", "StepEdgeRepo"),
	}
}

func (r *stepEdgeRepo) CreateBatch(ctx context.Context, tx *gorm.DB, edges []*types.WorkflowStepEdge) ([]*types.WorkflowStepEdge, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(edges) == 0 {
		return []*types.WorkflowStepEdge{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&edges).Error; err != nil {
		return nil, err
	}
	return edges, nil
}

func (r *stepEdgeRepo) ListByTask(ctx context.Context, tx *gorm.DB, taskID int64) ([]*types.WorkflowStepEdge, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.WorkflowStepEdge
	err := transaction.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
