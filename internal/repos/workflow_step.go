package repos

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/conductor/internal/pkg/logger"
	"github.com/yungbote/conductor/internal/types"
)

type WorkflowStepRepo interface {
	CreateBatch(ctx context.Context, tx *gorm.DB, steps []*types.WorkflowStep) ([]*types.WorkflowStep, error)
	GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.WorkflowStep, error)
	ListByTask(ctx context.Context, tx *gorm.DB, taskID int64) ([]*types.WorkflowStep, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id int64, updates map[string]interface{}) error
	CountInProcess(ctx context.Context, tx *gorm.DB) (int64, error)
}

type workflowStepRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewWorkflowStepRepo(db *gorm.DB, baseLog *logger.Logger) WorkflowStepRepo {
	return &workflowStepRepo{
		db:  db,
		log: baseLog.With("repo", "WorkflowStepRepo"),
	}
}

func (r *workflowStepRepo) CreateBatch(ctx context.Context, tx *gorm.DB, steps []*types.WorkflowStep) ([]*types.WorkflowStep, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(steps) == 0 {
		return []*types.WorkflowStep{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&steps).Error; err != nil {
		return nil, err
	}
	return steps, nil
}

func (r *workflowStepRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.WorkflowStep, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var step types.WorkflowStep
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		First(&step).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &step, nil
}

func (r *workflowStepRepo) ListByTask(ctx context.Context, tx *gorm.DB, taskID int64) ([]*types.WorkflowStep, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.WorkflowStep
	err := transaction.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("sort_key ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *workflowStepRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id int64, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == 0 {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&types.WorkflowStep{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *workflowStepRepo) CountInProcess(ctx context.Context, tx *gorm.DB) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var n int64
	err := transaction.WithContext(ctx).
		Model(&types.WorkflowStep{}).
		Where("in_process = ?", true).
		Count(&n).Error
	return n, err
}
