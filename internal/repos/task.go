package repos

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/conductor/internal/pkg/logger"
	"github.com/yungbote/conductor/internal/types"
)

type TaskRepo interface {
	Create(ctx context.Context, tx *gorm.DB, task *types.Task) (*types.Task, error)
	GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.Task, error)
	FindByIdentityHashSince(ctx context.Context, tx *gorm.DB, hash string, since time.Time) (*types.Task, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id int64, updates map[string]interface{}) error
	CountIncomplete(ctx context.Context, tx *gorm.DB) (int64, error)
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{
		db:  db,
		log: baseLog.With("repo", "TaskRepo"),
	}
}

func (r *taskRepo) Create(ctx context.Context, tx *gorm.DB, task *types.Task) (*types.Task, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if task == nil {
		return nil, nil
	}
	if err := transaction.WithContext(ctx).Create(task).Error; err != nil {
		return nil, err
	}
	return task, nil
}

func (r *taskRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.Task, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var task types.Task
	err := transaction.WithContext(ctx).
		Preload("NamedTask").
		Where("id = ?", id).
		First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *taskRepo) FindByIdentityHashSince(ctx context.Context, tx *gorm.DB, hash string, since time.Time) (*types.Task, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var task types.Task
	err := transaction.WithContext(ctx).
		Where("identity_hash = ? AND created_at >= ?", hash, since).
		Order("created_at DESC").
		Limit(1).
		Find(&task).Error
	if err != nil {
		return nil, err
	}
	if task.ID == 0 {
		return nil, nil
	}
	return &task, nil
}

func (r *taskRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id int64, updates map[string]interface{}) error {
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
		Model(&types.Task{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *taskRepo) CountIncomplete(ctx context.Context, tx *gorm.DB) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var n int64
	err := transaction.WithContext(ctx).
		Model(&types.Task{}).
		Where("complete = ?", false).
		Count(&n).Error
	return n, err
}
