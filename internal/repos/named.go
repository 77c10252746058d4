package repos

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/yungbote/conductor/internal/pkg/logger"
	"github.com/yungbote/conductor/internal/types"
)

type NamedRepo interface {
	EnsureNamespace(ctx context.Context, tx *gorm.DB, name, description string) (*types.TaskNamespace, error)
	EnsureDependentSystem(ctx context.Context, tx *gorm.DB, name string) (*types.DependentSystem, error)
	EnsureNamedStep(ctx context.Context, tx *gorm.DB, dependentSystemID int64, name string) (*types.NamedStep, error)
	CreateNamedTask(ctx context.Context, tx *gorm.DB, nt *types.NamedTask) (*types.NamedTask, error)
	GetNamedTask(ctx context.Context, tx *gorm.DB, namespace, name, version string) (*types.NamedTask, error)
	GetLatestNamedTask(ctx context.Context, tx *gorm.DB, namespace, name string) (*types.NamedTask, error)
	CreateTemplateBindings(ctx context.Context, tx *gorm.DB, rows []*types.NamedTasksNamedStep) error
	ListTemplateBindings(ctx context.Context, tx *gorm.DB, namedTaskID int64) ([]*types.NamedTasksNamedStep, error)
	GetNamedStepsByIDs(ctx context.Context, tx *gorm.DB, ids []int64) ([]*types.NamedStep, error)
}

type namedRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewNamedRepo(db *gorm.DB, baseLog *logger.Logger) NamedRepo {
	return &namedRepo{
		db:  db,
		log: baseLog.With("repo", "NamedRepo"),
	}
}

func (r *namedRepo) EnsureNamespace(ctx context.Context, tx *gorm.DB, name, description string) (*types.TaskNamespace, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var ns types.TaskNamespace
	err := transaction.WithContext(ctx).Where("name = ?", name).First(&ns).Error
	if err == nil {
		return &ns, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	ns = types.TaskNamespace{Name: name, Description: description}
	if err := transaction.WithContext(ctx).Create(&ns).Error; err != nil {
		return nil, err
	}
	return &ns, nil
}

func (r *namedRepo) EnsureDependentSystem(ctx context.Context, tx *gorm.DB, name string) (*types.DependentSystem, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var ds types.DependentSystem
	err := transaction.WithContext(ctx).Where("name = ?", name).First(&ds).Error
	if err == nil {
		return &ds, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	ds = types.DependentSystem{Name: name}
	if err := transaction.WithContext(ctx).Create(&ds).Error; err != nil {
		return nil, err
	}
	return &ds, nil
}

func (r *namedRepo) EnsureNamedStep(ctx context.Context, tx *gorm.DB, dependentSystemID int64, name string) (*types.NamedStep, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var ns types.NamedStep
	err := transaction.WithContext(ctx).
		Where("dependent_system_id = ? AND name = ?", dependentSystemID, name).
		First(&ns).Error
	if err == nil {
		return &ns, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	ns = types.NamedStep{DependentSystemID: dependentSystemID, Name: name}
	if err := transaction.WithContext(ctx).Create(&ns).Error; err != nil {
		return nil, err
	}
	return &ns, nil
}

func (r *namedRepo) CreateNamedTask(ctx context.Context, tx *gorm.DB, nt *types.NamedTask) (*types.NamedTask, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if nt == nil {
		return nil, nil
	}
	if err := transaction.WithContext(ctx).Create(nt).Error; err != nil {
		return nil, err
	}
	return nt, nil
}

func (r *namedRepo) GetNamedTask(ctx context.Context, tx *gorm.DB, namespace, name, version string) (*types.NamedTask, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var nt types.NamedTask
	err := transaction.WithContext(ctx).
		Joins("JOIN task_namespaces ON task_namespaces.id = named_tasks.namespace_id").
		Where("task_namespaces.name = ? AND named_tasks.name = ? AND named_tasks.version = ?", namespace, name, version).
		First(&nt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &nt, nil
}

func (r *namedRepo) GetLatestNamedTask(ctx context.Context, tx *gorm.DB, namespace, name string) (*types.NamedTask, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var nt types.NamedTask
	err := transaction.WithContext(ctx).
		Joins("JOIN task_namespaces ON task_namespaces.id = named_tasks.namespace_id").
		Where("task_namespaces.name = ? AND named_tasks.name = ?", namespace, name).
		Order("named_tasks.created_at DESC, named_tasks.id DESC").
		First(&nt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &nt, nil
}

func (r *namedRepo) CreateTemplateBindings(ctx context.Context, tx *gorm.DB, rows []*types.NamedTasksNamedStep) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(rows) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).Create(&rows).Error
}

func (r *namedRepo) ListTemplateBindings(ctx context.Context, tx *gorm.DB, namedTaskID int64) ([]*types.NamedTasksNamedStep, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.NamedTasksNamedStep
	err := transaction.WithContext(ctx).
		Where("named_task_id = ?", namedTaskID).
		Order("position ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *namedRepo) GetNamedStepsByIDs(ctx context.Context, tx *gorm.DB, ids []int64) ([]*types.NamedStep, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.NamedStep
	if len(ids) == 0 {
		return out, nil
	}
	err := transaction.WithContext(ctx).
		Where("id IN ?", ids).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
