package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/conductor/internal/engine"
	"github.com/yungbote/conductor/internal/events"
	"github.com/yungbote/conductor/internal/pkg/apperr"
	"github.com/yungbote/conductor/internal/pkg/logger"
	"github.com/yungbote/conductor/internal/repos"
	"github.com/yungbote/conductor/internal/types"
)

const unknownValue = "unknown"

// TaskRequest is the logical submission payload. Name and Context are
// required; the identity fields default to "unknown".
type TaskRequest struct {
	Namespace    string         `json:"namespace,omitempty"`
	Name         string         `json:"name"`
	Version      string         `json:"version,omitempty"` // empty: latest registered
	Context      map[string]any `json:"context"`
	Initiator    string         `json:"initiator,omitempty"`
	SourceSystem string         `json:"source_system,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	BypassSteps  []string       `json:"bypass_steps,omitempty"`
	RequestedAt  time.Time      `json:"requested_at,omitempty"`
}

// IntakeService turns TaskRequests into live tasks: validation, defaulting,
// duplicate detection by identity hash, DAG instantiation from the template,
// and the first enqueue.
type IntakeService struct {
	db         *gorm.DB
	tasks      repos.TaskRepo
	steps      repos.WorkflowStepRepo
	edges      repos.StepEdgeRepo
	named      repos.NamedRepo
	reenqueuer engine.Reenqueuer
	bus        *events.Bus
	dupWindow  time.Duration
	log        *logger.Logger
}

func NewIntakeService(
	db *gorm.DB,
	tasks repos.TaskRepo,
	steps repos.WorkflowStepRepo,
	edges repos.StepEdgeRepo,
	named repos.NamedRepo,
	reenqueuer engine.Reenqueuer,
	bus *events.Bus,
	dupWindow time.Duration,
	baseLog *logger.Logger,
) *IntakeService {
	if dupWindow <= 0 {
		dupWindow = 60 * time.Second
	}
	return &IntakeService{
		db:         db,
		tasks:      tasks,
		steps:      steps,
		edges:      edges,
		named:      named,
		reenqueuer: reenqueuer,
		bus:        bus,
		dupWindow:  dupWindow,
		log:        baseLog.With("service", "IntakeService"),
	}
}

// Submit creates a task from req and schedules its first cycle.
func (s *IntakeService) Submit(ctx context.Context, req TaskRequest) (*types.Task, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("task request missing name: %w", apperr.ErrUnknownTask)
	}
	if req.Context == nil {
		return nil, fmt.Errorf("task request %q missing context", req.Name)
	}
	applyDefaults(&req)

	namedTask, err := s.resolveNamedTask(ctx, req)
	if err != nil {
		return nil, err
	}
	if namedTask == nil {
		return nil, fmt.Errorf("task %q@%q: %w", req.Name, req.Version, apperr.ErrUnknownTask)
	}

	hash, err := IdentityHash(req)
	if err != nil {
		return nil, err
	}
	since := time.Now().Add(-s.dupWindow)
	if existing, err := s.tasks.FindByIdentityHashSince(ctx, nil, hash, since); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("task %q (hash %s): %w", req.Name, hash[:12], apperr.ErrDuplicateTask)
	}

	var task *types.Task
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err = s.instantiate(ctx, tx, namedTask, req, hash)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, events.Event{
		Name:   events.TaskSubmitted,
		TaskID: task.ID,
		Metadata: map[string]any{
			"name":      req.Name,
			"initiator": req.Initiator,
			"steps":     len(task.WorkflowSteps),
		},
	})
	if err := s.reenqueuer.Enqueue(ctx, task.ID, 0); err != nil {
		// The task exists; a failed initial enqueue is logged, not rolled
		// back.
		s.log.Warn("initial enqueue failed", "task_id", task.ID, "error", err)
	}
	s.log.Info("task submitted", "task_id", task.ID, "name", req.Name, "initiator", req.Initiator)
	return task, nil
}

func (s *IntakeService) resolveNamedTask(ctx context.Context, req TaskRequest) (*types.NamedTask, error) {
	ns := namespaceOr(req.Namespace)
	if strings.TrimSpace(req.Version) == "" {
		return s.named.GetLatestNamedTask(ctx, nil, ns, req.Name)
	}
	return s.named.GetNamedTask(ctx, nil, ns, req.Name, req.Version)
}

func (s *IntakeService) instantiate(ctx context.Context, tx *gorm.DB, namedTask *types.NamedTask, req TaskRequest, hash string) (*types.Task, error) {
	contextJSON, err := json.Marshal(req.Context)
	if err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}
	task := &types.Task{
		NamedTaskID:  namedTask.ID,
		Context:      datatypes.JSON(contextJSON),
		RequestedAt:  req.RequestedAt,
		IdentityHash: hash,
		Initiator:    req.Initiator,
		SourceSystem: req.SourceSystem,
		Reason:       req.Reason,
		Tags:         marshalStrings(req.Tags),
		BypassSteps:  marshalStrings(req.BypassSteps),
	}
	if _, err := s.tasks.Create(ctx, tx, task); err != nil {
		return nil, err
	}

	bindings, err := s.named.ListTemplateBindings(ctx, tx, namedTask.ID)
	if err != nil {
		return nil, err
	}
	if len(bindings) == 0 {
		return nil, fmt.Errorf("task %q has no step templates", req.Name)
	}
	stepIDs := make([]int64, 0, len(bindings))
	for _, b := range bindings {
		stepIDs = append(stepIDs, b.NamedStepID)
	}
	namedSteps, err := s.named.GetNamedStepsByIDs(ctx, tx, stepIDs)
	if err != nil {
		return nil, err
	}
	nameByID := map[int64]string{}
	for _, ns := range namedSteps {
		nameByID[ns.ID] = ns.Name
	}

	steps := make([]*types.WorkflowStep, 0, len(bindings))
	for _, b := range bindings {
		retryable := b.DefaultRetryable
		steps = append(steps, &types.WorkflowStep{
			TaskID:      task.ID,
			NamedStepID: b.NamedStepID,
			Name:        nameByID[b.NamedStepID],
			SortKey:     b.Position,
			RetryLimit:  b.DefaultRetryLimit,
			Retryable:   &retryable,
			Skippable:   b.Skippable,
		})
	}
	if _, err := s.steps.CreateBatch(ctx, tx, steps); err != nil {
		return nil, err
	}

	stepByName := map[string]*types.WorkflowStep{}
	for _, st := range steps {
		stepByName[st.Name] = st
	}
	var edges []*types.WorkflowStepEdge
	for _, b := range bindings {
		child := stepByName[nameByID[b.NamedStepID]]
		for _, dep := range splitDeps(b.DependsOn) {
			parent := stepByName[dep]
			if parent == nil || child == nil {
				return nil, fmt.Errorf("task %q: dependency %q not instantiated", req.Name, dep)
			}
			edges = append(edges, &types.WorkflowStepEdge{
				TaskID:     task.ID,
				FromStepID: parent.ID,
				ToStepID:   child.ID,
				Name:       "provides",
			})
		}
	}
	if _, err := s.edges.CreateBatch(ctx, tx, edges); err != nil {
		return nil, err
	}
	task.WorkflowSteps = steps
	return task, nil
}

// IdentityHash is the hex SHA-256 of a canonical JSON encoding of the
// request's identifying fields, with requested_at truncated to the minute.
// Two semantically identical requests inside the same minute collide.
func IdentityHash(req TaskRequest) (string, error) {
	bypass := append([]string{}, req.BypassSteps...)
	sort.Strings(bypass)
	identity := map[string]any{
		"name":          req.Name,
		"initiator":     req.Initiator,
		"source_system": req.SourceSystem,
		"context":       req.Context,
		"reason":        req.Reason,
		"bypass_steps":  bypass,
		"requested_at":  req.RequestedAt.UTC().Truncate(time.Minute).Format(time.RFC3339),
	}
	// json.Marshal sorts map keys, which makes the encoding canonical.
	b, err := json.Marshal(identity)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func applyDefaults(req *TaskRequest) {
	if strings.TrimSpace(req.Initiator) == "" {
		req.Initiator = unknownValue
	}
	if strings.TrimSpace(req.SourceSystem) == "" {
		req.SourceSystem = unknownValue
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = unknownValue
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
}

func splitDeps(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func marshalStrings(values []string) datatypes.JSON {
	if len(values) == 0 {
		return nil
	}
	b, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
