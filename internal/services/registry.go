package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/conductor/internal/engine"
	"github.com/yungbote/conductor/internal/pkg/logger"
	"github.com/yungbote/conductor/internal/repos"
	"github.com/yungbote/conductor/internal/types"
)

// StepTemplate describes one step of a task definition. Immutable per
// NamedTask version once registered.
type StepTemplate struct {
	Name              string
	DependentSystem   string
	HandlerClass      string
	DefaultRetryable  *bool // nil means true
	DefaultRetryLimit *int  // nil means 3
	Skippable         bool
	DependsOn         []string
}

// TaskDefinition is a workflow registration: a versioned named task plus its
// step templates. Validation happens here so configuration errors are never
// observed during execution.
type TaskDefinition struct {
	Namespace     string
	Name          string
	Version       string
	Configuration map[string]any
	Steps         []StepTemplate
}

type RegistryService struct {
	db       *gorm.DB
	named    repos.NamedRepo
	handlers *engine.Registry
	log      *logger.Logger
}

func NewRegistryService(db *gorm.DB, named repos.NamedRepo, handlers *engine.Registry, baseLog *logger.Logger) *RegistryService {
	return &RegistryService{
		db:       db,
		named:    named,
		handlers: handlers,
		log:      baseLog.With("service", "RegistryService"),
	}
}

// RegisterTaskDefinition validates the definition (unique step names,
// acyclic dependencies, known handlers, semver version) and persists the
// named task with its template bindings.
func (s *RegistryService) RegisterTaskDefinition(ctx context.Context, def TaskDefinition) (*types.NamedTask, error) {
	if err := s.validate(def); err != nil {
		return nil, err
	}
	order, err := topoOrder(def.Steps)
	if err != nil {
		return nil, err
	}

	var created *types.NamedTask
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ns, err := s.named.EnsureNamespace(ctx, tx, namespaceOr(def.Namespace), "")
		if err != nil {
			return err
		}
		existing, err := s.named.GetNamedTask(ctx, tx, ns.Name, def.Name, def.Version)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("task %s/%s@%s already registered", ns.Name, def.Name, def.Version)
		}

		var cfg datatypes.JSON
		if def.Configuration != nil {
			b, err := json.Marshal(def.Configuration)
			if err != nil {
				return fmt.Errorf("configuration: %w", err)
			}
			cfg = datatypes.JSON(b)
		}
		nt := &types.NamedTask{
			NamespaceID:   ns.ID,
			Name:          def.Name,
			Version:       def.Version,
			Configuration: cfg,
		}
		if _, err := s.named.CreateNamedTask(ctx, tx, nt); err != nil {
			return err
		}

		bindings := make([]*types.NamedTasksNamedStep, 0, len(def.Steps))
		for pos, name := range order {
			st := stepByName(def.Steps, name)
			ds, err := s.named.EnsureDependentSystem(ctx, tx, systemOr(st.DependentSystem))
			if err != nil {
				return err
			}
			namedStep, err := s.named.EnsureNamedStep(ctx, tx, ds.ID, st.Name)
			if err != nil {
				return err
			}
			retryable := true
			if st.DefaultRetryable != nil {
				retryable = *st.DefaultRetryable
			}
			retryLimit := 3
			if st.DefaultRetryLimit != nil {
				retryLimit = *st.DefaultRetryLimit
			}
			bindings = append(bindings, &types.NamedTasksNamedStep{
				NamedTaskID:       nt.ID,
				NamedStepID:       namedStep.ID,
				Position:          pos,
				DefaultRetryable:  retryable,
				DefaultRetryLimit: retryLimit,
				Skippable:         st.Skippable,
				HandlerClass:      st.HandlerClass,
				DependsOn:         strings.Join(st.DependsOn, ","),
			})
		}
		if err := s.named.CreateTemplateBindings(ctx, tx, bindings); err != nil {
			return err
		}
		created = nt
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("task definition registered", "namespace", namespaceOr(def.Namespace), "name", def.Name, "version", def.Version, "steps", len(def.Steps))
	return created, nil
}

func (s *RegistryService) validate(def TaskDefinition) error {
	if strings.TrimSpace(def.Name) == "" {
		return fmt.Errorf("task definition missing name")
	}
	if !validSemver(def.Version) {
		return fmt.Errorf("task %q: version %q is not MAJOR.MINOR.PATCH", def.Name, def.Version)
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("task %q: no steps", def.Name)
	}
	seen := map[string]bool{}
	for _, st := range def.Steps {
		if strings.TrimSpace(st.Name) == "" {
			return fmt.Errorf("task %q: step missing name", def.Name)
		}
		if seen[st.Name] {
			return fmt.Errorf("task %q: duplicate step %q", def.Name, st.Name)
		}
		seen[st.Name] = true
		if strings.TrimSpace(st.HandlerClass) == "" {
			return fmt.Errorf("task %q: step %q missing handler class", def.Name, st.Name)
		}
		if s.handlers != nil && !s.handlers.Known(st.HandlerClass) {
			return fmt.Errorf("task %q: step %q: handler %q not registered", def.Name, st.Name, st.HandlerClass)
		}
	}
	for _, st := range def.Steps {
		for _, dep := range st.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("task %q: step %q depends on unknown step %q", def.Name, st.Name, dep)
			}
		}
	}
	return nil
}

// topoOrder returns the step names in dependency order, rejecting cycles.
func topoOrder(steps []StepTemplate) ([]string, error) {
	indegree := map[string]int{}
	children := map[string][]string{}
	for _, st := range steps {
		if _, ok := indegree[st.Name]; !ok {
			indegree[st.Name] = 0
		}
		for _, dep := range st.DependsOn {
			indegree[st.Name]++
			children[dep] = append(children[dep], st.Name)
		}
	}
	var queue []string
	for _, st := range steps {
		if indegree[st.Name] == 0 {
			queue = append(queue, st.Name)
		}
	}
	var order []string
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		for _, child := range children[name] {
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	if len(order) != len(steps) {
		return nil, fmt.Errorf("step dependencies contain a cycle")
	}
	return order, nil
}

func stepByName(steps []StepTemplate, name string) StepTemplate {
	for _, st := range steps {
		if st.Name == name {
			return st
		}
	}
	return StepTemplate{}
}

func validSemver(v string) bool {
	parts := strings.Split(strings.TrimSpace(v), ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if _, err := strconv.Atoi(p); err != nil {
			return false
		}
	}
	return true
}

func namespaceOr(ns string) string {
	if strings.TrimSpace(ns) == "" {
		return "default"
	}
	return ns
}

func systemOr(system string) string {
	if strings.TrimSpace(system) == "" {
		return "default"
	}
	return system
}
