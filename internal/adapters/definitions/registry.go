package definitions

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/eleven-am/flowgate/internal/domain"
)

// Registry holds validated definitions by id. A later registration of the
// same id replaces the earlier one; executions already started keep the
// snapshot they were created with.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*domain.WorkflowDefinition
	logger      *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		definitions: make(map[string]*domain.WorkflowDefinition),
		logger:      logger.With("component", "workflow-registry"),
	}
}

func (r *Registry) Register(def *domain.WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if previous, exists := r.definitions[def.ID]; exists {
		r.logger.Info("workflow definition replaced", "workflow_id", def.ID, "previous_version", previous.Version, "version", def.Version)
	} else {
		r.logger.Debug("workflow definition registered", "workflow_id", def.ID, "version", def.Version)
	}
	r.definitions[def.ID] = def
	return nil
}

// LoadDir registers every definition found in dir.
func (r *Registry) LoadDir(dir string) (int, error) {
	defs, err := LoadDir(dir)
	if err != nil {
		return 0, err
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return 0, err
		}
	}
	return len(defs), nil
}

func (r *Registry) Get(workflowID string) (*domain.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.definitions[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", domain.ErrNotFound, workflowID)
	}
	return def, nil
}

func (r *Registry) Remove(workflowID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.definitions[workflowID]; !ok {
		return false
	}
	delete(r.definitions, workflowID)
	return true
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.definitions))
	for id := range r.definitions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
