package config

import (
	"fmt"
	"sync"

	"reviewflow/internal/pipeline"
)

// StageRegistry maps stage names to their implementations. Stages register
// explicitly at composition time; workflow YAML then references them by
// name. Safe for concurrent use.
type StageRegistry struct {
	mu     sync.RWMutex
	stages map[string]pipeline.Stage
}

// NewStageRegistry returns an empty registry.
func NewStageRegistry() *StageRegistry {
	return &StageRegistry{stages: make(map[string]pipeline.Stage)}
}

// Register adds a stage under the given name. Overwrites any existing registration.
func (r *StageRegistry) Register(name string, stage pipeline.Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stages == nil {
		r.stages = make(map[string]pipeline.Stage)
	}
	stage.Name = name
	r.stages[name] = stage
}

// Get returns the stage for name, or false if not registered.
func (r *StageRegistry) Get(name string) (pipeline.Stage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stages[name]
	return s, ok
}

// MustGet returns the stage for name, or panics if not registered.
func (r *StageRegistry) MustGet(name string) pipeline.Stage {
	s, ok := r.Get(name)
	if !ok {
		panic(fmt.Sprintf("config: stage %q not registered", name))
	}
	return s
}

// Names returns all registered stage names (unordered).
func (r *StageRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stages))
	for n := range r.stages {
		names = append(names, n)
	}
	return names
}
