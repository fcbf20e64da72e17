package engine

import (
	"context"
	"fmt"
	"sync"

	"reviewflow/internal/model"
	"reviewflow/internal/pipeline"
)

// Handler binds a workflow type to its executor strategy. Exactly one of the
// strategy fields is used, selected by Type: Stages for the pipeline
// handlers, Func for simple functions, Raw for webhook passthrough.
type Handler struct {
	Type   model.HandlerType
	Stages []pipeline.Stage
	Func   func(ctx context.Context, job *model.WorkflowJob) error
	Raw    func(ctx context.Context, body []byte) error

	// MaxRetries is the business retry budget for jobs of this workflow.
	// Zero means the engine default.
	MaxRetries int
}

// Registry maps workflow types to handlers. Handlers are registered
// explicitly at composition time; there is no reflective discovery.
type Registry struct {
	mu       sync.RWMutex
	handlers map[model.WorkflowType]Handler
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[model.WorkflowType]Handler)}
}

// Register adds a handler for the workflow type, overwriting any existing one.
func (r *Registry) Register(wt model.WorkflowType, h Handler) error {
	switch h.Type {
	case model.HandlerPipelineSync, model.HandlerPipelineAsync:
		if len(h.Stages) == 0 {
			return fmt.Errorf("workflow %s: pipeline handler requires stages", wt)
		}
		if err := pipeline.ValidateStages(h.Stages); err != nil {
			return fmt.Errorf("workflow %s: %w", wt, err)
		}
	case model.HandlerSimpleFunction:
		if h.Func == nil {
			return fmt.Errorf("workflow %s: simple-function handler requires Func", wt)
		}
	case model.HandlerWebhookRaw:
		if h.Raw == nil {
			return fmt.Errorf("workflow %s: webhook-raw handler requires Raw", wt)
		}
	default:
		return fmt.Errorf("workflow %s: handler type %q not supported", wt, h.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[wt] = h
	return nil
}

// Get returns the handler for the workflow type.
func (r *Registry) Get(wt model.WorkflowType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[wt]
	return h, ok
}

// Types returns all registered workflow types as strings (for topology
// declaration).
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for wt := range r.handlers {
		out = append(out, string(wt))
	}
	return out
}

// significantKeys unions the Writes declarations of a handler's stages; the
// delta serializer treats these as significant fields so stage output is
// never dropped from a delta checkpoint.
func (h Handler) significantKeys() []string {
	var out []string
	seen := map[string]bool{}
	for _, s := range h.Stages {
		for _, k := range s.Writes {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}
