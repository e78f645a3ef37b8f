package async

import (
	"context"
	"sync"

	"github.com/teranos/scry/errors"
)

// JobHandler executes one kind of background work. The queue routes on
// HandlerName alone, so the slot, content, and report packages each
// register a handler here and keep their payload schemas to themselves.
type JobHandler interface {
	// Execute decodes job.Payload, does the work, and keeps job.Progress
	// and job.CostActual current as it goes. Handlers must watch
	// ctx.Done() and return promptly with checkpointed state when the
	// pool shuts down; the worker re-queues the job as-is.
	Execute(ctx context.Context, job *Job) error

	// Name is the routing key, e.g. "slot.resolve" or "content.batch".
	Name() string
}

// HandlerRegistry maps handler names to handlers. Safe for concurrent
// registration and lookup, though in practice registration happens once
// at daemon startup.
type HandlerRegistry struct {
	handlers map[string]JobHandler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]JobHandler),
	}
}

// Register adds a handler under its own name. A duplicate name panics:
// two packages claiming the same handler name is a wiring bug that
// should stop the daemon at startup, not surface as odd job routing.
func (r *HandlerRegistry) Register(handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if _, exists := r.handlers[name]; exists {
		panic("handler already registered for name: " + name)
	}
	r.handlers[name] = handler
}

// Get returns the handler for a name, or nil if none is registered.
func (r *HandlerRegistry) Get(handlerName string) JobHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[handlerName]
}

// Has reports whether a handler is registered for the name.
func (r *HandlerRegistry) Has(handlerName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[handlerName]
	return exists
}

// Names returns all registered handler names.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// RegistryExecutor adapts a HandlerRegistry to the JobExecutor the
// worker pool expects. The optional fallback catches names with no
// registered handler; the pool runs without one, so an unknown name is
// a hard failure there.
type RegistryExecutor struct {
	registry *HandlerRegistry
	fallback JobExecutor
}

// NewRegistryExecutor creates an executor backed by a handler registry.
func NewRegistryExecutor(registry *HandlerRegistry, fallback JobExecutor) *RegistryExecutor {
	return &RegistryExecutor{
		registry: registry,
		fallback: fallback,
	}
}

// Execute routes the job to its registered handler.
func (e *RegistryExecutor) Execute(ctx context.Context, job *Job) error {
	if job.HandlerName == "" {
		return errors.New("job missing handler_name")
	}

	if handler := e.registry.Get(job.HandlerName); handler != nil {
		return handler.Execute(ctx, job)
	}

	if e.fallback != nil {
		return e.fallback.Execute(ctx, job)
	}

	return errors.Newf("no handler registered for handler name: %s", job.HandlerName)
}
