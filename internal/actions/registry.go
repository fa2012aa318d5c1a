package actions

import (
	"sort"
	"sync"

	"github.com/ratchet-hq/ratchet/pkg/schema"
)

// Registry is a thread-safe map of action kind to handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[schema.ActionKind]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[schema.ActionKind]Handler),
	}
}

// Register adds a handler to the registry. Returns error on duplicate kind.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	kind := h.Kind()
	if kind == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler kind is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler for %q already registered", kind)
	}

	r.handlers[kind] = h
	return nil
}

// Get retrieves the handler for an action kind.
func (r *Registry) Get(kind schema.ActionKind) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[kind]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "no handler registered for action kind %q", kind)
	}
	return h, nil
}

// Has checks if a handler is registered for the kind.
func (r *Registry) Has(kind schema.ActionKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[kind]
	return ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []schema.ActionKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]schema.ActionKind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// RegisterBuiltins wires every built-in handler into the registry.
func RegisterBuiltins(r *Registry, entities EntityStore, notifier Notifier, webhooks *WebhookCaller) error {
	handlers := []Handler{
		&NotifyHandler{Notifier: notifier},
		&UpdateFieldHandler{Entities: entities},
		&CreateEntityHandler{Entities: entities},
		&AssignHandler{Entities: entities},
		&ChangeStatusHandler{Entities: entities},
		&AddCommentHandler{Entities: entities},
		webhooks,
		&DelayHandler{},
		&BranchHandler{},
	}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}
