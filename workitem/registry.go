package workitem

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xraph/fiscal"
	"github.com/xraph/fiscal/failure"
)

// HandlerFunc is a type-erased handler that receives the full item.
// The typed Definition[T] is converted to a HandlerFunc at registration
// time by closing over JSON unmarshal + the typed handler.
type HandlerFunc func(ctx context.Context, item *WorkItem) error

// Definition is a typed operation handler. T is the payload type.
type Definition[T any] struct {
	// Operation is the operation this handler serves.
	Operation Operation

	// Handler processes the decoded payload.
	Handler func(ctx context.Context, item *WorkItem, payload T) error
}

// NewDefinition creates a typed definition.
func NewDefinition[T any](op Operation, handler func(ctx context.Context, item *WorkItem, payload T) error) *Definition[T] {
	return &Definition[T]{Operation: op, Handler: handler}
}

// Registry maps operations to type-erased handler functions.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Operation]HandlerFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Operation]HandlerFunc)}
}

// RegisterDefinition registers a typed definition. A payload that does not
// decode into T fails permanently since retrying cannot fix it.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	handler := func(ctx context.Context, item *WorkItem) error {
		var t T
		if len(item.Payload) > 0 {
			if err := json.Unmarshal(item.Payload, &t); err != nil {
				return failure.Permanent(
					fmt.Errorf("%w: %s: %w", fiscal.ErrInvalidPayload, def.Operation, err),
					"decode",
				)
			}
		}
		return def.Handler(ctx, item, t)
	}
	r.Register(def.Operation, handler)
}

// Register installs a raw handler for op, replacing any existing one.
func (r *Registry) Register(op Operation, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[op] = h
}

// Get returns the handler for op.
func (r *Registry) Get(op Operation) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[op]
	return h, ok
}

// Operations returns all registered operations.
func (r *Registry) Operations() []Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops := make([]Operation, 0, len(r.handlers))
	for op := range r.handlers {
		ops = append(ops, op)
	}
	return ops
}
