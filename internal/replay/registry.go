package replay

import (
	"context"
	"fmt"
	"sync"

	"kiaansync/internal/models"
)

// Handler replays operations of a single type.
type Handler func(ctx context.Context, op models.QueuedOperation) error

// Registry is the mobile-profile replayer: each operation type ("mood",
// "journal", ...) is dispatched to an injected handler instead of a fixed
// HTTP mapping, so hosts can route types to type-specific endpoints.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs the handler for a type, replacing any previous one.
func (r *Registry) Register(opType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[opType] = h
}

func (r *Registry) Replay(ctx context.Context, op models.QueuedOperation) error {
	r.mu.RLock()
	h, ok := r.handlers[op.Type]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("no handler registered for operation type: %s", op.Type)
	}
	return h(ctx, op)
}
