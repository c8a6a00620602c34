package dispatch

import (
	"context"
	"strings"
	"sync"
)

// Message is the handler-facing view of a claimed row, common to both the
// outbox and inbox dispatchers.
type Message struct {
	Topic         string
	Payload       string
	CorrelationID *string
	RetryCount    int
}

// Handler processes one claimed message. A returned error is treated as a
// transient failure subject to backoff and maxAttempts.
type Handler func(ctx context.Context, msg Message) error

// HandlerRegistry resolves a topic to a Handler, case-insensitively, with
// an optional catch-all fallback registered via RegisterDefault.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

// NewHandlerRegistry constructs an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register associates topic (case-insensitive) with a handler, overwriting
// any previous registration for the same topic.
func (r *HandlerRegistry) Register(topic string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[strings.ToLower(topic)] = h
}

// RegisterDefault installs a catch-all handler used when no topic-specific
// handler is registered.
func (r *HandlerRegistry) RegisterDefault(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.fallback = h
}

// Resolve returns the handler for topic, falling back to the catch-all if
// set. ok is false only when neither exists.
func (r *HandlerRegistry) Resolve(topic string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.handlers[strings.ToLower(topic)]; ok {
		return h, true
	}

	if r.fallback != nil {
		return r.fallback, true
	}

	return nil, false
}
