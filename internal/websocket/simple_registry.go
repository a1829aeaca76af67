package websocket

import "sync"

// SimpleRegistry is an in-memory HandlerRegistry, used by tests and by any
// caller with only a handful of fixed methods to register (codemem's
// dashboard instead implements HandlerRegistry directly for its single
// method rather than pulling this in).
type SimpleRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewSimpleRegistry creates an empty registry.
func NewSimpleRegistry() *SimpleRegistry {
	return &SimpleRegistry{handlers: make(map[string]Handler)}
}

// Register adds a handler under method, replacing any existing one.
func (r *SimpleRegistry) Register(method string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = handler
}

// GetHandler retrieves a handler by method name.
func (r *SimpleRegistry) GetHandler(method string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[method]
	return h, ok
}
