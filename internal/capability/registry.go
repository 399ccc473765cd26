package capability

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultExecTimeout bounds a single handler call.
const DefaultExecTimeout = 30 * time.Second

// UnknownError reports an invocation naming a capability or action that
// is not registered. It is not retryable.
type UnknownError struct {
	Name   string
	Action string
}

func (e *UnknownError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("capability %q has no action %q", e.Name, e.Action)
	}
	return fmt.Sprintf("capability %q not registered", e.Name)
}

// Registry is the uniform entry point for capability execution. It maps
// names to descriptors and handlers and validates actions before
// dispatch. A single Registry instance coordinates all execution paths
// (chain executor, scheduler, recovery).
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
	handlers    map[string]Handler

	// ExecTimeout bounds one handler call. Zero means DefaultExecTimeout.
	ExecTimeout time.Duration
}

func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[string]Descriptor),
		handlers:    make(map[string]Handler),
	}
}

func (r *Registry) Register(desc Descriptor, h Handler) error {
	if desc.Name == "" {
		return fmt.Errorf("capability name is required")
	}
	if h == nil {
		return fmt.Errorf("capability %q: handler is required", desc.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.descriptors[desc.Name]; exists {
		return fmt.Errorf("capability %q already registered", desc.Name)
	}
	r.descriptors[desc.Name] = desc
	r.handlers[desc.Name] = h
	return nil
}

func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.descriptors, name)
	delete(r.handlers, name)
}

func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.descriptors[name]
	return desc, ok
}

func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.descriptors))
	for _, desc := range r.descriptors {
		out = append(out, desc)
	}
	return out
}

func (r *Registry) HasAction(name, action string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.descriptors[name]
	if !ok {
		return false
	}
	for _, a := range desc.Actions {
		if a.Name == action {
			return true
		}
	}
	return false
}

// RequiredParams returns the required parameter names for name.action.
// Unknown capability or action returns nil, false.
func (r *Registry) RequiredParams(name, action string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.descriptors[name]
	if !ok {
		return nil, false
	}
	for _, a := range desc.Actions {
		if a.Name == action {
			return a.requiredParams(), true
		}
	}
	return nil, false
}

// Execute dispatches one invocation to its handler, bounded by
// ExecTimeout. Unknown capability or action returns *UnknownError.
func (r *Registry) Execute(ctx context.Context, inv Invocation) (string, error) {
	r.mu.RLock()
	h, ok := r.handlers[inv.Name]
	r.mu.RUnlock()
	if !ok {
		return "", &UnknownError{Name: inv.Name}
	}
	if !r.HasAction(inv.Name, inv.Action) {
		return "", &UnknownError{Name: inv.Name, Action: inv.Action}
	}

	timeout := r.ExecTimeout
	if timeout == 0 {
		timeout = DefaultExecTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		data string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		data, err := h.Execute(callCtx, inv)
		done <- outcome{data, err}
	}()

	select {
	case out := <-done:
		return out.data, out.err
	case <-callCtx.Done():
		return "", fmt.Errorf("capability %q timed out after %s", inv.Name, timeout)
	}
}
