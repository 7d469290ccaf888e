// Package actions maps action identifiers used in plan steps to handlers.
// Handlers are registered and bound once at startup; a plan whose steps name
// an unknown action is rejected before any step runs.
package actions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownAction is returned when binding an action id with no handler.
var ErrUnknownAction = errors.New("unknown action")

// Capability describes what a handler touches.
type Capability string

const (
	CapabilityRead     Capability = "read"
	CapabilityWrite    Capability = "write"
	CapabilityExternal Capability = "external"
	CapabilityCompute  Capability = "compute"
)

// AllCapabilities returns all valid capabilities
func AllCapabilities() []Capability {
	return []Capability{
		CapabilityRead,
		CapabilityWrite,
		CapabilityExternal,
		CapabilityCompute,
	}
}

// IsValidCapability checks if a capability is valid
func IsValidCapability(c Capability) bool {
	for _, valid := range AllCapabilities() {
		if c == valid {
			return true
		}
	}
	return false
}

// StepContext is what a handler knows about the step it runs for.
type StepContext struct {
	PlanID          string
	StepID          string
	StepName        string
	Attempt         int
	Objective       string
	ExpectedOutputs []string
	// Inputs holds the outputs of completed dependency steps keyed by step id.
	Inputs map[string]Output
	// Modification is set by a retry modifier when the step is retried with
	// a different approach.
	Modification string
}

// Output is the result of one action.
type Output map[string]interface{}

// Handler executes one action.
type Handler interface {
	Capability() Capability
	Execute(ctx context.Context, sc StepContext) (Output, error)
}

// Func adapts a function to Handler.
type Func struct {
	Cap Capability
	Fn  func(ctx context.Context, sc StepContext) (Output, error)
}

func (f Func) Capability() Capability { return f.Cap }

func (f Func) Execute(ctx context.Context, sc StepContext) (Output, error) {
	return f.Fn(ctx, sc)
}

// Registry holds the handlers known to the process.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under id. Registering an id twice is an error.
func (r *Registry) Register(id string, h Handler) error {
	id = normalize(id)
	if id == "" {
		return fmt.Errorf("action id is required")
	}
	if h == nil {
		return fmt.Errorf("action %s: handler is nil", id)
	}
	if !IsValidCapability(h.Capability()) {
		return fmt.Errorf("action %s: invalid capability %q", id, h.Capability())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[id]; exists {
		return fmt.Errorf("action %s already registered", id)
	}
	r.handlers[id] = h
	return nil
}

// MustRegister is Register that panics on error. Use during startup wiring.
func (r *Registry) MustRegister(id string, h Handler) {
	if err := r.Register(id, h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for id.
func (r *Registry) Lookup(id string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[normalize(id)]
	return h, ok
}

// IDs returns the registered ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Bind resolves ids to handlers. Every unknown id is reported.
func (r *Registry) Bind(ids ...string) (Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b := make(Binding, len(ids))
	var errs []error
	for _, id := range ids {
		key := normalize(id)
		h, ok := r.handlers[key]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownAction, id))
			continue
		}
		b[key] = h
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return b, nil
}

// Binding is a resolved set of handlers.
type Binding map[string]Handler

// Run executes action id. The id must have been bound.
func (b Binding) Run(ctx context.Context, id string, sc StepContext) (Output, error) {
	h, ok := b[normalize(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %q was not bound", ErrUnknownAction, id)
	}
	return h.Execute(ctx, sc)
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
