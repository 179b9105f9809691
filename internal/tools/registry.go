package tools

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the name-addressed tool map. Built-ins and custom tools
// share one namespace; a custom tool may never shadow a built-in.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	builtins map[string]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    map[string]Tool{},
		builtins: map[string]bool{},
	}
}

// RegisterBuiltin adds a built-in tool after validating its schema.
func (r *Registry) RegisterBuiltin(t Tool) error {
	if err := ValidateSchema(t.Schema()); err != nil {
		return fmt.Errorf("tools: builtin %s: %w", t.Name(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tools: duplicate builtin %s", t.Name())
	}
	r.tools[t.Name()] = t
	r.builtins[t.Name()] = true
	return nil
}

// RegisterCustom adds a user-supplied tool. Shadowing a built-in or an
// earlier custom tool is rejected; callers quarantine on error.
func (r *Registry) RegisterCustom(t Tool) error {
	if err := ValidateSchema(t.Schema()); err != nil {
		return fmt.Errorf("tools: custom %s: %w", t.Name(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.builtins[t.Name()] {
		return fmt.Errorf("tools: custom tool %s shadows a builtin", t.Name())
	}
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tools: duplicate custom tool %s", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CustomNames lists only the user-supplied tool names, sorted.
func (r *Registry) CustomNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name := range r.tools {
		if !r.builtins[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// All returns every registered tool in name order.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name])
	}
	return out
}

// Filtered returns the tools whose names are in allow, in name order.
// A nil allow set means no restriction.
func (r *Registry) Filtered(allow map[string]bool) []Tool {
	if allow == nil {
		return r.All()
	}
	var out []Tool
	for _, t := range r.All() {
		if allow[t.Name()] {
			out = append(out, t)
		}
	}
	return out
}
