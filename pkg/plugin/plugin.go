package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// DefaultAction is invoked when a task names no action.
const DefaultAction = "run"

// Invocation carries one firing's inputs to a plugin action
type Invocation struct {
	TaskID string
	Worker string
	Args   []any
	Kwargs map[string]any
}

// ActionFunc is a single callable plugin action. Blocking implementations
// run inside the firing goroutine; distinct tasks fire concurrently.
type ActionFunc func(ctx context.Context, inv Invocation) (any, error)

// Plugin is a named bundle of actions registered at process start
type Plugin interface {
	Name() string
	Actions() map[string]ActionFunc
}

// Registry resolves plugins by name. Registration happens once at startup;
// lookups are concurrent.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry creates an empty plugin registry
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds a plugin. Re-registering a name replaces the previous
// plugin, which supports reload-on-change setups.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	r.plugins[p.Name()] = p
	r.mu.Unlock()
}

// Resolve returns the action function for a plugin/action pair. The action
// defaults to "run" when empty.
func (r *Registry) Resolve(plugin, action string) (ActionFunc, error) {
	if action == "" {
		action = DefaultAction
	}

	r.mu.RLock()
	p, ok := r.plugins[plugin]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("plugin %q not registered", plugin)
	}

	fn, ok := p.Actions()[action]
	if !ok {
		return nil, fmt.Errorf("plugin %q has no action %q", plugin, action)
	}
	return fn, nil
}

// Names returns the registered plugin names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Func is a convenience single-action plugin
type Func struct {
	PluginName string
	Fn         ActionFunc
}

// Name implements Plugin
func (f Func) Name() string { return f.PluginName }

// Actions implements Plugin
func (f Func) Actions() map[string]ActionFunc {
	return map[string]ActionFunc{DefaultAction: f.Fn}
}
