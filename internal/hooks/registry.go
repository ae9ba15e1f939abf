package hooks

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry maps lifecycle events to the hooks subscribed to them.
// A nil *Registry accepts every call and delivers nothing.
type Registry struct {
	mu        sync.RWMutex
	hooks     map[EventType][]Hook
	modes     map[string]string
	factories map[string]Factory
	executor  *Executor
}

// NewRegistry creates a registry that runs hooks on exec. A nil exec gets
// a default executor.
func NewRegistry(exec *Executor) *Registry {
	if exec == nil {
		exec = NewExecutor()
	}
	return &Registry{
		hooks:     make(map[EventType][]Hook),
		modes:     make(map[string]string),
		factories: make(map[string]Factory),
		executor:  exec,
	}
}

// RegisterFactory makes a hook type available to RegisterConfig
func (r *Registry) RegisterFactory(hookType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[hookType] = f
}

// Register subscribes hook to its event types. Disabled hooks are skipped.
func (r *Registry) Register(hook Hook) error {
	return r.register(hook, "warn")
}

func (r *Registry) register(hook Hook, mode string) error {
	if hook == nil {
		return fmt.Errorf("hook cannot be nil")
	}
	if !hook.Enabled() {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.modes[hook.Name()]; dup {
		return fmt.Errorf("hook %s already registered", hook.Name())
	}
	r.modes[hook.Name()] = mode
	for _, et := range hook.EventTypes() {
		r.hooks[et] = append(r.hooks[et], hook)
	}
	return nil
}

// RegisterConfig builds a hook through its type's factory and registers it
func (r *Registry) RegisterConfig(cfg Config) error {
	if !cfg.Enabled {
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.RLock()
	factory, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("hook %s: unknown hook type %q", cfg.Name, cfg.Type)
	}

	hook, err := factory(cfg)
	if err != nil {
		return fmt.Errorf("hook %s: %w", cfg.Name, err)
	}
	mode := cfg.FailureMode
	if mode == "" {
		mode = "warn"
	}
	return r.register(hook, mode)
}

// Load registers every configured hook, stopping at the first error
func (r *Registry) Load(cfgs []Config) error {
	for _, cfg := range cfgs {
		if err := r.RegisterConfig(cfg); err != nil {
			return err
		}
	}
	return nil
}

// Unregister removes the named hook from every event
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.modes, name)
	for et, hs := range r.hooks {
		kept := hs[:0]
		for _, h := range hs {
			if h.Name() != name {
				kept = append(kept, h)
			}
		}
		if len(kept) == 0 {
			delete(r.hooks, et)
		} else {
			r.hooks[et] = kept
		}
	}
}

// HooksFor returns the hooks subscribed to eventType
func (r *Registry) HooksFor(eventType EventType) []Hook {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Hook, len(r.hooks[eventType]))
	copy(out, r.hooks[eventType])
	return out
}

// Names returns the registered hook names, sorted
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modes))
	for n := range r.modes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered hooks
func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modes)
}

// Trigger runs every hook subscribed to event and waits for them. The error
// is non-nil only when a hook configured with failure mode "fail" failed.
func (r *Registry) Trigger(ctx context.Context, event *Event) ([]ExecutionResult, error) {
	hooks := r.HooksFor(event.Type)
	if len(hooks) == 0 {
		return nil, nil
	}

	r.mu.RLock()
	modes := make(map[string]string, len(hooks))
	for _, h := range hooks {
		modes[h.Name()] = r.modes[h.Name()]
	}
	r.mu.RUnlock()

	results := r.executor.ExecuteAll(ctx, event, hooks)
	return results, r.executor.HandleResults(results, modes)
}

// Emit builds an event and triggers it, logging instead of returning
// hook failures
func (r *Registry) Emit(ctx context.Context, eventType EventType, prdID string, data map[string]any) {
	if r == nil {
		return
	}
	if _, err := r.Trigger(ctx, NewEvent(eventType, prdID, data)); err != nil {
		r.executor.logger.WithError(err).Warn("hook delivery failed", "event", eventType, "prd_id", prdID)
	}
}
