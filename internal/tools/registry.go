package tools

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry errors.
var (
	ErrAlreadyRegistered = errors.New("tool already registered")
	ErrFrozen            = errors.New("registry is frozen")
)

// Registry holds the tool table. It is populated at startup and then frozen;
// after Freeze, lookups read the map directly without locking.
type Registry struct {
	mu     sync.RWMutex
	frozen bool
	defs   map[string]*Definition
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		defs:   make(map[string]*Definition),
		logger: logger.With("component", "tools.registry"),
	}
}

// Register adds a tool definition. Duplicate names fail with
// ErrAlreadyRegistered unless override is set; overrides are logged.
func (r *Registry) Register(def *Definition, override bool) error {
	if def == nil || def.Name == "" {
		return errors.New("tool definition requires a name")
	}
	if err := def.Policy.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrFrozen
	}

	if existing, ok := r.defs[def.Name]; ok {
		if !override {
			return fmt.Errorf("%w: %s", ErrAlreadyRegistered, def.Name)
		}
		r.logger.Warn("tool registration overridden",
			"tool", def.Name,
			"old_min_role", existing.Policy.MinRole.String(),
			"new_min_role", def.Policy.MinRole.String(),
		)
	}

	r.defs[def.Name] = def
	return nil
}

// Freeze makes the registry read-only. Lookups after Freeze take no lock.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the definition for a tool name.
func (r *Registry) Lookup(name string) (*Definition, bool) {
	if r.isFrozen() {
		def, ok := r.defs[name]
		return def, ok
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// VisibleTo enumerates tools whose minimum role is at or below the given
// role, sorted by name.
func (r *Registry) VisibleTo(role Role) []string {
	defs := r.snapshot()
	names := make([]string, 0, len(defs))
	for name, def := range defs {
		if role.AtLeast(def.Policy.MinRole) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// All returns every registered definition, sorted by name.
func (r *Registry) All() []*Definition {
	defs := r.snapshot()
	out := make([]*Definition, 0, len(defs))
	for _, def := range defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.snapshot())
}

func (r *Registry) isFrozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

func (r *Registry) snapshot() map[string]*Definition {
	if r.isFrozen() {
		return r.defs
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	copied := make(map[string]*Definition, len(r.defs))
	for k, v := range r.defs {
		copied[k] = v
	}
	return copied
}
