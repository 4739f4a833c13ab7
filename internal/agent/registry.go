package agent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"sync"

	"github.com/pocketcmd/pocketcmd/internal/config"
)

// ErrNotFound is returned for names without a registered definition.
var ErrNotFound = errors.New("agent not found")

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Definition is a named agent factory.
type Definition struct {
	Name        string
	Type        string
	Description string
	Config      config.AgentConfig
	New         Factory
}

// Registry maps agent names to definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{
		defs: make(map[string]*Definition),
	}
}

// Register adds or replaces a definition.
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.New == nil {
		return errors.New("register agent: missing factory")
	}
	if !namePattern.MatchString(def.Name) {
		return fmt.Errorf("register agent: invalid name %q", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
	return nil
}

// Get retrieves a definition by name.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return def, nil
}

// Unregister removes a definition by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.defs, name)
}

// List returns all definitions sorted by name.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns all agent names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Exists checks if an agent exists.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[name]
	return ok
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// Resolve constructs a new instance of the named agent. The name and the
// definition's configuration are filled into env before the factory runs.
func (r *Registry) Resolve(ctx context.Context, name string, env Env) (Agent, *Env, error) {
	def, err := r.Get(name)
	if err != nil {
		return nil, nil, err
	}

	env.Name = def.Name
	env.Config = def.Config
	env.Log = env.Log.With().Str("agent", def.Name).Logger()

	ag, err := def.New(ctx, &env)
	if err != nil {
		return nil, nil, fmt.Errorf("create agent %s: %w", name, err)
	}
	if ag == nil {
		return nil, nil, fmt.Errorf("create agent %s: factory returned nil", name)
	}
	return ag, &env, nil
}

// LoadFromConfig registers one definition per configured agent. Every
// agent type must have a constructor.
func (r *Registry) LoadFromConfig(agents map[string]config.AgentConfig, types map[string]Constructor) error {
	names := make([]string, 0, len(agents))
	for name := range agents {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		cfg := agents[name]
		ctor, ok := types[cfg.Type]
		if !ok {
			return fmt.Errorf("agent %q: unknown type %q", name, cfg.Type)
		}
		factory, err := ctor(cfg)
		if err != nil {
			return fmt.Errorf("agent %q: %w", name, err)
		}
		err = r.Register(&Definition{
			Name:        name,
			Type:        cfg.Type,
			Description: cfg.Description,
			Config:      cfg,
			New:         factory,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
