package accelerator

import (
	"context"
	"fmt"
	"sort"

	"github.com/nokchalatte/backend.ai-agent/pkg/log"
	"github.com/nokchalatte/backend.ai-agent/pkg/resource"
)

// Factory constructs a plugin by name. Built-in families register themselves
// in builtinFactories; tests register fakes directly on a Registry.
type Factory func() (Plugin, error)

var builtinFactories = map[string]Factory{
	"cuda": func() (Plugin, error) { return NewCUDAPlugin(""), nil },
}

// Registry holds the accelerator plugins that survived startup discovery,
// keyed by slot kind.
type Registry struct {
	plugins map[resource.SlotName]Plugin
}

// NewRegistry returns an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[resource.SlotName]Plugin)}
}

// Register adds an already-constructed plugin. Used by tests and by
// DiscoverAll for built-ins that pass discovery.
func (r *Registry) Register(p Plugin) {
	r.plugins[p.Name()] = p
}

// Get returns the plugin providing the given slot kind.
func (r *Registry) Get(name resource.SlotName) (Plugin, bool) {
	p, ok := r.plugins[name]
	return p, ok
}

// Plugins returns the loaded plugins in deterministic order.
func (r *Registry) Plugins() []Plugin {
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, string(name))
	}
	sort.Strings(names)

	out := make([]Plugin, 0, len(names))
	for _, name := range names {
		out = append(out, r.plugins[resource.SlotName(name)])
	}
	return out
}

// DiscoverAll loads the named built-in plugin families, runs discovery on
// each, and returns the discovered capacity per slot kind. A plugin that
// fails to construct or discover is logged and excluded; it never aborts
// discovery of the others or the agent itself.
func (r *Registry) DiscoverAll(ctx context.Context, families []string) (resource.SlotSet, error) {
	logger := log.WithComponent("accelerator")
	capacity := make(resource.SlotSet)

	for _, family := range families {
		factory, ok := builtinFactories[family]
		if !ok {
			logger.Warn().Str("plugin", family).Msg("unknown accelerator plugin, skipping")
			continue
		}

		plugin, err := factory()
		if err != nil {
			logger.Error().Err(err).Str("plugin", family).Msg("accelerator plugin failed to initialize, disabling")
			continue
		}

		units, err := plugin.Discover(ctx)
		if err != nil {
			logger.Error().Err(err).Str("plugin", family).Msg("accelerator discovery failed, disabling")
			continue
		}
		if units.IsZero() {
			logger.Info().Str("plugin", family).Msg("no accelerator units found")
			continue
		}

		r.Register(plugin)
		capacity[plugin.Name()] = units
		logger.Info().
			Str("plugin", family).
			Str("slot", string(plugin.Name())).
			Str("units", units.String()).
			Msg("accelerator plugin loaded")
	}

	if ctx.Err() != nil {
		return nil, fmt.Errorf("accelerator discovery interrupted: %w", ctx.Err())
	}
	return capacity, nil
}
