package transform

import (
	"fmt"
	"plugin"
	"sync"
)

// pluginSymbol is the name every transform plugin must export: a package
// level variable whose concrete type implements Transform.
const pluginSymbol = "Transform"

// registry caches opened plugin handles by path so the same .so is never
// dlopen'd twice for one process.
type registry struct {
	mu      sync.Mutex
	symbols map[string]Transform
}

var pluginRegistry = &registry{symbols: map[string]Transform{}}

// LoadPlugin opens the Go plugin at path and looks up its exported
// Transform symbol. Plugins are opened once per path and cached; later calls
// with the same path return the cached instance.
func LoadPlugin(path string) (Transform, error) {
	pluginRegistry.mu.Lock()
	defer pluginRegistry.mu.Unlock()

	if t, ok := pluginRegistry.symbols[path]; ok {
		return t, nil
	}

	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transform: opening plugin %q: %w", path, err)
	}

	sym, err := p.Lookup(pluginSymbol)
	if err != nil {
		return nil, fmt.Errorf("transform: plugin %q missing symbol %q: %w", path, pluginSymbol, err)
	}

	t, ok := sym.(Transform)
	if !ok {
		return nil, fmt.Errorf("transform: plugin %q symbol %q does not implement Transform", path, pluginSymbol)
	}

	pluginRegistry.symbols[path] = t
	return t, nil
}
