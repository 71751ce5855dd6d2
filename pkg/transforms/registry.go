// Package transforms holds the named per-tile transforms the CLI can run.
// Transforms register themselves from an init function and are looked up by
// name at job construction.
package transforms

import (
	"fmt"
	"sort"

	"github.com/mapgrid/tilereduce/pkg/tilereduce"
)

// Factory builds one Transform instance per worker.
type Factory func() tilereduce.Transform

var registry = make(map[string]Factory)

func Register(name string, factory Factory) error {
	if _, exists := registry[name]; exists {
		return fmt.Errorf("transform already registered: %s", name)
	}
	registry[name] = factory
	return nil
}

func Get(name string) (Factory, error) {
	factory, exists := registry[name]
	if !exists {
		return nil, fmt.Errorf("transform not found: %s", name)
	}
	return factory, nil
}

func List() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
