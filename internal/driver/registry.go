package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"msgrelay/pkg/relay"
)

// Definition describes one configured driver entry.
type Definition struct {
	// Name is the driver instance identifier. It becomes the event source.
	Name string
	// Type selects the builder that constructs this driver.
	Type string
	// Enabled controls whether this definition is built.
	Enabled bool
	// Config stores the driver-type-specific JSON payload.
	Config []byte
}

// BuilderFunc builds one driver from one configured definition.
type BuilderFunc func(ctx context.Context, definition Definition, logger *slog.Logger) (relay.Driver, error)

// Descriptor binds a driver type token to its builder.
type Descriptor struct {
	// Type is the driver type token used in configuration, for example "replay".
	Type string
	// Builder constructs one driver of this type.
	Builder BuilderFunc
}

// Registry maps driver types to builders. It is immutable after construction.
type Registry struct {
	builders map[string]BuilderFunc
	types    []string
}

// NewRegistry creates a registry from descriptors.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	builders := make(map[string]BuilderFunc, len(descriptors))
	types := make([]string, 0, len(descriptors))
	for _, descriptor := range descriptors {
		if descriptor.Type == "" {
			return nil, fmt.Errorf("new registry: empty descriptor type")
		}
		if descriptor.Builder == nil {
			return nil, fmt.Errorf("new registry type %s: nil builder", descriptor.Type)
		}
		if _, exists := builders[descriptor.Type]; exists {
			return nil, fmt.Errorf("new registry type %s: duplicate", descriptor.Type)
		}

		builders[descriptor.Type] = descriptor.Builder
		types = append(types, descriptor.Type)
	}
	sort.Strings(types)

	return &Registry{
		builders: builders,
		types:    types,
	}, nil
}

// Types returns the registered driver types in sorted order.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}

	return append([]string(nil), r.types...)
}

// BuildEnabled builds every enabled definition in order. Names must be unique
// among enabled definitions.
func (r *Registry) BuildEnabled(
	ctx context.Context,
	definitions []Definition,
	logger *slog.Logger,
) ([]relay.Driver, error) {
	if r == nil {
		return nil, fmt.Errorf("build drivers: nil registry")
	}
	if logger == nil {
		logger = slog.Default()
	}

	drivers := make([]relay.Driver, 0, len(definitions))
	seen := make(map[string]struct{}, len(definitions))
	for _, definition := range definitions {
		if !definition.Enabled {
			continue
		}
		if definition.Name == "" {
			return nil, fmt.Errorf("build driver: empty name")
		}
		if _, exists := seen[definition.Name]; exists {
			return nil, fmt.Errorf("build driver %s: duplicate name", definition.Name)
		}
		seen[definition.Name] = struct{}{}

		builder, exists := r.builders[definition.Type]
		if !exists {
			return nil, fmt.Errorf("build driver %s type %q: unsupported type", definition.Name, definition.Type)
		}

		built, err := builder(ctx, definition, logger.With("driver", definition.Name))
		if err != nil {
			return nil, fmt.Errorf("build driver %s type %s: %w", definition.Name, definition.Type, err)
		}
		if built == nil {
			return nil, fmt.Errorf("build driver %s type %s: nil driver", definition.Name, definition.Type)
		}
		drivers = append(drivers, built)
	}

	return drivers, nil
}
