package source

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"zof/pkg/zof"
)

// Definition describes one configured event source entry.
type Definition struct {
	// Name is the stable configured source instance identifier.
	Name string
	// Type identifies which builder should construct this source.
	Type string
	// Enabled controls whether this definition is active.
	Enabled bool
	// Config stores source-type-specific JSON payload.
	Config []byte
}

// BuilderFunc builds one source from one configured definition.
type BuilderFunc func(ctx context.Context, definition Definition, logger *slog.Logger) (zof.Source, error)

// Descriptor binds one source type token to its builder.
type Descriptor struct {
	// Type is the source type token from configuration (for example "replay").
	Type string
	// Builder constructs one source instance for this type.
	Builder BuilderFunc
}

// Registry maps source types to builders.
type Registry struct {
	builders map[string]BuilderFunc
	types    []string
}

// NewRegistry creates one immutable source registry from descriptors.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	builders := make(map[string]BuilderFunc, len(descriptors))
	types := make([]string, 0, len(descriptors))
	for _, descriptor := range descriptors {
		switch {
		case descriptor.Type == "":
			return nil, fmt.Errorf("new source registry: empty descriptor type")
		case descriptor.Builder == nil:
			return nil, fmt.Errorf("new source registry type %s: nil builder", descriptor.Type)
		}
		if _, exists := builders[descriptor.Type]; exists {
			return nil, fmt.Errorf("new source registry type %s: duplicate", descriptor.Type)
		}

		builders[descriptor.Type] = descriptor.Builder
		types = append(types, descriptor.Type)
	}
	slices.Sort(types)

	return &Registry{builders: builders, types: types}, nil
}

// Types returns all registered source types in sorted order.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}

	return slices.Clone(r.types)
}

// BuildEnabled builds every enabled definition, in definition order.
func (r *Registry) BuildEnabled(
	ctx context.Context,
	definitions []Definition,
	logger *slog.Logger,
) ([]zof.Source, error) {
	if r == nil {
		return nil, fmt.Errorf("build sources: nil registry")
	}
	if logger == nil {
		logger = slog.Default()
	}

	sources := make([]zof.Source, 0, len(definitions))
	seenNames := make(map[string]struct{}, len(definitions))
	for _, definition := range definitions {
		if !definition.Enabled {
			continue
		}
		if definition.Name == "" {
			return nil, fmt.Errorf("build source: empty name")
		}
		if _, exists := seenNames[definition.Name]; exists {
			return nil, fmt.Errorf("build source %s: duplicate name", definition.Name)
		}
		seenNames[definition.Name] = struct{}{}

		builder, exists := r.builders[definition.Type]
		if !exists {
			return nil, fmt.Errorf("build source %s type %q: unsupported type", definition.Name, definition.Type)
		}

		built, err := builder(ctx, definition, logger.With("source", definition.Name))
		if err != nil {
			return nil, fmt.Errorf("build source %s type %s: %w", definition.Name, definition.Type, err)
		}
		if built == nil {
			return nil, fmt.Errorf("build source %s type %s: nil source", definition.Name, definition.Type)
		}

		sources = append(sources, built)
	}

	return sources, nil
}
