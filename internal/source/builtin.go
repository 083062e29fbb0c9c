package source

import (
	"context"
	"fmt"
	"log/slog"

	"zof/internal/source/replay"
	"zof/pkg/zof"
)

// NewBuiltinRegistry constructs the source registry with all built-in source types.
func NewBuiltinRegistry() (*Registry, error) {
	return NewRegistry([]Descriptor{
		{
			Type: replay.SourceType,
			Builder: func(_ context.Context, definition Definition, logger *slog.Logger) (zof.Source, error) {
				source, err := replay.BuildFromConfig(definition.Name, logger, definition.Config)
				if err != nil {
					return nil, fmt.Errorf("build replay source from config: %w", err)
				}

				return source, nil
			},
		},
	})
}
