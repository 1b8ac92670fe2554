package driver

import (
	"context"
	"fmt"
	"log/slog"

	"msgrelay/internal/driver/replay"
	"msgrelay/pkg/relay"
)

// NewBuiltinRegistry constructs the registry with every built-in driver type.
func NewBuiltinRegistry() (*Registry, error) {
	return NewRegistry([]Descriptor{
		{
			Type: replay.DriverType,
			Builder: func(_ context.Context, definition Definition, logger *slog.Logger) (relay.Driver, error) {
				built, err := replay.BuildFromConfig(definition.Name, logger, definition.Config)
				if err != nil {
					return nil, fmt.Errorf("build replay driver from config: %w", err)
				}
				return built, nil
			},
		},
	})
}
