package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type runtimeConfig struct {
	Path           string `json:"path"`
	PublishTimeout string `json:"publish_timeout"`
	Interval       string `json:"interval"`
	ExitOnEOF      bool   `json:"exit_on_eof"`
}

type parsedRuntimeConfig struct {
	path           string
	publishTimeout time.Duration
	interval       time.Duration
	exitOnEOF      bool
}

// BuildFromConfig builds one replay driver from its config payload.
func BuildFromConfig(name string, logger *slog.Logger, rawConfig []byte) (*Driver, error) {
	cfg, err := parseRuntimeConfig(rawConfig)
	if err != nil {
		return nil, fmt.Errorf("parse replay runtime config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	driver, err := New(FileSource(cfg.path),
		WithName(name),
		WithPublishTimeout(cfg.publishTimeout),
		WithInterval(cfg.interval),
		WithExitOnEOF(cfg.exitOnEOF),
		WithErrorHandler(func(ctx context.Context, err error) {
			logger.WarnContext(ctx, "replay event skipped",
				"path", cfg.path,
				"error", err,
			)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("new replay driver: %w", err)
	}

	return driver, nil
}

func parseRuntimeConfig(raw []byte) (parsedRuntimeConfig, error) {
	if len(raw) == 0 {
		return parsedRuntimeConfig{}, fmt.Errorf("missing config")
	}

	var parsed runtimeConfig
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return parsedRuntimeConfig{}, fmt.Errorf("unmarshal: %w", err)
	}

	cfg := parsedRuntimeConfig{
		path:           strings.TrimSpace(parsed.Path),
		publishTimeout: defaultPublishTimeout,
		exitOnEOF:      parsed.ExitOnEOF,
	}
	if cfg.path == "" {
		return parsedRuntimeConfig{}, fmt.Errorf("missing path")
	}

	if timeout := strings.TrimSpace(parsed.PublishTimeout); timeout != "" {
		parsedTimeout, err := time.ParseDuration(timeout)
		if err != nil {
			return parsedRuntimeConfig{}, fmt.Errorf("parse publish_timeout: %w", err)
		}
		if parsedTimeout <= 0 {
			return parsedRuntimeConfig{}, fmt.Errorf("parse publish_timeout: must be > 0")
		}
		cfg.publishTimeout = parsedTimeout
	}
	if interval := strings.TrimSpace(parsed.Interval); interval != "" {
		parsedInterval, err := time.ParseDuration(interval)
		if err != nil {
			return parsedRuntimeConfig{}, fmt.Errorf("parse interval: %w", err)
		}
		if parsedInterval < 0 {
			return parsedRuntimeConfig{}, fmt.Errorf("parse interval: must be >= 0")
		}
		cfg.interval = parsedInterval
	}

	return cfg, nil
}
