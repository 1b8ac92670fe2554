package kernel

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultModuleHookTimeout   = 5 * time.Second
	defaultShutdownTimeout     = 10 * time.Second
	defaultSubscriptionBuffer  = 256
	defaultSubscriptionWorkers = 1
	defaultHandlerTimeout      = 3 * time.Second
)

type config struct {
	moduleHookTimeout   time.Duration
	shutdownTimeout     time.Duration
	subscriptionBuffer  int
	subscriptionWorkers int
	handlerTimeout      time.Duration
	logger              *slog.Logger
	onAsyncError        func(context.Context, string, error)
	moduleSources       map[string][]string
}

// Option mutates kernel construction configuration.
type Option func(*config)

func defaultConfig() config {
	logger := slog.Default()

	return config{
		moduleHookTimeout:   defaultModuleHookTimeout,
		shutdownTimeout:     defaultShutdownTimeout,
		subscriptionBuffer:  defaultSubscriptionBuffer,
		subscriptionWorkers: defaultSubscriptionWorkers,
		handlerTimeout:      defaultHandlerTimeout,
		logger:              logger,
		onAsyncError:        asyncErrorLogger(logger),
		moduleSources:       make(map[string][]string),
	}
}

func asyncErrorLogger(logger *slog.Logger) func(context.Context, string, error) {
	return func(ctx context.Context, scope string, err error) {
		logger.ErrorContext(ctx, "relay async error", "scope", scope, "error", err)
	}
}

// WithModuleHookTimeout bounds each OnRegister, OnStart and OnShutdown call.
func WithModuleHookTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.moduleHookTimeout = timeout
		}
	}
}

// WithShutdownTimeout bounds the whole shutdown sequence.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.shutdownTimeout = timeout
		}
	}
}

// WithDefaultSubscriptionBuffer sets the queue depth for subscriptions that leave it unset.
func WithDefaultSubscriptionBuffer(size int) Option {
	return func(cfg *config) {
		if size > 0 {
			cfg.subscriptionBuffer = size
		}
	}
}

// WithDefaultSubscriptionWorkers sets the worker count for subscriptions that leave it unset.
func WithDefaultSubscriptionWorkers(workers int) Option {
	return func(cfg *config) {
		if workers > 0 {
			cfg.subscriptionWorkers = workers
		}
	}
}

// WithDefaultHandlerTimeout sets the per-event handler timeout for subscriptions that leave it unset.
func WithDefaultHandlerTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.handlerTimeout = timeout
		}
	}
}

// WithLogger sets the kernel logger. It also becomes the logger service and
// the default async error sink.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger == nil {
			return
		}
		cfg.logger = logger
		cfg.onAsyncError = asyncErrorLogger(logger)
	}
}

// WithAsyncErrorHandler overrides how handler and backpressure failures are reported.
func WithAsyncErrorHandler(handler func(context.Context, string, error)) Option {
	return func(cfg *config) {
		if handler != nil {
			cfg.onAsyncError = handler
		}
	}
}

// WithModuleSources restricts named modules to events published by the listed drivers.
func WithModuleSources(routes map[string][]string) Option {
	return func(cfg *config) {
		cfg.moduleSources = make(map[string][]string, len(routes))
		for module, sources := range routes {
			if len(sources) == 0 {
				continue
			}
			cfg.moduleSources[module] = append([]string(nil), sources...)
		}
	}
}
