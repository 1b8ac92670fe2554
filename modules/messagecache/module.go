package messagecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"msgrelay/pkg/msgcache"
	"msgrelay/pkg/relay"
)

// Option mutates message cache module configuration.
type Option func(*Module)

// WithLogger injects a logger directly, bypassing service lookup.
func WithLogger(logger *slog.Logger) Option {
	return func(module *Module) {
		if logger != nil {
			module.logger = logger
			module.explicitLogger = true
		}
	}
}

// WithTTL sets how long a saved message can be recovered.
func WithTTL(ttl time.Duration) Option {
	return func(module *Module) {
		if ttl > 0 {
			module.storeOptions = append(module.storeOptions, msgcache.WithTTL(ttl))
		}
	}
}

// WithMaxEntries sets the cache capacity.
func WithMaxEntries(maxEntries int) Option {
	return func(module *Module) {
		if maxEntries > 0 {
			module.storeOptions = append(module.storeOptions, msgcache.WithMaxEntries(maxEntries))
		}
	}
}

// WithCheckPeriod sets the expiry sweep interval. Zero disables sweeping.
func WithCheckPeriod(period time.Duration) Option {
	return func(module *Module) {
		if period >= 0 {
			module.storeOptions = append(module.storeOptions, msgcache.WithCheckPeriod(period))
		}
	}
}

// Module owns one message store. The store is created at registration so it
// logs through the kernel logger.
type Module struct {
	logger         *slog.Logger
	explicitLogger bool
	storeOptions   []msgcache.Option

	store atomic.Pointer[msgcache.Store]
}

// New creates a message cache module.
func New(options ...Option) *Module {
	module := &Module{
		logger: slog.Default(),
	}
	for _, option := range options {
		option(module)
	}

	return module
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "message-cache"
}

// Spec declares which events populate the cache.
func (m *Module) Spec() relay.ModuleSpec {
	return relay.ModuleSpec{
		Handlers: []relay.ModuleHandler{
			{
				Capability: relay.Capability{
					Name:        "message-cache-writer",
					Description: "remembers created and sent messages so key-only updates can recover their content",
					Interest: relay.InterestSet{
						Kinds: []relay.EventKind{
							relay.EventKindMessageCreated,
							relay.EventKindMessageSent,
						},
						RequireContent: true,
					},
				},
				Subscription: relay.NewDefaultSubscriptionSpec("message-cache-writer"),
				Handler:      m.handleEvent,
			},
		},
	}
}

// OnRegister creates the store and registers it as the shared message cache service.
func (m *Module) OnRegister(_ context.Context, runtime relay.ModuleRuntime) error {
	if !m.explicitLogger {
		logger, err := relay.ResolveAs[*slog.Logger](runtime.Services(), relay.ServiceLogger)
		switch {
		case err == nil:
			m.logger = logger
		case errors.Is(err, relay.ErrServiceNotFound):
		default:
			return fmt.Errorf("message cache resolve logger: %w", err)
		}
	}

	options := append([]msgcache.Option{msgcache.WithLogger(m.logger)}, m.storeOptions...)
	store := msgcache.New(options...)
	if previous := m.store.Swap(store); previous != nil {
		previous.Close()
	}

	if err := runtime.Services().Register(relay.ServiceMessageCache, m); err != nil {
		m.store.CompareAndSwap(store, nil)
		store.Close()
		return fmt.Errorf("message cache register service %s: %w", relay.ServiceMessageCache, err)
	}

	return nil
}

// OnStart starts the module lifecycle.
func (m *Module) OnStart(ctx context.Context) error {
	m.logger.InfoContext(ctx, "message cache module started", "module", m.Name())

	return nil
}

// OnShutdown stops the store sweeper and drops every cached message.
func (m *Module) OnShutdown(ctx context.Context) error {
	store := m.store.Swap(nil)
	if store == nil {
		return nil
	}

	entries := store.Len()
	store.Close()
	m.logger.InfoContext(ctx,
		"message cache module shutdown",
		"module", m.Name(),
		"entries", entries,
	)

	return nil
}

// Save remembers msg until it expires or is evicted. It is a no-op before registration.
func (m *Module) Save(msg *relay.Message) {
	if store := m.store.Load(); store != nil {
		store.Save(msg)
	}
}

// Get returns the cached content for key. It always misses before registration.
func (m *Module) Get(key relay.MessageKey) (any, bool) {
	store := m.store.Load()
	if store == nil {
		return nil, false
	}

	return store.Get(key)
}

func (m *Module) handleEvent(_ context.Context, event *relay.Event) error {
	switch event.Kind {
	case relay.EventKindMessageCreated, relay.EventKindMessageSent:
		m.Save(event.Message)
	}

	return nil
}
