package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"msgrelay/pkg/relay"
)

// Kernel wires modules, drivers and the event bus of the message pipeline.
type Kernel struct {
	cfg config

	bus      *EventBus
	services *ServiceRegistry

	mu          sync.RWMutex
	modules     map[string]*moduleRecord
	moduleOrder []string
	drivers     map[string]relay.Driver
	driverOrder []string

	runMu   sync.Mutex
	running bool
}

// New creates a kernel. The configured logger is registered as the logger service.
func New(options ...Option) *Kernel {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	k := &Kernel{
		cfg:      cfg,
		services: NewServiceRegistry(),
		bus: NewEventBus(
			cfg.subscriptionBuffer,
			cfg.subscriptionWorkers,
			cfg.handlerTimeout,
			cfg.onAsyncError,
		),
		modules: make(map[string]*moduleRecord),
		drivers: make(map[string]relay.Driver),
	}
	if err := k.services.Register(relay.ServiceLogger, cfg.logger); err != nil {
		cfg.onAsyncError(context.Background(), "register logger service", err)
	}

	return k
}

// EventBus exposes the kernel event bus to integration code.
func (k *Kernel) EventBus() relay.EventBus {
	return k.bus
}

// Services exposes the kernel service registry.
func (k *Kernel) Services() relay.ServiceRegistry {
	return k.services
}

// RegisterService registers a runtime service singleton.
func (k *Kernel) RegisterService(name string, service any) error {
	if err := k.services.Register(name, service); err != nil {
		return fmt.Errorf("register service %s: %w", name, err)
	}

	return nil
}

// RegisterModule registers a module, runs its optional OnRegister hook and
// subscribes its declared handlers. A failure rolls the registration back.
func (k *Kernel) RegisterModule(ctx context.Context, module relay.Module) error {
	if module == nil {
		return fmt.Errorf("register module: nil module")
	}
	name := module.Name()
	if name == "" {
		return fmt.Errorf("register module: empty module name")
	}
	spec := module.Spec()
	if err := validateModuleSpec(spec); err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}

	record := &moduleRecord{
		module:       module,
		capabilities: spec.Capabilities(),
	}

	k.mu.Lock()
	if _, exists := k.modules[name]; exists {
		k.mu.Unlock()
		return fmt.Errorf("register module %s: %w", name, relay.ErrModuleAlreadyRegistered)
	}
	k.modules[name] = record
	k.moduleOrder = append(k.moduleOrder, name)
	k.mu.Unlock()

	runtime := &moduleRuntime{
		moduleName: name,
		services:   k.services,
		bus:        k.bus,
		record:     record,
	}

	hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
	defer cancel()

	if registrar, ok := module.(relay.ModuleRegistrar); ok {
		if err := runSafely("module "+name+" OnRegister", func() error {
			return registrar.OnRegister(hookCtx, runtime)
		}); err != nil {
			k.rollbackModule(ctx, name, record)
			return fmt.Errorf("register module %s: %w", name, err)
		}
	}

	// Required services are checked after OnRegister so that a module may
	// depend on a service it registers itself.
	if err := k.checkRequiredServices(record.capabilities); err != nil {
		k.rollbackModule(ctx, name, record)
		return fmt.Errorf("register module %s: %w", name, err)
	}

	if err := k.subscribeHandlers(hookCtx, name, runtime, spec.Handlers); err != nil {
		k.rollbackModule(ctx, name, record)
		return fmt.Errorf("register module %s: %w", name, err)
	}

	return nil
}

// RegisterDriver registers a message source driver.
func (k *Kernel) RegisterDriver(driver relay.Driver) error {
	if driver == nil {
		return fmt.Errorf("register driver: nil driver")
	}
	name := driver.Name()
	if name == "" {
		return fmt.Errorf("register driver: empty name")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.drivers[name]; exists {
		return fmt.Errorf("register driver %s: %w", name, relay.ErrDriverAlreadyRegistered)
	}
	k.drivers[name] = driver
	k.driverOrder = append(k.driverOrder, name)

	return nil
}

// Run starts modules and drivers and blocks until ctx is canceled or a driver
// fails. Shutdown always runs before Run returns.
func (k *Kernel) Run(ctx context.Context) error {
	if err := k.beginRun(); err != nil {
		return err
	}
	defer k.endRun()

	if err := k.startModules(ctx); err != nil {
		shutdownErr := k.shutdown(ctx)
		return errors.Join(err, shutdownErr)
	}

	runCtx, stopDrivers := context.WithCancel(ctx)
	driverErr, waitDrivers := k.startDrivers(runCtx)

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-driverErr:
		runErr = err
	}

	stopDrivers()
	waitDrivers()

	if isContextCancellation(runErr) {
		runErr = nil
	}

	return errors.Join(runErr, k.shutdown(ctx))
}

func (k *Kernel) beginRun() error {
	k.runMu.Lock()
	defer k.runMu.Unlock()

	if k.running {
		return fmt.Errorf("kernel run: already running")
	}
	k.running = true

	return nil
}

func (k *Kernel) endRun() {
	k.runMu.Lock()
	k.running = false
	k.runMu.Unlock()
}

// startModules invokes OnStart in registration order.
func (k *Kernel) startModules(ctx context.Context) error {
	for _, entry := range k.moduleSnapshot() {
		hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
		err := runSafely("module "+entry.name+" OnStart", func() error {
			return entry.record.module.OnStart(hookCtx)
		})
		cancel()
		if err != nil {
			return fmt.Errorf("start module %s: %w", entry.name, err)
		}
	}

	return nil
}

// startDrivers runs every driver on its own goroutine. The returned channel
// yields the first fatal driver error, or context.Canceled once all drivers
// returned cleanly. The wait function blocks for driver exit up to the
// shutdown timeout.
func (k *Kernel) startDrivers(ctx context.Context) (<-chan error, func()) {
	errs := make(chan error, 1)
	done := make(chan struct{})
	var wg sync.WaitGroup

	for _, entry := range k.driverSnapshot() {
		sink := &driverSink{
			source: entry.name,
			bus:    k.bus,
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			k.cfg.logger.InfoContext(ctx, "driver starting", "driver", entry.name)
			err := runSafely("driver "+entry.name+" Start", func() error {
				return entry.driver.Start(ctx, sink)
			})
			if err == nil || isContextCancellation(err) {
				return
			}
			select {
			case errs <- fmt.Errorf("run driver %s: %w", entry.name, err):
			default:
			}
		}()
	}

	go func() {
		wg.Wait()
		close(done)
		select {
		case errs <- context.Canceled:
		default:
		}
	}()

	wait := func() {
		select {
		case <-done:
		case <-time.After(k.cfg.shutdownTimeout):
			k.cfg.logger.Warn("drivers did not stop before shutdown timeout",
				"timeout", k.cfg.shutdownTimeout,
			)
		}
	}

	return errs, wait
}

// shutdown stops drivers, drains the bus, then stops modules, all within the
// shutdown timeout and even when ctx is already canceled.
func (k *Kernel) shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.shutdownTimeout)
	defer cancel()

	err := errors.Join(
		k.shutdownDrivers(shutdownCtx),
		k.bus.Close(shutdownCtx),
		k.shutdownModules(shutdownCtx),
	)
	if err != nil {
		return fmt.Errorf("kernel shutdown: %w", err)
	}

	return nil
}

// shutdownDrivers calls Shutdown in reverse registration order.
func (k *Kernel) shutdownDrivers(ctx context.Context) error {
	entries := k.driverSnapshot()

	var shutdownErr error
	for idx := len(entries) - 1; idx >= 0; idx-- {
		entry := entries[idx]
		err := runSafely("driver "+entry.name+" Shutdown", func() error {
			return entry.driver.Shutdown(ctx)
		})
		if err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown driver %s: %w", entry.name, err))
		}
	}

	return shutdownErr
}

// shutdownModules closes module subscriptions then calls OnShutdown, in
// reverse registration order so that providers outlive their consumers.
func (k *Kernel) shutdownModules(ctx context.Context) error {
	entries := k.moduleSnapshot()

	var shutdownErr error
	for idx := len(entries) - 1; idx >= 0; idx-- {
		entry := entries[idx]
		if err := entry.record.closeSubscriptions(ctx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown module %s subscriptions: %w", entry.name, err))
		}

		hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
		err := runSafely("module "+entry.name+" OnShutdown", func() error {
			return entry.record.module.OnShutdown(hookCtx)
		})
		cancel()
		if err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown module %s: %w", entry.name, err))
		}
	}

	return shutdownErr
}

// rollbackModule removes a partially registered module.
func (k *Kernel) rollbackModule(ctx context.Context, name string, record *moduleRecord) {
	rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.moduleHookTimeout)
	defer cancel()

	if err := record.closeSubscriptions(rollbackCtx); err != nil {
		k.cfg.onAsyncError(rollbackCtx, "rollback module "+name, err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.modules, name)
	k.moduleOrder = slicesDelete(k.moduleOrder, name)
}

func (k *Kernel) checkRequiredServices(capabilities []relay.Capability) error {
	for _, capability := range capabilities {
		for _, serviceName := range capability.RequiredServices {
			if _, err := k.services.Resolve(serviceName); err != nil {
				return fmt.Errorf("capability %s requires service %s: %w", capability.Name, serviceName, err)
			}
		}
	}

	return nil
}

// subscribeHandlers binds declared handlers, narrowing their interest to the
// sources routed to the module when routing is configured.
func (k *Kernel) subscribeHandlers(
	ctx context.Context,
	moduleName string,
	runtime *moduleRuntime,
	handlers []relay.ModuleHandler,
) error {
	sources := k.cfg.moduleSources[moduleName]
	for idx, declared := range handlers {
		spec := declared.Subscription
		interest := declared.Capability.Interest
		if len(sources) > 0 {
			interest.Sources = append([]string(nil), sources...)
		}
		if spec.Name == "" {
			spec.Name = fmt.Sprintf("%s-handler-%d", moduleName, idx+1)
		}
		if _, err := runtime.Subscribe(ctx, interest, spec, declared.Handler); err != nil {
			return fmt.Errorf("subscribe handler %s for capability %s: %w", spec.Name, declared.Capability.Name, err)
		}
	}

	return nil
}

type moduleEntry struct {
	name   string
	record *moduleRecord
}

type driverEntry struct {
	name   string
	driver relay.Driver
}

func (k *Kernel) moduleSnapshot() []moduleEntry {
	k.mu.RLock()
	defer k.mu.RUnlock()

	entries := make([]moduleEntry, 0, len(k.moduleOrder))
	for _, name := range k.moduleOrder {
		if record, exists := k.modules[name]; exists {
			entries = append(entries, moduleEntry{name: name, record: record})
		}
	}

	return entries
}

func (k *Kernel) driverSnapshot() []driverEntry {
	k.mu.RLock()
	defer k.mu.RUnlock()

	entries := make([]driverEntry, 0, len(k.driverOrder))
	for _, name := range k.driverOrder {
		if driver, exists := k.drivers[name]; exists {
			entries = append(entries, driverEntry{name: name, driver: driver})
		}
	}

	return entries
}

// validateModuleSpec rejects unnamed, duplicate or handler-less declarations.
func validateModuleSpec(spec relay.ModuleSpec) error {
	capabilities := make(map[string]struct{}, len(spec.Handlers)+len(spec.AdditionalCapabilities))
	subscriptions := make(map[string]struct{}, len(spec.Handlers))

	claim := func(name string) error {
		if name == "" {
			return fmt.Errorf("empty capability name")
		}
		if _, exists := capabilities[name]; exists {
			return fmt.Errorf("duplicate capability name %s", name)
		}
		capabilities[name] = struct{}{}
		return nil
	}

	for idx, handler := range spec.Handlers {
		if err := claim(handler.Capability.Name); err != nil {
			return fmt.Errorf("module handler %d: %w", idx, err)
		}
		if handler.Handler == nil {
			return fmt.Errorf("module handler %s: nil handler", handler.Capability.Name)
		}
		if name := handler.Subscription.Name; name != "" {
			if _, exists := subscriptions[name]; exists {
				return fmt.Errorf("module handler %s: duplicate subscription name %s", handler.Capability.Name, name)
			}
			subscriptions[name] = struct{}{}
		}
	}
	for idx, capability := range spec.AdditionalCapabilities {
		if err := claim(capability.Name); err != nil {
			return fmt.Errorf("additional capability %d: %w", idx, err)
		}
	}

	return nil
}

func slicesDelete(ordered []string, target string) []string {
	filtered := make([]string, 0, len(ordered))
	for _, item := range ordered {
		if item != target {
			filtered = append(filtered, item)
		}
	}

	return filtered
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
