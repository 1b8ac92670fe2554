package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"msgrelay/internal/driver"
	"msgrelay/internal/kernel"
	"msgrelay/modules/archive"
	"msgrelay/modules/messagecache"
	"msgrelay/pkg/relay"
	"msgrelay/pkg/sanitize"
)

const (
	envConfigFile             = "RELAY_CONFIG_FILE"
	defaultConfigFilePath     = "config/relay.json"
	alternateConfigFilePath   = "bin/config/relay.json"
	defaultModuleHookTimeout  = 3 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultHandlerTimeout     = 3 * time.Second
	defaultSubscriptionBuffer = 256
	defaultSubscriptionWorker = 2
	defaultCacheTTL           = 60 * time.Second
	defaultCacheMaxEntries    = 5000
	defaultCacheCheckPeriod   = 300 * time.Second
	defaultSanitizerMaxDepth  = 256
	defaultArchivePath        = "data/archive.jsonl"
)

var runtimeModuleNames = []string{"message-cache", "archive"}

type appConfig struct {
	logLevel slog.Level

	moduleHookTimeout   time.Duration
	shutdownTimeout     time.Duration
	handlerTimeout      time.Duration
	subscriptionBuffer  int
	subscriptionWorkers int

	cacheTTL         time.Duration
	cacheMaxEntries  int
	cacheCheckPeriod time.Duration

	sanitizerMaxDepth int
	archivePath       string

	drivers       []driver.Definition
	moduleSources map[string][]string
}

type fileConfig struct {
	LogLevel     string                 `json:"log_level"`
	Kernel       fileKernelConfig       `json:"kernel"`
	MessageCache fileMessageCacheConfig `json:"message_cache"`
	Sanitizer    fileSanitizerConfig    `json:"sanitizer"`
	Archive      fileArchiveConfig      `json:"archive"`
	Drivers      []fileDriverEntry      `json:"drivers"`
	Routing      fileRoutingConfig      `json:"routing"`
}

type fileKernelConfig struct {
	ModuleHookTimeout   string `json:"module_hook_timeout"`
	ShutdownTimeout     string `json:"shutdown_timeout"`
	HandlerTimeout      string `json:"handler_timeout"`
	SubscriptionBuffer  *int   `json:"subscription_buffer"`
	SubscriptionWorkers *int   `json:"subscription_workers"`
}

type fileMessageCacheConfig struct {
	TTL         string `json:"ttl"`
	MaxEntries  *int   `json:"max_entries"`
	CheckPeriod string `json:"check_period"`
}

type fileSanitizerConfig struct {
	MaxDepth *int `json:"max_depth"`
}

type fileArchiveConfig struct {
	Path string `json:"path"`
}

type fileDriverEntry struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Enabled *bool           `json:"enabled"`
	Config  json.RawMessage `json:"config"`
}

type fileRoutingConfig struct {
	Modules map[string]fileModuleRoute `json:"modules"`
}

type fileModuleRoute struct {
	Sources []string `json:"sources"`
}

func run() error {
	registry, err := driver.NewBuiltinRegistry()
	if err != nil {
		return fmt.Errorf("new builtin driver registry: %w", err)
	}

	cfg, err := loadConfig(registry)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel}))
	kernelRuntime := buildKernelRuntime(logger, cfg)

	drivers, err := registry.BuildEnabled(context.Background(), cfg.drivers, logger)
	if err != nil {
		return fmt.Errorf("build drivers: %w", err)
	}
	if err := registerRuntimeDrivers(kernelRuntime, drivers); err != nil {
		return err
	}
	if err := registerRuntimeServices(kernelRuntime, logger, cfg); err != nil {
		return err
	}

	archiveFile, err := openArchiveFile(cfg.archivePath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := archiveFile.Close(); closeErr != nil {
			logger.Error("close archive file failed", "path", cfg.archivePath, "error", closeErr)
		}
	}()

	if err := registerRuntimeModules(context.Background(), kernelRuntime, cfg, archiveFile); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := kernelRuntime.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run kernel: %w", err)
	}

	return nil
}

func loadConfig(registry *driver.Registry) (appConfig, error) {
	cfg := defaultAppConfig()
	configFile, err := resolveConfigFilePath()
	if err != nil {
		return appConfig{}, err
	}

	if err := applyConfigFile(&cfg, configFile); err != nil {
		return appConfig{}, err
	}
	if err := validateAppConfig(&cfg, registry); err != nil {
		return appConfig{}, fmt.Errorf("validate config file %s: %w", configFile, err)
	}

	return cfg, nil
}

func resolveConfigFilePath() (string, error) {
	if configFile := strings.TrimSpace(os.Getenv(envConfigFile)); configFile != "" {
		return configFile, nil
	}

	candidates := []string{defaultConfigFilePath, alternateConfigFilePath}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", fmt.Errorf("config file %s is a directory", candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", fmt.Errorf(
		"config file not found; create %s or %s, or set %s",
		defaultConfigFilePath,
		alternateConfigFilePath,
		envConfigFile,
	)
}

func defaultAppConfig() appConfig {
	return appConfig{
		logLevel: slog.LevelInfo,

		moduleHookTimeout:   defaultModuleHookTimeout,
		shutdownTimeout:     defaultShutdownTimeout,
		handlerTimeout:      defaultHandlerTimeout,
		subscriptionBuffer:  defaultSubscriptionBuffer,
		subscriptionWorkers: defaultSubscriptionWorker,

		cacheTTL:         defaultCacheTTL,
		cacheMaxEntries:  defaultCacheMaxEntries,
		cacheCheckPeriod: defaultCacheCheckPeriod,

		sanitizerMaxDepth: defaultSanitizerMaxDepth,
		archivePath:       defaultArchivePath,

		drivers:       make([]driver.Definition, 0),
		moduleSources: make(map[string][]string),
	}
}

func applyConfigFile(cfg *appConfig, path string) error {
	if cfg == nil {
		return fmt.Errorf("apply config file: nil config")
	}
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var parsed fileConfig
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if rawLevel := strings.TrimSpace(parsed.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
		cfg.logLevel = level
	}

	if err := applyKernelConfig(cfg, parsed.Kernel); err != nil {
		return err
	}
	if err := applyMessageCacheConfig(cfg, parsed.MessageCache); err != nil {
		return err
	}

	if parsed.Sanitizer.MaxDepth != nil {
		if *parsed.Sanitizer.MaxDepth <= 0 {
			return fmt.Errorf("parse sanitizer.max_depth: must be > 0")
		}
		cfg.sanitizerMaxDepth = *parsed.Sanitizer.MaxDepth
	}
	if archivePath := strings.TrimSpace(parsed.Archive.Path); archivePath != "" {
		cfg.archivePath = archivePath
	}

	cfg.drivers = make([]driver.Definition, 0, len(parsed.Drivers))
	for index, entry := range parsed.Drivers {
		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		cfg.drivers = append(cfg.drivers, driver.Definition{
			Name:    strings.TrimSpace(entry.Name),
			Type:    strings.TrimSpace(entry.Type),
			Enabled: enabled,
			Config:  append([]byte(nil), entry.Config...),
		})
		if len(entry.Config) == 0 {
			return fmt.Errorf("parse drivers[%d].config: required", index)
		}
	}

	cfg.moduleSources = make(map[string][]string, len(parsed.Routing.Modules))
	for moduleName, rawRoute := range parsed.Routing.Modules {
		scope := fmt.Sprintf("routing.modules.%s", moduleName)
		if len(rawRoute.Sources) == 0 {
			return fmt.Errorf("%s.sources is required", scope)
		}
		sources := make([]string, 0, len(rawRoute.Sources))
		for index, source := range rawRoute.Sources {
			source = strings.TrimSpace(source)
			if source == "" {
				return fmt.Errorf("%s.sources[%d]: empty driver name", scope, index)
			}
			sources = append(sources, source)
		}
		cfg.moduleSources[moduleName] = sources
	}

	return nil
}

func applyKernelConfig(cfg *appConfig, parsed fileKernelConfig) error {
	var err error
	if cfg.moduleHookTimeout, err = parsePositiveDuration(
		parsed.ModuleHookTimeout, "kernel.module_hook_timeout", cfg.moduleHookTimeout,
	); err != nil {
		return err
	}
	if cfg.shutdownTimeout, err = parsePositiveDuration(
		parsed.ShutdownTimeout, "kernel.shutdown_timeout", cfg.shutdownTimeout,
	); err != nil {
		return err
	}
	if cfg.handlerTimeout, err = parsePositiveDuration(
		parsed.HandlerTimeout, "kernel.handler_timeout", cfg.handlerTimeout,
	); err != nil {
		return err
	}
	if parsed.SubscriptionBuffer != nil {
		if *parsed.SubscriptionBuffer <= 0 {
			return fmt.Errorf("parse kernel.subscription_buffer: must be > 0")
		}
		cfg.subscriptionBuffer = *parsed.SubscriptionBuffer
	}
	if parsed.SubscriptionWorkers != nil {
		if *parsed.SubscriptionWorkers <= 0 {
			return fmt.Errorf("parse kernel.subscription_workers: must be > 0")
		}
		cfg.subscriptionWorkers = *parsed.SubscriptionWorkers
	}

	return nil
}

func applyMessageCacheConfig(cfg *appConfig, parsed fileMessageCacheConfig) error {
	var err error
	if cfg.cacheTTL, err = parsePositiveDuration(parsed.TTL, "message_cache.ttl", cfg.cacheTTL); err != nil {
		return err
	}
	if parsed.MaxEntries != nil {
		if *parsed.MaxEntries <= 0 {
			return fmt.Errorf("parse message_cache.max_entries: must be > 0")
		}
		cfg.cacheMaxEntries = *parsed.MaxEntries
	}
	if rawPeriod := strings.TrimSpace(parsed.CheckPeriod); rawPeriod != "" {
		period, err := time.ParseDuration(rawPeriod)
		if err != nil {
			return fmt.Errorf("parse message_cache.check_period: %w", err)
		}
		if period < 0 {
			return fmt.Errorf("parse message_cache.check_period: must be >= 0")
		}
		cfg.cacheCheckPeriod = period
	}

	return nil
}

func parsePositiveDuration(raw string, field string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}

	duration, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("parse %s: must be > 0", field)
	}

	return duration, nil
}

func validateAppConfig(cfg *appConfig, registry *driver.Registry) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if registry == nil {
		return fmt.Errorf("nil driver registry")
	}

	knownTypes := registry.Types()
	seen := make(map[string]struct{}, len(cfg.drivers))
	enabled := make(map[string]struct{}, len(cfg.drivers))
	for _, definition := range cfg.drivers {
		if definition.Name == "" {
			return fmt.Errorf("drivers[].name is required")
		}
		if definition.Type == "" {
			return fmt.Errorf("drivers[%s].type is required", definition.Name)
		}
		if _, exists := seen[definition.Name]; exists {
			return fmt.Errorf("drivers[%s]: duplicate name", definition.Name)
		}
		seen[definition.Name] = struct{}{}
		if !definition.Enabled {
			continue
		}
		if !slices.Contains(knownTypes, definition.Type) {
			return fmt.Errorf("drivers[%s].type: unsupported type %q", definition.Name, definition.Type)
		}
		enabled[definition.Name] = struct{}{}
	}
	if len(enabled) == 0 {
		return fmt.Errorf("at least one enabled driver is required")
	}

	for moduleName, sources := range cfg.moduleSources {
		if !slices.Contains(runtimeModuleNames, moduleName) {
			return fmt.Errorf("routing.modules.%s: unknown module", moduleName)
		}
		for index, source := range sources {
			if _, exists := enabled[source]; !exists {
				return fmt.Errorf("routing.modules.%s.sources[%d]: unknown driver id %s", moduleName, index, source)
			}
		}
	}

	return nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}

func buildKernelRuntime(logger *slog.Logger, cfg appConfig) *kernel.Kernel {
	return kernel.New(
		kernel.WithLogger(logger),
		kernel.WithModuleHookTimeout(cfg.moduleHookTimeout),
		kernel.WithShutdownTimeout(cfg.shutdownTimeout),
		kernel.WithDefaultHandlerTimeout(cfg.handlerTimeout),
		kernel.WithDefaultSubscriptionBuffer(cfg.subscriptionBuffer),
		kernel.WithDefaultSubscriptionWorkers(cfg.subscriptionWorkers),
		kernel.WithModuleSources(cfg.moduleSources),
	)
}

func openArchiveFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create archive dir %s: %w", dir, err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open archive file %s: %w", path, err)
	}

	return file, nil
}

func registerRuntimeServices(kernelRuntime *kernel.Kernel, logger *slog.Logger, cfg appConfig) error {
	sanitizer := sanitize.New(
		sanitize.WithLogger(logger),
		sanitize.WithMaxDepth(cfg.sanitizerMaxDepth),
	)
	if err := kernelRuntime.RegisterService(relay.ServiceSanitizer, sanitizer); err != nil {
		return fmt.Errorf("register sanitizer service: %w", err)
	}

	return nil
}

// registerRuntimeModules registers the message cache first so the archive
// module can resolve it.
func registerRuntimeModules(
	ctx context.Context,
	kernelRuntime *kernel.Kernel,
	cfg appConfig,
	archiveWriter io.Writer,
) error {
	cacheModule := messagecache.New(
		messagecache.WithTTL(cfg.cacheTTL),
		messagecache.WithMaxEntries(cfg.cacheMaxEntries),
		messagecache.WithCheckPeriod(cfg.cacheCheckPeriod),
	)
	if err := kernelRuntime.RegisterModule(ctx, cacheModule); err != nil {
		return fmt.Errorf("register message cache module: %w", err)
	}

	archiveModule := archive.New(archive.WithWriter(archiveWriter))
	if err := kernelRuntime.RegisterModule(ctx, archiveModule); err != nil {
		return fmt.Errorf("register archive module: %w", err)
	}

	return nil
}

func registerRuntimeDrivers(kernelRuntime *kernel.Kernel, drivers []relay.Driver) error {
	for _, runtimeDriver := range drivers {
		if err := kernelRuntime.RegisterDriver(runtimeDriver); err != nil {
			return fmt.Errorf("register driver %s: %w", runtimeDriver.Name(), err)
		}
	}

	return nil
}
