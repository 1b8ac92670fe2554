package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"msgrelay/pkg/relay"
)

// Option mutates archive module configuration.
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

// WithWriter sets the destination of archived records. The module never closes it.
func WithWriter(writer io.Writer) Option {
	return func(module *Module) {
		if writer != nil {
			module.writer = writer
		}
	}
}

// Module archives message events as JSON lines.
type Module struct {
	logger         *slog.Logger
	explicitLogger bool
	sanitizer      relay.Sanitizer
	cache          relay.MessageCache

	mu        sync.Mutex
	writer    io.Writer
	written   int
	recovered int
}

// Record is one archived line.
type Record struct {
	EventID    string           `json:"eventId"`
	Kind       relay.EventKind  `json:"kind"`
	Source     string           `json:"source,omitempty"`
	OccurredAt time.Time        `json:"occurredAt"`
	Key        relay.MessageKey `json:"key"`
	Status     string           `json:"status,omitempty"`
	Content    any              `json:"content,omitempty"`
	Recovered  bool             `json:"recovered,omitempty"`
}

// New creates an archive module. Records are discarded unless a writer is configured.
func New(options ...Option) *Module {
	module := &Module{
		logger: slog.Default(),
		writer: io.Discard,
	}
	for _, option := range options {
		option(module)
	}

	return module
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "archive"
}

// Spec declares the archived event kinds and the sanitizer dependency.
func (m *Module) Spec() relay.ModuleSpec {
	return relay.ModuleSpec{
		Handlers: []relay.ModuleHandler{
			{
				Capability: relay.Capability{
					Name:        "archive-writer",
					Description: "writes sanitized message payloads as JSON lines, recovering update content from the message cache",
					Interest: relay.InterestSet{
						Kinds: []relay.EventKind{
							relay.EventKindMessageCreated,
							relay.EventKindMessageSent,
							relay.EventKindMessageUpdated,
						},
					},
					RequiredServices: []string{relay.ServiceSanitizer},
				},
				Subscription: relay.NewDefaultSubscriptionSpec("archive-writer"),
				Handler:      m.handleEvent,
			},
		},
	}
}

// OnRegister resolves the sanitizer and, when present, the message cache.
func (m *Module) OnRegister(_ context.Context, runtime relay.ModuleRuntime) error {
	if !m.explicitLogger {
		logger, err := relay.ResolveAs[*slog.Logger](runtime.Services(), relay.ServiceLogger)
		switch {
		case err == nil:
			m.logger = logger
		case errors.Is(err, relay.ErrServiceNotFound):
		default:
			return fmt.Errorf("archive resolve logger: %w", err)
		}
	}

	sanitizer, err := relay.ResolveAs[relay.Sanitizer](runtime.Services(), relay.ServiceSanitizer)
	if err != nil {
		return fmt.Errorf("archive resolve sanitizer: %w", err)
	}
	m.sanitizer = sanitizer

	cache, err := relay.ResolveAs[relay.MessageCache](runtime.Services(), relay.ServiceMessageCache)
	switch {
	case err == nil:
		m.cache = cache
	case errors.Is(err, relay.ErrServiceNotFound):
		m.logger.Info("archive running without message cache, updates are archived without content")
	default:
		return fmt.Errorf("archive resolve message cache: %w", err)
	}

	return nil
}

// OnStart starts the module lifecycle.
func (m *Module) OnStart(ctx context.Context) error {
	m.logger.InfoContext(ctx,
		"archive module started",
		"module", m.Name(),
		"message_cache", m.cache != nil,
	)

	return nil
}

// OnShutdown reports archive totals.
func (m *Module) OnShutdown(ctx context.Context) error {
	m.mu.Lock()
	written, recovered := m.written, m.recovered
	m.mu.Unlock()

	m.logger.InfoContext(ctx,
		"archive module shutdown",
		"module", m.Name(),
		"records", written,
		"recovered", recovered,
	)

	return nil
}

func (m *Module) handleEvent(ctx context.Context, event *relay.Event) error {
	record, err := m.buildRecord(event)
	if err != nil {
		return fmt.Errorf("archive event %s: %w", event.ID, err)
	}

	line, err := json.Marshal(record)
	if err != nil {
		m.logger.ErrorContext(ctx, "archive record encode failed",
			"event_id", event.ID,
			"message_id", record.Key.ID,
			"error", err,
		)
		return fmt.Errorf("archive event %s encode: %w", event.ID, err)
	}
	line = append(line, '\n')

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.writer.Write(line); err != nil {
		return fmt.Errorf("archive event %s write: %w", event.ID, err)
	}
	m.written++
	if record.Recovered {
		m.recovered++
	}

	return nil
}

func (m *Module) buildRecord(event *relay.Event) (Record, error) {
	if m.sanitizer == nil {
		return Record{}, fmt.Errorf("sanitizer not resolved")
	}

	record := Record{
		EventID:    event.ID,
		Kind:       event.Kind,
		Source:     event.Source,
		OccurredAt: event.OccurredAt,
	}

	var content any
	switch event.Kind {
	case relay.EventKindMessageCreated, relay.EventKindMessageSent:
		if event.Message == nil {
			return Record{}, relay.ErrInvalidEvent
		}
		record.Key = event.Message.Key
		content = event.Message.Content
	case relay.EventKindMessageUpdated:
		if event.Update == nil {
			return Record{}, relay.ErrInvalidEvent
		}
		record.Key = event.Update.Key
		record.Status = event.Update.Status
		if m.cache != nil {
			content, record.Recovered = m.cache.Get(event.Update.Key)
		}
	default:
		return Record{}, fmt.Errorf("%w: unsupported kind %s", relay.ErrInvalidEvent, event.Kind)
	}

	if content != nil {
		record.Content = m.sanitizer.Sanitize(content)
	}

	return record, nil
}
