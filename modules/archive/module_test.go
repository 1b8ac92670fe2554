package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"msgrelay/pkg/relay"
	"msgrelay/pkg/sanitize"
)

func TestModuleOnRegister(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		services         map[string]any
		wantCache        bool
		wantErrSubstring string
	}{
		{
			name: "sanitizer and cache",
			services: map[string]any{
				relay.ServiceSanitizer:    sanitize.New(),
				relay.ServiceMessageCache: &cacheStub{},
			},
			wantCache: true,
		},
		{
			name:     "cache is optional",
			services: map[string]any{relay.ServiceSanitizer: sanitize.New()},
		},
		{
			name:             "missing sanitizer fails",
			services:         map[string]any{},
			wantErrSubstring: "archive resolve sanitizer",
		},
		{
			name: "invalid cache type fails",
			services: map[string]any{
				relay.ServiceSanitizer:    sanitize.New(),
				relay.ServiceMessageCache: "not a cache",
			},
			wantErrSubstring: "archive resolve message cache",
		},
		{
			name: "invalid logger type fails",
			services: map[string]any{
				relay.ServiceLogger:    42,
				relay.ServiceSanitizer: sanitize.New(),
			},
			wantErrSubstring: "archive resolve logger",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			registry := newServiceRegistryStub()
			for name, service := range testCase.services {
				if err := registry.Register(name, service); err != nil {
					t.Fatalf("register service %s failed: %v", name, err)
				}
			}

			module := New()
			err := module.OnRegister(context.Background(), moduleRuntimeStub{registry: registry})
			if testCase.wantErrSubstring != "" {
				if err == nil || !strings.Contains(err.Error(), testCase.wantErrSubstring) {
					t.Fatalf("OnRegister() error = %v, want substring %q", err, testCase.wantErrSubstring)
				}
				return
			}
			if err != nil {
				t.Fatalf("OnRegister() error = %v", err)
			}
			if got := module.cache != nil; got != testCase.wantCache {
				t.Fatalf("cache resolved = %v, want %v", got, testCase.wantCache)
			}
		})
	}
}

// TestModuleArchivesSanitizedRecords verifies record shape for each event kind.
func TestModuleArchivesSanitizedRecords(t *testing.T) {
	t.Parallel()

	occurredAt := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	cache := &cacheStub{content: map[string]any{
		"m1": map[string]any{"conversation": "cached"},
	}}

	tests := []struct {
		name  string
		cache relay.MessageCache
		event *relay.Event
		want  map[string]any
	}{
		{
			name: "created payload is sanitized",
			event: &relay.Event{
				ID:         "e1",
				Kind:       relay.EventKindMessageCreated,
				Source:     "replay-main",
				OccurredAt: occurredAt,
				Message: &relay.Message{
					Key: relay.MessageKey{RemoteJID: "chat@g.us", ID: "m1"},
					Content: map[string]any{
						"conversation": "hi",
						"big":          big.NewInt(42),
						"at":           occurredAt,
						"callback":     func() {},
					},
				},
			},
			want: map[string]any{
				"eventId":    "e1",
				"kind":       "message.created",
				"source":     "replay-main",
				"occurredAt": "2024-05-06T07:08:09Z",
				"key":        map[string]any{"remoteJid": "chat@g.us", "id": "m1", "fromMe": false},
				"content": map[string]any{
					"conversation": "hi",
					"big":          "42",
					"at":           "2024-05-06T07:08:09.000Z",
				},
			},
		},
		{
			name:  "update recovers cached content",
			cache: cache,
			event: &relay.Event{
				ID:         "e2",
				Kind:       relay.EventKindMessageUpdated,
				OccurredAt: occurredAt,
				Update: &relay.MessageUpdate{
					Key:    relay.MessageKey{ID: "m1", FromMe: true},
					Status: "read",
				},
			},
			want: map[string]any{
				"eventId":    "e2",
				"kind":       "message.updated",
				"occurredAt": "2024-05-06T07:08:09Z",
				"key":        map[string]any{"id": "m1", "fromMe": true},
				"status":     "read",
				"content":    map[string]any{"conversation": "cached"},
				"recovered":  true,
			},
		},
		{
			name:  "update with cache miss has no content",
			cache: cache,
			event: &relay.Event{
				ID:         "e3",
				Kind:       relay.EventKindMessageUpdated,
				OccurredAt: occurredAt,
				Update:     &relay.MessageUpdate{Key: relay.MessageKey{ID: "gone"}, Status: "delivered"},
			},
			want: map[string]any{
				"eventId":    "e3",
				"kind":       "message.updated",
				"occurredAt": "2024-05-06T07:08:09Z",
				"key":        map[string]any{"id": "gone", "fromMe": false},
				"status":     "delivered",
			},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			out := &syncBuffer{}
			module := newRegisteredModule(t, out, testCase.cache)
			if err := module.handleEvent(context.Background(), testCase.event); err != nil {
				t.Fatalf("handleEvent() error = %v", err)
			}

			lines := out.lines()
			if len(lines) != 1 {
				t.Fatalf("archived %d lines, want 1", len(lines))
			}
			var got map[string]any
			if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
				t.Fatalf("decode archived line failed: %v", err)
			}
			if diff := cmp.Diff(testCase.want, got); diff != "" {
				t.Fatalf("record mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestModuleHandleEventFailures(t *testing.T) {
	t.Parallel()

	event := &relay.Event{
		ID:      "e1",
		Kind:    relay.EventKindMessageCreated,
		Message: &relay.Message{Key: relay.MessageKey{ID: "m1"}, Content: "hi"},
	}

	t.Run("unencodable sanitizer result", func(t *testing.T) {
		t.Parallel()

		out := &syncBuffer{}
		module := New(WithWriter(out), WithLogger(discardLogger()))
		module.sanitizer = sanitizerFunc(func(any) any { return make(chan int) })
		if err := module.handleEvent(context.Background(), event); err == nil {
			t.Fatal("expected encode failure")
		}
		if len(out.lines()) != 0 {
			t.Fatal("nothing should be written on encode failure")
		}
	})

	t.Run("writer failure", func(t *testing.T) {
		t.Parallel()

		module := New(WithWriter(failingWriter{}), WithLogger(discardLogger()))
		module.sanitizer = sanitize.New()
		if err := module.handleEvent(context.Background(), event); err == nil || !strings.Contains(err.Error(), "write") {
			t.Fatalf("handleEvent() error = %v, want write failure", err)
		}
	})

	t.Run("unregistered module", func(t *testing.T) {
		t.Parallel()

		module := New(WithLogger(discardLogger()))
		if err := module.handleEvent(context.Background(), event); err == nil {
			t.Fatal("expected missing sanitizer failure")
		}
	})

	t.Run("unknown kind", func(t *testing.T) {
		t.Parallel()

		module := New(WithLogger(discardLogger()))
		module.sanitizer = sanitize.New()
		err := module.handleEvent(context.Background(), &relay.Event{ID: "e9", Kind: "message.deleted"})
		if !errors.Is(err, relay.ErrInvalidEvent) {
			t.Fatalf("handleEvent() error = %v, want ErrInvalidEvent", err)
		}
	})
}

// TestModuleConcurrentWritesStayLineAligned verifies that records never interleave.
func TestModuleConcurrentWritesStayLineAligned(t *testing.T) {
	t.Parallel()

	out := &syncBuffer{}
	module := newRegisteredModule(t, out, nil)

	const total = 50
	var wg sync.WaitGroup
	for i := range total {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = module.handleEvent(context.Background(), &relay.Event{
				ID:      "e",
				Kind:    relay.EventKindMessageSent,
				Message: &relay.Message{Key: relay.MessageKey{ID: "m"}, Content: strings.Repeat("x", i)},
			})
		}()
	}
	wg.Wait()

	lines := out.lines()
	if len(lines) != total {
		t.Fatalf("archived %d lines, want %d", len(lines), total)
	}
	for _, line := range lines {
		if !json.Valid([]byte(line)) {
			t.Fatalf("invalid archived line %q", line)
		}
	}
	if err := module.OnShutdown(context.Background()); err != nil {
		t.Fatalf("OnShutdown() error = %v", err)
	}
	if module.written != total {
		t.Fatalf("written = %d, want %d", module.written, total)
	}
}

func newRegisteredModule(t *testing.T, out io.Writer, cache relay.MessageCache) *Module {
	t.Helper()

	registry := newServiceRegistryStub()
	if err := registry.Register(relay.ServiceSanitizer, sanitize.New()); err != nil {
		t.Fatalf("register sanitizer failed: %v", err)
	}
	if cache != nil {
		if err := registry.Register(relay.ServiceMessageCache, cache); err != nil {
			t.Fatalf("register cache failed: %v", err)
		}
	}

	module := New(WithWriter(out), WithLogger(discardLogger()))
	if err := module.OnRegister(context.Background(), moduleRuntimeStub{registry: registry}); err != nil {
		t.Fatalf("OnRegister() error = %v", err)
	}

	return module
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	text := strings.TrimSuffix(b.buf.String(), "\n")
	if text == "" {
		return nil
	}

	return strings.Split(text, "\n")
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

type sanitizerFunc func(any) any

func (f sanitizerFunc) Sanitize(value any) any {
	return f(value)
}

type cacheStub struct {
	content map[string]any
}

func (*cacheStub) Save(*relay.Message) {}

func (c *cacheStub) Get(key relay.MessageKey) (any, bool) {
	content, ok := c.content[key.ID]
	return content, ok
}

type moduleRuntimeStub struct {
	registry relay.ServiceRegistry
}

func (s moduleRuntimeStub) Services() relay.ServiceRegistry {
	return s.registry
}

func (moduleRuntimeStub) Subscribe(
	context.Context,
	relay.InterestSet,
	relay.SubscriptionSpec,
	relay.EventHandler,
) (relay.Subscription, error) {
	return nil, nil
}

type serviceRegistryStub struct {
	values map[string]any
}

func newServiceRegistryStub() *serviceRegistryStub {
	return &serviceRegistryStub{values: make(map[string]any)}
}

func (s *serviceRegistryStub) Register(name string, service any) error {
	if name == "" {
		return errors.New("empty service name")
	}
	if _, exists := s.values[name]; exists {
		return relay.ErrServiceAlreadyRegistered
	}
	s.values[name] = service

	return nil
}

func (s *serviceRegistryStub) Resolve(name string) (any, error) {
	value, ok := s.values[name]
	if !ok {
		return nil, relay.ErrServiceNotFound
	}

	return value, nil
}
