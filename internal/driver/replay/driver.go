// Package replay implements a driver that publishes events recorded as
// newline-delimited JSON into the kernel.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"msgrelay/pkg/relay"
)

// DriverType is the configuration type token of the replay driver.
const DriverType = "replay"

const (
	defaultPublishTimeout = 2 * time.Second
	maxLineBytes          = 4 << 20
)

// Source opens the recorded event stream. Each Start opens it once.
type Source func() (io.ReadCloser, error)

// FileSource reads events from a file on disk.
func FileSource(path string) Source {
	return func() (io.ReadCloser, error) {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open replay file %s: %w", path, err)
		}
		return file, nil
	}
}

// driverConfig contains runtime controls for publish pacing and error reporting.
type driverConfig struct {
	name           string
	publishTimeout time.Duration
	interval       time.Duration
	exitOnEOF      bool
	now            func() time.Time
	onAsyncError   func(context.Context, error)
}

// DriverOption mutates replay driver configuration.
type DriverOption func(*driverConfig)

// WithName configures the driver identity exposed to the kernel.
func WithName(name string) DriverOption {
	return func(cfg *driverConfig) {
		if name != "" {
			cfg.name = name
		}
	}
}

// WithPublishTimeout configures sink publish timeout per event.
func WithPublishTimeout(timeout time.Duration) DriverOption {
	return func(cfg *driverConfig) {
		if timeout > 0 {
			cfg.publishTimeout = timeout
		}
	}
}

// WithInterval configures a pause between two published events.
func WithInterval(interval time.Duration) DriverOption {
	return func(cfg *driverConfig) {
		if interval > 0 {
			cfg.interval = interval
		}
	}
}

// WithExitOnEOF makes Start return once the stream is exhausted instead of
// waiting for cancellation.
func WithExitOnEOF(exit bool) DriverOption {
	return func(cfg *driverConfig) {
		cfg.exitOnEOF = exit
	}
}

// WithErrorHandler configures the callback for skipped lines and rejected events.
func WithErrorHandler(handler func(context.Context, error)) DriverOption {
	return func(cfg *driverConfig) {
		if handler != nil {
			cfg.onAsyncError = handler
		}
	}
}

func withClock(now func() time.Time) DriverOption {
	return func(cfg *driverConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// Driver replays recorded events.
type Driver struct {
	cfg    driverConfig
	source Source
}

// New creates a replay driver.
func New(source Source, options ...DriverOption) (*Driver, error) {
	if source == nil {
		return nil, fmt.Errorf("new replay driver: nil source")
	}

	cfg := driverConfig{
		name:           DriverType,
		publishTimeout: defaultPublishTimeout,
		now:            time.Now,
		onAsyncError:   func(context.Context, error) {},
	}
	for _, option := range options {
		option(&cfg)
	}

	return &Driver{
		cfg:    cfg,
		source: source,
	}, nil
}

// Name returns the stable driver identifier.
func (d *Driver) Name() string {
	return d.cfg.name
}

// Start publishes every recorded event and then waits for cancellation.
// Malformed lines and rejected events are reported and skipped.
func (d *Driver) Start(ctx context.Context, sink relay.EventSink) error {
	if sink == nil {
		return fmt.Errorf("start replay driver: nil sink")
	}

	reader, err := d.source()
	if err != nil {
		return fmt.Errorf("start replay driver: %w", err)
	}
	defer reader.Close()

	if err := d.replay(ctx, reader, sink); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return fmt.Errorf("start replay driver: %w", err)
	}
	if d.cfg.exitOnEOF {
		return nil
	}

	<-ctx.Done()
	return nil
}

func (d *Driver) replay(ctx context.Context, reader io.Reader, sink relay.EventSink) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	line := 0
	published := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}

		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		event, err := d.decodeLine(text)
		if err != nil {
			d.cfg.onAsyncError(ctx, fmt.Errorf("replay line %d: %w", line, err))
			continue
		}

		if published > 0 && d.cfg.interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.cfg.interval):
			}
		}
		if err := d.publish(ctx, sink, event); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.cfg.onAsyncError(ctx, fmt.Errorf("replay line %d: %w", line, err))
			continue
		}
		published++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan line %d: %w", line+1, err)
	}

	return nil
}

// decodeLine parses one recorded event, assigning an id and timestamp when
// the recording omits them.
func (d *Driver) decodeLine(text string) (*relay.Event, error) {
	var event relay.Event
	if err := json.Unmarshal([]byte(text), &event); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = d.cfg.now().UTC()
	}

	return &event, nil
}

func (d *Driver) publish(ctx context.Context, sink relay.EventSink, event *relay.Event) error {
	publishCtx, cancel := context.WithTimeout(ctx, d.cfg.publishTimeout)
	defer cancel()

	if err := sink.Publish(publishCtx, event); err != nil {
		return fmt.Errorf("publish event %s: %w", event.ID, err)
	}

	return nil
}

// Shutdown releases resources not controlled by Start context.
func (d *Driver) Shutdown(_ context.Context) error {
	return nil
}
