package kernel

import (
	"context"
	"fmt"

	"msgrelay/pkg/relay"
)

// driverSink is the relay.EventSink handed to a driver. It stamps events with
// the driver name when the driver leaves Source empty.
type driverSink struct {
	source string
	bus    relay.EventSink
}

func (s *driverSink) Publish(ctx context.Context, event *relay.Event) error {
	if event == nil {
		return fmt.Errorf("driver %s publish: nil event", s.source)
	}
	if event.Source == "" {
		event.Source = s.source
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		return fmt.Errorf("driver %s publish: %w", s.source, err)
	}

	return nil
}
