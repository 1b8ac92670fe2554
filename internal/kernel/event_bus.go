package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"msgrelay/pkg/relay"
)

// EventBus fans events out to bounded per-subscription queues drained by
// worker goroutines.
type EventBus struct {
	mu            sync.RWMutex
	nextID        atomic.Int64
	closed        bool
	subscriptions map[int64]*subscriber

	defaultBuffer         int
	defaultWorkers        int
	defaultHandlerTimeout time.Duration
	onAsyncError          func(context.Context, string, error)
}

// NewEventBus creates an event bus. The defaults apply to subscriptions that
// leave the corresponding SubscriptionSpec field unset.
func NewEventBus(
	defaultBuffer int,
	defaultWorkers int,
	defaultHandlerTimeout time.Duration,
	onAsyncError func(context.Context, string, error),
) *EventBus {
	return &EventBus{
		subscriptions:         make(map[int64]*subscriber),
		defaultBuffer:         defaultBuffer,
		defaultWorkers:        defaultWorkers,
		defaultHandlerTimeout: defaultHandlerTimeout,
		onAsyncError:          onAsyncError,
	}
}

// Publish validates event and enqueues it on every matching subscription.
// Drops caused by backpressure are reported asynchronously, not returned.
func (b *EventBus) Publish(ctx context.Context, event *relay.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("publish event %s: bus closed", event.Kind)
	}
	targets := make([]*subscriber, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		if sub.interest.Matches(event) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	var publishErr error
	for _, sub := range targets {
		err := sub.enqueue(ctx, event)
		switch {
		case err == nil:
		case errors.Is(err, relay.ErrEventDropped), errors.Is(err, relay.ErrSubscriptionClosed):
			b.reportAsyncError(ctx, sub.spec.Name, err)
		default:
			publishErr = errors.Join(publishErr, err)
		}
	}
	if publishErr != nil {
		return fmt.Errorf("publish event %s: %w", event.Kind, publishErr)
	}

	return nil
}

// Subscribe starts a subscription and its workers.
func (b *EventBus) Subscribe(
	ctx context.Context,
	interest relay.InterestSet,
	spec relay.SubscriptionSpec,
	handler relay.EventHandler,
) (relay.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, err)
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: %w: nil handler", spec.Name, relay.ErrInvalidSubscription)
	}

	id := b.nextID.Add(1)
	spec, err := b.withDefaults(spec, id)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("subscribe %s: bus closed", spec.Name)
	}
	sub := newSubscriber(id, interest, spec, handler, b)
	b.subscriptions[id] = sub

	return sub, nil
}

// Close stops every subscription and rejects later publishes and subscribes.
func (b *EventBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		subs = append(subs, sub)
	}
	b.subscriptions = make(map[int64]*subscriber)
	b.mu.Unlock()

	var closeErr error
	for _, sub := range subs {
		closeErr = errors.Join(closeErr, sub.shutdown(ctx))
	}
	if closeErr != nil {
		return fmt.Errorf("close event bus: %w", closeErr)
	}

	return nil
}

func (b *EventBus) withDefaults(spec relay.SubscriptionSpec, id int64) (relay.SubscriptionSpec, error) {
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("subscription-%d", id)
	}
	if spec.Buffer <= 0 {
		spec.Buffer = b.defaultBuffer
	}
	if spec.Workers <= 0 {
		spec.Workers = b.defaultWorkers
	}
	if spec.HandlerTimeout <= 0 {
		spec.HandlerTimeout = b.defaultHandlerTimeout
	}

	switch spec.Backpressure {
	case "":
		spec.Backpressure = relay.BackpressureDropNewest
	case relay.BackpressureDropNewest, relay.BackpressureDropOldest, relay.BackpressureBlock:
	default:
		return spec, fmt.Errorf("subscribe %s: %w: unknown backpressure %q",
			spec.Name, relay.ErrInvalidSubscription, spec.Backpressure)
	}

	return spec, nil
}

func (b *EventBus) unsubscribe(ctx context.Context, id int64) error {
	b.mu.Lock()
	sub, found := b.subscriptions[id]
	delete(b.subscriptions, id)
	b.mu.Unlock()

	if !found {
		return nil
	}

	return sub.shutdown(ctx)
}

func (b *EventBus) reportAsyncError(ctx context.Context, scope string, err error) {
	if b.onAsyncError != nil {
		b.onAsyncError(ctx, scope, err)
	}
}

// subscriber owns the queue and workers of one subscription. On shutdown the
// workers drain what is already queued, then exit; the queue channel is never closed.
type subscriber struct {
	id       int64
	interest relay.InterestSet
	spec     relay.SubscriptionSpec
	handler  relay.EventHandler
	queue    chan *relay.Event
	bus      *EventBus

	ctx      context.Context
	cancel   context.CancelFunc
	stopping chan struct{}
	done     chan struct{}
	closed   atomic.Bool
	once     sync.Once
}

func newSubscriber(
	id int64,
	interest relay.InterestSet,
	spec relay.SubscriptionSpec,
	handler relay.EventHandler,
	bus *EventBus,
) *subscriber {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscriber{
		id:       id,
		interest: cloneInterest(interest),
		spec:     spec,
		handler:  handler,
		queue:    make(chan *relay.Event, spec.Buffer),
		bus:      bus,
		ctx:      ctx,
		cancel:   cancel,
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}

	var wg sync.WaitGroup
	for worker := range spec.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub.run(worker)
		}()
	}
	go func() {
		wg.Wait()
		close(sub.done)
	}()

	return sub
}

func cloneInterest(interest relay.InterestSet) relay.InterestSet {
	cloned := interest
	cloned.Kinds = append([]relay.EventKind(nil), interest.Kinds...)
	cloned.Sources = append([]string(nil), interest.Sources...)

	return cloned
}

func (s *subscriber) Name() string {
	return s.spec.Name
}

func (s *subscriber) Close(ctx context.Context) error {
	return s.bus.unsubscribe(ctx, s.id)
}

func (s *subscriber) enqueue(ctx context.Context, event *relay.Event) error {
	if s.closed.Load() {
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, relay.ErrSubscriptionClosed)
	}

	select {
	case s.queue <- event:
		return nil
	default:
	}

	switch s.spec.Backpressure {
	case relay.BackpressureDropOldest:
		select {
		case <-s.queue:
		default:
		}
		select {
		case s.queue <- event:
			return nil
		default:
		}
	case relay.BackpressureBlock:
		select {
		case s.queue <- event:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("enqueue %s: %w", s.spec.Name, ctx.Err())
		case <-s.stopping:
			return fmt.Errorf("enqueue %s: %w", s.spec.Name, relay.ErrSubscriptionClosed)
		}
	}

	return fmt.Errorf("enqueue %s: %w", s.spec.Name, relay.ErrEventDropped)
}

func (s *subscriber) run(worker int) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-s.queue:
			s.process(worker, event)
		case <-s.stopping:
			s.drain(worker)
			return
		}
	}
}

func (s *subscriber) drain(worker int) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-s.queue:
			s.process(worker, event)
		default:
			return
		}
	}
}

func (s *subscriber) process(worker int, event *relay.Event) {
	if err := s.handle(worker, event); err != nil {
		s.bus.reportAsyncError(s.ctx, s.spec.Name, err)
	}
}

// handle runs the handler once under the subscription timeout with panic recovery.
func (s *subscriber) handle(worker int, event *relay.Event) error {
	ctx, cancel := s.ctx, context.CancelFunc(func() {})
	if s.spec.HandlerTimeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, s.spec.HandlerTimeout)
	}
	defer cancel()

	scope := fmt.Sprintf("subscription %s worker %d", s.spec.Name, worker)
	if err := runSafely(scope, func() error {
		return s.handler(ctx, event)
	}); err != nil {
		return fmt.Errorf("handle event %s: %w", event.Kind, err)
	}

	return nil
}

func (s *subscriber) shutdown(ctx context.Context) error {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.stopping)
	})

	select {
	case <-s.done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("shutdown subscription %s: %w", s.spec.Name, ctx.Err())
	}
}
