package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"msgrelay/pkg/relay"
)

// moduleRecord tracks the subscriptions a module owns so that shutdown can
// close them.
type moduleRecord struct {
	module       relay.Module
	capabilities []relay.Capability

	mu            sync.Mutex
	subscriptions []relay.Subscription
}

func (m *moduleRecord) addSubscription(subscription relay.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subscriptions = append(m.subscriptions, subscription)
}

// closeSubscriptions closes every tracked subscription once. Later calls are no-ops.
func (m *moduleRecord) closeSubscriptions(ctx context.Context) error {
	m.mu.Lock()
	subscriptions := m.subscriptions
	m.subscriptions = nil
	m.mu.Unlock()

	var closeErr error
	for _, subscription := range subscriptions {
		if err := subscription.Close(ctx); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close subscription %s: %w", subscription.Name(), err))
		}
	}

	return closeErr
}

// moduleRuntime is the kernel implementation of relay.ModuleRuntime.
type moduleRuntime struct {
	moduleName string
	services   relay.ServiceRegistry
	bus        relay.EventBus
	record     *moduleRecord
}

func (r *moduleRuntime) Services() relay.ServiceRegistry {
	return r.services
}

// Subscribe registers a module-owned subscription. The interest must be
// covered by one of the module's declared capabilities.
func (r *moduleRuntime) Subscribe(
	ctx context.Context,
	interest relay.InterestSet,
	spec relay.SubscriptionSpec,
	handler relay.EventHandler,
) (relay.Subscription, error) {
	if spec.Name == "" {
		spec.Name = r.moduleName + "-subscription"
	}
	if err := subscriptionAllowed(r.record.capabilities, interest); err != nil {
		return nil, fmt.Errorf("module %s subscribe %s: %w", r.moduleName, spec.Name, err)
	}

	subscription, err := r.bus.Subscribe(ctx, interest, spec, handler)
	if err != nil {
		return nil, fmt.Errorf("module %s subscribe %s: %w", r.moduleName, spec.Name, err)
	}
	r.record.addSubscription(subscription)

	return subscription, nil
}

func subscriptionAllowed(capabilities []relay.Capability, interest relay.InterestSet) error {
	if len(capabilities) == 0 {
		return fmt.Errorf("%w: no declared capability", relay.ErrInvalidSubscription)
	}
	for _, capability := range capabilities {
		if capability.Interest.Allows(interest) {
			return nil
		}
	}

	return fmt.Errorf("%w: interest not covered by declared capabilities", relay.ErrInvalidSubscription)
}
