package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"jarvis/pkg/jarvis"
)

// moduleRecord stores per-module lifecycle state owned by the kernel.
//
// All fields except the subscription list are guarded by Kernel.mu; the
// subscription list carries its own mutex so handlers registered during a
// hook never contend with dispatch.
type moduleRecord struct {
	name   string
	module jarvis.Module
	spec   jarvis.ModuleSpec

	state      jarvis.ModuleState
	pausedFrom jarvis.ModuleState
	loadErr    error
	missing    []string
	discovered int

	commandKeys  []string
	replaced     map[string]commandRegistration
	fallbackKeys []string

	subMu         sync.Mutex
	subscriptions []jarvis.Subscription
}

// active reports whether the record currently owns registered handlers.
func (m *moduleRecord) active() bool {
	switch m.state {
	case jarvis.StateReady, jarvis.StateSafeMode, jarvis.StatePaused:
		return true
	default:
		return false
	}
}

// addSubscription tracks subscriptions so unload can close them deterministically.
func (m *moduleRecord) addSubscription(subscription jarvis.Subscription) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subscriptions = append(m.subscriptions, subscription)
}

// closeSubscriptions closes all tracked subscriptions and aggregates close errors.
// It clears the internal slice first to make repeated teardown paths idempotent.
func (m *moduleRecord) closeSubscriptions(ctx context.Context) error {
	m.subMu.Lock()
	subscriptions := append([]jarvis.Subscription(nil), m.subscriptions...)
	m.subscriptions = nil
	m.subMu.Unlock()

	var closeErr error
	for _, subscription := range subscriptions {
		if err := subscription.Close(ctx); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close subscription %s: %w", subscription.Name(), err))
		}
	}

	return closeErr
}

// moduleRuntime is the kernel-owned implementation of jarvis.ModuleRuntime.
type moduleRuntime struct {
	kernel *Kernel
	record *moduleRecord
}

// Services returns the kernel service registry visible to the module.
func (r *moduleRuntime) Services() jarvis.ServiceRegistry {
	return r.kernel.services
}

// Subscribe registers a module-owned lifecycle event subscription.
func (r *moduleRuntime) Subscribe(
	ctx context.Context,
	spec jarvis.SubscriptionSpec,
	handler jarvis.EventHandler,
) (jarvis.Subscription, error) {
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("%s-subscription", r.record.name)
	}

	subscription, err := r.kernel.bus.Subscribe(ctx, spec, handler)
	if err != nil {
		return nil, fmt.Errorf("module %s subscribe %s: %w", r.record.name, spec.Name, err)
	}

	r.record.addSubscription(subscription)

	return subscription, nil
}

// RegisterCommand registers one command at runtime, defaulting to the
// module's own namespace. The key is tracked against the module so unload
// removes it and restores whatever it replaced.
func (r *moduleRuntime) RegisterCommand(namespace string, spec jarvis.CommandSpec) error {
	if namespace == "" {
		namespace = r.record.name
	}

	r.kernel.mu.Lock()
	defer r.kernel.mu.Unlock()

	if !r.record.active() {
		return fmt.Errorf("module %s: register command: module is %s", r.record.name, r.record.state)
	}
	if err := r.kernel.registerCommandLocked(r.record, namespace, spec); err != nil {
		return fmt.Errorf("module %s: %w", r.record.name, err)
	}

	return nil
}

// UnregisterCommand removes a command key owned by this module. Unknown or
// foreign keys are a no-op.
func (r *moduleRuntime) UnregisterCommand(namespace, action string) {
	if namespace == "" {
		namespace = r.record.name
	}
	key := jarvis.CommandKey(jarvis.NormalizeModuleName(namespace), action)

	r.kernel.mu.Lock()
	defer r.kernel.mu.Unlock()

	r.kernel.unregisterCommandLocked(r.record, key)
}

// RegisterFallback installs a fallback handler for a command key. The key is
// tracked against the module so unload removes it.
func (r *moduleRuntime) RegisterFallback(key string, fallback jarvis.Handler) error {
	if err := r.kernel.registerFallback(r.record, key, fallback); err != nil {
		return fmt.Errorf("module %s: %w", r.record.name, err)
	}

	return nil
}

var _ jarvis.ModuleRuntime = (*moduleRuntime)(nil)
