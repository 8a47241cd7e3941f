package kernel

import (
	"context"
	"fmt"
	"time"

	"jarvis/pkg/jarvis"
)

// fallbackRegistration is one fallback table entry.
type fallbackRegistration struct {
	moduleName string
	handler    jarvis.Handler
}

// registerFallback installs a fallback handler for a command key, tracked
// against the owning module record.
//
// At most one fallback exists per key; re-registration overwrites the prior
// entry with a logged warning, not an error.
func (k *Kernel) registerFallback(record *moduleRecord, key string, fallback jarvis.Handler) error {
	if _, _, ok := jarvis.SplitCommandKey(key); !ok {
		return fmt.Errorf("register fallback: malformed command key %q", key)
	}
	if fallback == nil {
		return fmt.Errorf("register fallback %s: nil handler", key)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if previous, exists := k.fallbacks[key]; exists {
		k.cfg.logger.Warn("fallback replaced",
			"key", key,
			"previous_module", previous.moduleName,
			"module", record.name,
		)
	}
	k.fallbacks[key] = fallbackRegistration{moduleName: record.name, handler: fallback}
	record.fallbackKeys = append(record.fallbackKeys, key)

	return nil
}

// unregisterFallback removes the fallback for a key; absent keys are a no-op.
func (k *Kernel) unregisterFallback(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	delete(k.fallbacks, key)
}

// unregisterModuleFallbacksLocked removes every fallback owned by one module.
// The caller must hold k.mu.
func (k *Kernel) unregisterModuleFallbacksLocked(record *moduleRecord) {
	for _, key := range record.fallbackKeys {
		registration, exists := k.fallbacks[key]
		if !exists || registration.moduleName != record.name {
			continue
		}
		delete(k.fallbacks, key)
	}
	record.fallbackKeys = nil
}

// lookupFallback returns the fallback handler registered for a key.
func (k *Kernel) lookupFallback(key string) (jarvis.Handler, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	registration, exists := k.fallbacks[key]
	if !exists {
		return nil, false
	}

	return registration.handler, true
}

// runWithFallback invokes primary and, on failure, the registered fallback.
//
// With no fallback registered the primary failure surfaces as a
// *HandlerFailure. A fallback's own failure propagates unmasked: there is
// no second fallback attempt.
func (k *Kernel) runWithFallback(
	ctx context.Context,
	req jarvis.Request,
	primary func(context.Context) (jarvis.Result, error),
) (jarvis.Result, error) {
	key := req.Key()

	result, primaryErr := primary(ctx)
	if primaryErr == nil {
		return result, nil
	}

	fallback, exists := k.lookupFallback(key)
	if !exists {
		return jarvis.Result{}, &jarvis.HandlerFailure{Key: key, Err: primaryErr}
	}

	k.publishEvent(ctx, jarvis.Event{
		Kind:    jarvis.EventFallbackActivated,
		Module:  req.Module,
		Command: key,
		Err:     primaryErr.Error(),
		At:      time.Now(),
	})
	k.cfg.logger.Warn("fallback activated", "key", key, "error", primaryErr)

	// The primary may have consumed its deadline; the fallback gets a fresh one.
	fallbackCtx, cancel := context.WithTimeout(ctx, k.cfg.dispatchTimeout)
	defer cancel()

	fallbackResult, fallbackErr := runHandlerSafely(fmt.Sprintf("fallback %s", key), func() (jarvis.Result, error) {
		return fallback(fallbackCtx, req)
	})
	if fallbackErr != nil {
		return jarvis.Result{}, &jarvis.HandlerFailure{Key: key, Err: fallbackErr}
	}

	return fallbackResult, nil
}
