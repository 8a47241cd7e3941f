package jarvis

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCommandNotFound indicates a command key lookup miss.
	ErrCommandNotFound = errors.New("jarvis: command not found")
	// ErrModuleNotFound indicates a module name lookup miss.
	ErrModuleNotFound = errors.New("jarvis: module not found")
	// ErrModuleAlreadyLoaded indicates duplicate module registration.
	ErrModuleAlreadyLoaded = errors.New("jarvis: module already loaded")
	// ErrModulePaused indicates the owning module is paused and handlers do not run.
	ErrModulePaused = errors.New("jarvis: module paused")
	// ErrModuleDisabled indicates an all-or-nothing module with missing requirements.
	ErrModuleDisabled = errors.New("jarvis: module disabled")
	// ErrCapabilityUnavailable indicates a handler degraded by safe mode.
	ErrCapabilityUnavailable = errors.New("jarvis: capability unavailable in safe mode")
	// ErrTimeoutExceeded indicates a handler exceeded the dispatch deadline.
	ErrTimeoutExceeded = errors.New("jarvis: dispatch timeout exceeded")
	// ErrServiceAlreadyRegistered indicates duplicate service registration.
	ErrServiceAlreadyRegistered = errors.New("jarvis: service already registered")
	// ErrServiceNotFound indicates a service lookup miss.
	ErrServiceNotFound = errors.New("jarvis: service not found")
	// ErrBusClosed indicates a publish or subscribe on a closed event bus.
	ErrBusClosed = errors.New("jarvis: event bus closed")
	// ErrSubscriptionClosed indicates a subscription is no longer active.
	ErrSubscriptionClosed = errors.New("jarvis: subscription closed")
	// ErrInvalidSubscription indicates a subscription configuration is invalid.
	ErrInvalidSubscription = errors.New("jarvis: invalid subscription")
	// ErrEventDropped indicates a non-blocking backpressure drop.
	ErrEventDropped = errors.New("jarvis: event dropped due to backpressure")
)

// ValidationError reports a parameter schema violation.
//
// Param names the offending parameter so interactive callers can correct
// exactly one token.
type ValidationError struct {
	Param  string
	Reason string
}

// Error renders the violation with the offending parameter name.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("jarvis: invalid parameter %q: %s", e.Param, e.Reason)
}

// HandlerFailure wraps an error produced by a command handler so dispatch
// failures stay distinguishable from dispatcher-internal errors.
type HandlerFailure struct {
	Key string
	Err error
}

// Error renders the failing command key and the underlying cause.
func (e *HandlerFailure) Error() string {
	return fmt.Sprintf("jarvis: handler %s failed: %v", e.Key, e.Err)
}

// Unwrap exposes the underlying handler error for errors.Is and errors.As.
func (e *HandlerFailure) Unwrap() error {
	return e.Err
}

// RequirementError reports unsatisfied module requirements discovered during
// load. The kernel converts it into SAFE_MODE or DISABLED state and never
// propagates it as a crash.
type RequirementError struct {
	Module  string
	Missing []string
}

// Error renders the module name and every missing specifier.
func (e *RequirementError) Error() string {
	return fmt.Sprintf("jarvis: module %s missing requirements: %s", e.Module, strings.Join(e.Missing, ", "))
}
