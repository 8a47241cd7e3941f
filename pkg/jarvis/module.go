package jarvis

import (
	"context"
	"fmt"
	"strings"
)

// ModuleState identifies one lifecycle state of a managed module.
type ModuleState string

const (
	// StateUnloaded marks a discovered module that is not loaded.
	StateUnloaded ModuleState = "unloaded"
	// StateReady marks a loaded module with every requirement satisfied.
	StateReady ModuleState = "ready"
	// StateSafeMode marks a loaded module with degraded handlers.
	StateSafeMode ModuleState = "safe_mode"
	// StatePaused marks a module suspended by the resource monitor or operator.
	StatePaused ModuleState = "paused"
	// StateFailed marks a module whose registration hook failed.
	StateFailed ModuleState = "failed"
	// StateDisabled marks an all-or-nothing module with missing requirements.
	StateDisabled ModuleState = "disabled"
)

// Validate checks whether one module state is supported.
func (s ModuleState) Validate() error {
	switch s {
	case StateUnloaded, StateReady, StateSafeMode, StatePaused, StateFailed, StateDisabled:
		return nil
	default:
		return fmt.Errorf("validate module state: unsupported state %q", s)
	}
}

// RequirementPolicy selects how a module reacts to missing requirements.
type RequirementPolicy string

const (
	// PolicyDegradable loads the module in safe mode when requirements are
	// missing, degrading only the handlers that depend on them.
	PolicyDegradable RequirementPolicy = "degradable"
	// PolicyAllOrNothing disables the module entirely when any requirement
	// is missing; nothing is registered.
	PolicyAllOrNothing RequirementPolicy = "all_or_nothing"
)

// Validate checks whether one requirement policy is supported.
func (p RequirementPolicy) Validate() error {
	switch p {
	case PolicyDegradable, PolicyAllOrNothing:
		return nil
	default:
		return fmt.Errorf("validate requirement policy: unsupported policy %q", p)
	}
}

// ModuleSpec carries the declarative surface of one module.
type ModuleSpec struct {
	// Description describes module behavior for diagnostics and help text.
	Description string
	// Priority orders startup; lower loads first, ties break by discovery order.
	Priority int
	// Critical exempts the module from resource-driven pausing.
	Critical bool
	// Requirements lists dependency specifiers, merged with configuration by
	// set union before checking. See ParseRequirement for the grammar.
	Requirements []string
	// Policy selects safe-mode degradation versus all-or-nothing disablement.
	// Empty means PolicyDegradable.
	Policy RequirementPolicy
	// Commands declares the commands this module registers.
	Commands []CommandSpec
}

// Validate checks module specification coherence.
func (s ModuleSpec) Validate() error {
	if s.Policy != "" {
		if err := s.Policy.Validate(); err != nil {
			return fmt.Errorf("validate module spec: %w", err)
		}
	}

	seen := make(map[string]struct{}, len(s.Commands))
	for index, command := range s.Commands {
		if err := command.Validate(); err != nil {
			return fmt.Errorf("validate module spec command[%d]: %w", index, err)
		}
		if _, exists := seen[command.Action]; exists {
			return fmt.Errorf("validate module spec: duplicate command action %q", command.Action)
		}
		seen[command.Action] = struct{}{}
	}

	for index, raw := range s.Requirements {
		if _, err := ParseRequirement(raw); err != nil {
			return fmt.Errorf("validate module spec requirement[%d]: %w", index, err)
		}
	}

	return nil
}

// EffectivePolicy returns the policy with the degradable default applied.
func (s ModuleSpec) EffectivePolicy() RequirementPolicy {
	if s.Policy == "" {
		return PolicyDegradable
	}

	return s.Policy
}

// ModuleRuntime provides kernel facilities to modules during registration.
type ModuleRuntime interface {
	// Services exposes the service registry for dependency lookup.
	Services() ServiceRegistry
	// Subscribe registers an asynchronous lifecycle event handler owned by
	// the module; the kernel closes it when the module unloads.
	Subscribe(ctx context.Context, spec SubscriptionSpec, handler EventHandler) (Subscription, error)
	// RegisterCommand registers one command at runtime under the given
	// namespace, defaulting to the module's own name when empty. Registering
	// an existing key overwrites it with a logged replacement notice; unload
	// removes the key and restores the registration it replaced.
	RegisterCommand(namespace string, spec CommandSpec) error
	// UnregisterCommand removes a command key owned by this module,
	// restoring any registration it replaced. Unknown keys are a no-op.
	UnregisterCommand(namespace, action string)
	// RegisterFallback installs a fallback handler for a command key owned
	// by this module. Re-registration overwrites with a logged warning.
	RegisterFallback(key string, fallback Handler) error
}

// Module is a lifecycle-aware plugin contract.
//
// Modules must be concurrency-safe: handlers can run on multiple dispatches
// at once, and the resource monitor flips pause state from its own loop.
type Module interface {
	// Name returns a stable module identifier.
	Name() string
	// Spec returns declarative commands, requirements, and ordering metadata.
	Spec() ModuleSpec
	// OnRegister is called once during load, after the requirement check and
	// command registration succeed. It must not perform externally visible
	// I/O before returning nil, so a failed load can be rolled back cleanly.
	OnRegister(ctx context.Context, runtime ModuleRuntime) error
	// OnStart is called when the kernel begins runtime execution.
	OnStart(ctx context.Context) error
	// OnShutdown is called during unload and orderly shutdown.
	OnShutdown(ctx context.Context) error
}

// ProcessOwner is optionally implemented by modules owning an external
// process. The resource monitor uses the reported pid for usage attribution
// and the dispatcher uses it for timeout termination.
type ProcessOwner interface {
	// PID returns the current process id, or 0 when no process is running.
	PID() int
}

// NormalizeModuleName trims surrounding whitespace from a module name.
//
// Names are case-sensitive; no folding is applied.
func NormalizeModuleName(name string) string {
	return strings.TrimSpace(name)
}
