package jarvis

import (
	"context"
	"fmt"
	"time"
)

const (
	// ServiceLogger is the canonical registry key for the shared *slog.Logger.
	ServiceLogger = "jarvis.logger"
	// ServiceStore is the canonical registry key for the persistence store.
	ServiceStore = "jarvis.store"
	// ServiceCatalog is the canonical registry key for command discovery.
	ServiceCatalog = "jarvis.command_catalog"
)

// ServiceRegistry provides runtime dependency lookup to modules.
type ServiceRegistry interface {
	// Register binds a singleton service value to a stable name.
	Register(name string, service any) error
	// Resolve returns a registered service by name.
	Resolve(name string) (any, error)
}

// ResolveAs resolves a service and casts it to the requested type.
func ResolveAs[T any](registry ServiceRegistry, name string) (T, error) {
	var zero T

	service, err := registry.Resolve(name)
	if err != nil {
		return zero, fmt.Errorf("resolve service %s: %w", name, err)
	}

	typed, ok := service.(T)
	if !ok {
		return zero, fmt.Errorf("resolve service %s: type assertion failed", name)
	}

	return typed, nil
}

// CommandEntry describes one registered command for discovery output.
type CommandEntry struct {
	// Module names the owning module.
	Module string
	// Action is the command action within the module.
	Action string
	// Description describes command behavior.
	Description string
	// Degraded reports whether safe mode replaced the real handler.
	Degraded bool
	// Params declares the accepted parameter schema.
	Params []ParamSpec
}

// Key returns the canonical dotted command key for this entry.
func (e CommandEntry) Key() string {
	return CommandKey(e.Module, e.Action)
}

// CommandCatalog provides read access to registered command specifications.
//
// Implementations must be concurrency-safe; listings are consumed by the
// help builtin and by modules from handler goroutines.
type CommandCatalog interface {
	// ListCommands returns registered entries ordered by module then action.
	ListCommands(ctx context.Context) ([]CommandEntry, error)
}

// UsageRecord aggregates dispatch statistics for one command key.
type UsageRecord struct {
	// Key is the dotted command key.
	Key string
	// Count is the number of recorded dispatches.
	Count int64
	// LastUsed is the most recent dispatch time.
	LastUsed time.Time
	// TotalTime is the accumulated handler execution time.
	TotalTime time.Duration
}

// UsageStore persists command usage statistics and the loaded-module set.
// It is published under ServiceStore when persistence is configured.
type UsageStore interface {
	// RecordUsage notes one dispatch of a command key.
	RecordUsage(ctx context.Context, key string, duration time.Duration) error
	// TopCommands returns the most dispatched keys, busiest first.
	TopCommands(ctx context.Context, limit int) ([]UsageRecord, error)
	// ResetUsage clears all recorded usage.
	ResetUsage(ctx context.Context) error
	// SaveLoaded replaces the persisted set of loaded module names.
	SaveLoaded(ctx context.Context, names []string) error
	// LoadedModules returns the persisted set of loaded module names.
	LoadedModules(ctx context.Context) ([]string, error)
}
