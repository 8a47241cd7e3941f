// Package usagestats surfaces persisted command usage statistics and records
// every successful dispatch through the lifecycle event stream.
package usagestats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"jarvis/pkg/jarvis"
)

const (
	defaultTopLimit  = 10
	storeRequirement = "service:" + jarvis.ServiceStore
)

// Option mutates usagestats module configuration.
type Option func(*Module)

// WithLogger injects a logger directly, bypassing service lookup.
func WithLogger(logger *slog.Logger) Option {
	return func(module *Module) {
		if logger != nil {
			module.logger = logger
		}
	}
}

// Module answers usage queries against the shared store and keeps the store
// current by subscribing to command.executed events.
type Module struct {
	logger *slog.Logger

	mu    sync.Mutex
	store jarvis.UsageStore
}

// New creates a usagestats module with default configuration.
func New(options ...Option) *Module {
	module := &Module{
		logger: slog.Default(),
	}
	for _, option := range options {
		option(module)
	}

	return module
}

// Name returns the stable module identifier, which doubles as the command
// namespace.
func (m *Module) Name() string {
	return "usage"
}

// Spec declares the top and reset commands. The module is useless without
// the store, so missing requirements disable it outright.
func (m *Module) Spec() jarvis.ModuleSpec {
	return jarvis.ModuleSpec{
		Description:  "report and reset persisted command usage statistics",
		Priority:     50,
		Requirements: []string{storeRequirement},
		Policy:       jarvis.PolicyAllOrNothing,
		Commands: []jarvis.CommandSpec{
			{
				Action:      "top",
				Description: "list the most dispatched commands, busiest first",
				Params: []jarvis.ParamSpec{
					{Name: "limit", Kind: jarvis.ParamInt, Description: "maximum rows to list"},
				},
				Handler: m.handleTop,
			},
			{
				Action:      "reset",
				Description: "clear all recorded usage statistics",
				Handler:     m.handleReset,
			},
		},
	}
}

// OnRegister resolves the shared store and subscribes the usage recorder to
// successful dispatches. The subscription is owned by the module, so unload
// closes it.
func (m *Module) OnRegister(ctx context.Context, runtime jarvis.ModuleRuntime) error {
	logger, err := jarvis.ResolveAs[*slog.Logger](runtime.Services(), jarvis.ServiceLogger)
	switch {
	case err == nil:
		m.logger = logger
	case errors.Is(err, jarvis.ErrServiceNotFound):
	default:
		return fmt.Errorf("usage resolve logger: %w", err)
	}

	store, err := jarvis.ResolveAs[jarvis.UsageStore](runtime.Services(), jarvis.ServiceStore)
	if err != nil {
		return fmt.Errorf("usage resolve store: %w", err)
	}
	m.mu.Lock()
	m.store = store
	m.mu.Unlock()

	spec := jarvis.SubscriptionSpec{
		Name:  "usage-recorder",
		Kinds: []jarvis.EventKind{jarvis.EventCommandExecuted},
	}
	if _, err := runtime.Subscribe(ctx, spec, m.recordExecution); err != nil {
		return fmt.Errorf("usage subscribe: %w", err)
	}

	return nil
}

// OnStart starts the module lifecycle.
func (m *Module) OnStart(_ context.Context) error {
	return nil
}

// OnShutdown stops the module lifecycle.
func (m *Module) OnShutdown(_ context.Context) error {
	return nil
}

// recordExecution notes one successful dispatch in the store. Events without
// a duration field count as zero duration rather than being dropped.
func (m *Module) recordExecution(ctx context.Context, event jarvis.Event) error {
	if event.Command == "" {
		return nil
	}

	store, err := m.usageStore()
	if err != nil {
		return err
	}

	var duration time.Duration
	if raw, present := event.Fields["duration_ms"]; present {
		if ms, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil {
			duration = time.Duration(ms) * time.Millisecond
		}
	}

	if err := store.RecordUsage(ctx, event.Command, duration); err != nil {
		return fmt.Errorf("record usage %s: %w", event.Command, err)
	}

	return nil
}

func (m *Module) handleTop(ctx context.Context, request jarvis.Request) (jarvis.Result, error) {
	limit := request.Params.Int("limit", defaultTopLimit)
	if limit <= 0 {
		return jarvis.Result{}, &jarvis.ValidationError{Param: "limit", Reason: "must be > 0"}
	}

	store, err := m.usageStore()
	if err != nil {
		return jarvis.Result{}, err
	}

	records, err := store.TopCommands(ctx, limit)
	if err != nil {
		return jarvis.Result{}, fmt.Errorf("usage top: %w", err)
	}
	if len(records) == 0 {
		return jarvis.Result{Output: "no usage recorded"}, nil
	}

	rows := make([]string, 0, len(records))
	for _, record := range records {
		rows = append(rows, formatRecord(record))
	}

	return jarvis.Result{
		Output: strings.Join(rows, "\n"),
		Data:   map[string]any{"count": len(records)},
	}, nil
}

func (m *Module) handleReset(ctx context.Context, _ jarvis.Request) (jarvis.Result, error) {
	store, err := m.usageStore()
	if err != nil {
		return jarvis.Result{}, err
	}

	if err := store.ResetUsage(ctx); err != nil {
		return jarvis.Result{}, fmt.Errorf("usage reset: %w", err)
	}
	m.logger.Info("usage statistics cleared")

	return jarvis.Result{Output: "usage statistics cleared"}, nil
}

// usageStore returns the attached store, guarding the window between command
// registration and OnRegister completion.
func (m *Module) usageStore() (jarvis.UsageStore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return nil, errors.New("usage store not attached")
	}

	return m.store, nil
}

// formatRecord renders one usage row with the per-call average.
func formatRecord(record jarvis.UsageRecord) string {
	var average time.Duration
	if record.Count > 0 {
		average = record.TotalTime / time.Duration(record.Count)
	}

	return fmt.Sprintf("%s: %d calls, avg %s", record.Key, record.Count, average)
}

var _ jarvis.Module = (*Module)(nil)
