package kernel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"jarvis/pkg/jarvis"
)

// Kernel is the runtime core orchestrating module lifecycle, command
// dispatch, and the event bus.
//
// One write lock owns the module table, command table, and fallback table so
// a dispatch never observes a half-loaded module. Hooks and handlers always
// execute outside that lock.
type Kernel struct {
	cfg config

	bus      *EventBus
	services *ServiceRegistry
	checker  *requirementChecker
	flags    *flagTracker

	mu          sync.RWMutex
	modules     map[string]*moduleRecord
	moduleOrder []string
	commands    map[string]commandRegistration
	fallbacks   map[string]fallbackRegistration

	runMu   sync.Mutex
	running bool
}

// New creates a kernel with the given options applied over defaults.
func New(options ...Option) *Kernel {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	services := NewServiceRegistry()
	bus := NewEventBus(
		cfg.subscriptionBuffer,
		cfg.subscriptionWorker,
		cfg.handlerTimeout,
		cfg.onAsyncError,
	)

	k := &Kernel{
		cfg:         cfg,
		bus:         bus,
		services:    services,
		checker:     newRequirementChecker(services),
		flags:       newFlagTracker(cfg.flagThreshold, cfg.flagWindow),
		modules:     make(map[string]*moduleRecord),
		moduleOrder: make([]string, 0),
		commands:    make(map[string]commandRegistration),
		fallbacks:   make(map[string]fallbackRegistration),
	}

	if err := k.services.Register(jarvis.ServiceCatalog, &kernelCommandCatalog{kernel: k}); err != nil {
		cfg.onAsyncError(context.Background(), "register command catalog service", err)
	}

	return k
}

// EventBus exposes the kernel event bus to integration code.
func (k *Kernel) EventBus() jarvis.EventBus {
	return k.bus
}

// Services exposes the kernel service registry.
func (k *Kernel) Services() jarvis.ServiceRegistry {
	return k.services
}

// RegisterService registers a runtime service singleton.
func (k *Kernel) RegisterService(name string, service any) error {
	if err := k.services.Register(name, service); err != nil {
		return fmt.Errorf("register service %s: %w", name, err)
	}

	return nil
}

// ModuleOverrides adjusts a module registration from configuration.
type ModuleOverrides struct {
	// ExtraRequirements merge with the declared requirement set by union.
	ExtraRequirements []string
	// Priority replaces the declared startup priority when non-nil.
	Priority *int
	// Critical replaces the declared critical marker when non-nil.
	Critical *bool
	// Policy replaces the declared degradation policy when non-nil.
	Policy *jarvis.RequirementPolicy
}

// Register makes a module known to the kernel in UNLOADED state. Load or
// Startup activates it.
func (k *Kernel) Register(module jarvis.Module) error {
	return k.RegisterWithOverrides(module, ModuleOverrides{})
}

// RegisterWithOverrides registers a module with configuration overlays
// applied to its declared spec.
func (k *Kernel) RegisterWithOverrides(module jarvis.Module, overrides ModuleOverrides) error {
	if module == nil {
		return fmt.Errorf("register module: nil module")
	}
	name := jarvis.NormalizeModuleName(module.Name())
	if name == "" {
		return fmt.Errorf("register module: empty module name")
	}

	spec := cloneModuleSpec(module.Spec())
	if len(overrides.ExtraRequirements) > 0 {
		spec.Requirements = jarvis.MergeRequirements(spec.Requirements, overrides.ExtraRequirements)
	}
	if overrides.Priority != nil {
		spec.Priority = *overrides.Priority
	}
	if overrides.Critical != nil {
		spec.Critical = *overrides.Critical
	}
	if overrides.Policy != nil {
		spec.Policy = *overrides.Policy
	}
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.modules[name]; exists {
		return fmt.Errorf("register module %s: %w", name, jarvis.ErrModuleAlreadyLoaded)
	}

	k.modules[name] = &moduleRecord{
		name:       name,
		module:     module,
		spec:       spec,
		state:      jarvis.StateUnloaded,
		discovered: len(k.moduleOrder),
		replaced:   make(map[string]commandRegistration),
	}
	k.moduleOrder = append(k.moduleOrder, name)

	return nil
}

// Load activates a registered module: requirement check, command
// registration honoring per-handler capability tags, then the OnRegister
// hook under panic containment. A hook failure marks the module FAILED and
// rolls back every registration it made.
func (k *Kernel) Load(ctx context.Context, name string) error {
	name = jarvis.NormalizeModuleName(name)

	k.mu.RLock()
	record, exists := k.modules[name]
	var (
		state jarvis.ModuleState
		spec  jarvis.ModuleSpec
	)
	if exists {
		state = record.state
		spec = record.spec
	}
	k.mu.RUnlock()

	if !exists {
		return fmt.Errorf("load module %s: %w", name, jarvis.ErrModuleNotFound)
	}
	switch state {
	case jarvis.StateUnloaded, jarvis.StateFailed, jarvis.StateDisabled:
	default:
		return fmt.Errorf("load module %s: %w", name, jarvis.ErrModuleAlreadyLoaded)
	}

	requirements, err := jarvis.ParseRequirements(spec.Requirements)
	if err != nil {
		return fmt.Errorf("load module %s: %w", name, err)
	}

	// Probing may shell out to version commands, so it runs unlocked.
	_, missing := k.checker.check(ctx, requirements)

	if len(missing) > 0 && spec.EffectivePolicy() == jarvis.PolicyAllOrNothing {
		requirementErr := &jarvis.RequirementError{Module: name, Missing: append([]string(nil), missing...)}

		k.mu.Lock()
		if record.state != state {
			k.mu.Unlock()
			return fmt.Errorf("load module %s: %w", name, jarvis.ErrModuleAlreadyLoaded)
		}
		record.state = jarvis.StateDisabled
		record.missing = append([]string(nil), missing...)
		record.loadErr = requirementErr
		k.mu.Unlock()

		k.cfg.logger.Warn("module disabled", "module", name, "missing", missing)

		return nil
	}

	targetState := jarvis.StateReady
	if len(missing) > 0 {
		targetState = jarvis.StateSafeMode
	}

	k.mu.Lock()
	if record.state != state {
		k.mu.Unlock()
		return fmt.Errorf("load module %s: %w", name, jarvis.ErrModuleAlreadyLoaded)
	}
	// Missing requirements are set first so registration can mark degraded
	// entries from the capability tags.
	record.missing = append([]string(nil), missing...)
	if err := k.registerModuleCommandsLocked(record, spec.Commands); err != nil {
		k.unregisterModuleCommandsLocked(record)
		record.state = jarvis.StateFailed
		record.loadErr = err
		record.missing = nil
		k.mu.Unlock()

		return fmt.Errorf("load module %s: %w", name, err)
	}
	record.state = targetState
	record.loadErr = nil
	record.pausedFrom = ""
	k.mu.Unlock()

	runtime := &moduleRuntime{kernel: k, record: record}
	if err := k.runHook(ctx, "module "+name+" OnRegister", func(hookCtx context.Context) error {
		return record.module.OnRegister(hookCtx, runtime)
	}); err != nil {
		k.rollbackLoad(ctx, record, err)
		k.cfg.logger.Error("module load failed", "module", name, "error", err)
		k.publishEvent(ctx, jarvis.Event{Kind: jarvis.EventModuleFailed, Module: name, Err: err.Error()})

		return fmt.Errorf("load module %s: %w", name, err)
	}

	if k.isRunning() {
		if err := k.runHook(ctx, "module "+name+" OnStart", func(hookCtx context.Context) error {
			return record.module.OnStart(hookCtx)
		}); err != nil {
			k.rollbackLoad(ctx, record, err)
			k.cfg.logger.Error("module start failed", "module", name, "error", err)
			k.publishEvent(ctx, jarvis.Event{Kind: jarvis.EventModuleFailed, Module: name, Err: err.Error()})

			return fmt.Errorf("load module %s: %w", name, err)
		}
	}

	fields := map[string]string{"state": string(targetState)}
	if len(missing) > 0 {
		fields["missing"] = strings.Join(missing, ", ")
		k.cfg.logger.Warn("module loaded in safe mode", "module", name, "missing", missing)
	} else {
		k.cfg.logger.Info("module loaded", "module", name)
	}
	k.publishEvent(ctx, jarvis.Event{Kind: jarvis.EventModuleLoaded, Module: name, Fields: fields})

	return nil
}

// Unload deactivates a module: its commands and fallbacks are removed, its
// subscriptions closed, and OnShutdown runs under panic containment. The
// module ends in UNLOADED state regardless of teardown errors. Unloading an
// already unloaded module is a no-op.
func (k *Kernel) Unload(ctx context.Context, name string) error {
	name = jarvis.NormalizeModuleName(name)

	k.mu.Lock()
	record, exists := k.modules[name]
	if !exists {
		k.mu.Unlock()
		return fmt.Errorf("unload module %s: %w", name, jarvis.ErrModuleNotFound)
	}
	if record.state == jarvis.StateUnloaded {
		k.mu.Unlock()
		return nil
	}

	// FAILED and DISABLED own no registrations and never completed
	// OnRegister, so resetting state is the whole teardown.
	hadHooks := record.active()
	k.unregisterModuleCommandsLocked(record)
	k.unregisterModuleFallbacksLocked(record)
	record.state = jarvis.StateUnloaded
	record.pausedFrom = ""
	record.loadErr = nil
	record.missing = nil
	k.mu.Unlock()

	k.flags.clear(name)

	if !hadHooks {
		return nil
	}

	teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.shutdownTimeout)
	defer cancel()

	var teardownErr error
	if err := record.closeSubscriptions(teardownCtx); err != nil {
		teardownErr = errors.Join(teardownErr, err)
	}
	if err := k.runHook(teardownCtx, "module "+name+" OnShutdown", func(hookCtx context.Context) error {
		return record.module.OnShutdown(hookCtx)
	}); err != nil {
		teardownErr = errors.Join(teardownErr, err)
	}

	k.cfg.logger.Info("module unloaded", "module", name)
	k.publishEvent(ctx, jarvis.Event{Kind: jarvis.EventModuleUnloaded, Module: name})

	if teardownErr != nil {
		return fmt.Errorf("unload module %s: %w", name, teardownErr)
	}

	return nil
}

// Reload unloads and loads a module. When the load half fails the module is
// left in UNLOADED state, keeping the captured error for diagnostics.
func (k *Kernel) Reload(ctx context.Context, name string) error {
	name = jarvis.NormalizeModuleName(name)

	if err := k.Unload(ctx, name); err != nil {
		return fmt.Errorf("reload module %s: %w", name, err)
	}
	if err := k.Load(ctx, name); err != nil {
		k.mu.Lock()
		if record, exists := k.modules[name]; exists {
			record.state = jarvis.StateUnloaded
		}
		k.mu.Unlock()

		return fmt.Errorf("reload module %s: %w", name, err)
	}

	return nil
}

// Startup loads every registered module ordered by ascending priority with
// registration order breaking ties. Per-module failures are collected and
// reported together; the sequence never aborts early.
func (k *Kernel) Startup(ctx context.Context) error {
	if err := k.startRun(); err != nil {
		return err
	}

	var startupErr error
	for _, name := range k.startupOrder() {
		if err := k.Load(ctx, name); err != nil {
			startupErr = errors.Join(startupErr, err)
		}
	}

	if startupErr != nil {
		return fmt.Errorf("kernel startup: %w", startupErr)
	}

	return nil
}

// Shutdown unloads every active module in reverse startup order and closes
// the event bus. Cleanup continues after parent cancellation inside the
// shutdown timeout window.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.finishRun()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.shutdownTimeout)
	defer cancel()

	var shutdownErr error
	order := k.startupOrder()
	for idx := len(order) - 1; idx >= 0; idx-- {
		name := order[idx]

		k.mu.RLock()
		record, exists := k.modules[name]
		active := exists && record.active()
		k.mu.RUnlock()
		if !active {
			continue
		}

		if err := k.Unload(shutdownCtx, name); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
	}

	if err := k.bus.Close(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}

	if shutdownErr != nil {
		return fmt.Errorf("kernel shutdown: %w", shutdownErr)
	}

	return nil
}

// Pause suspends handler execution for a module. Handlers stay registered
// and listed; invoking one reports the paused condition. Pausing an already
// paused module is a no-op.
func (k *Kernel) Pause(ctx context.Context, name string) error {
	name = jarvis.NormalizeModuleName(name)

	k.mu.Lock()
	record, exists := k.modules[name]
	if !exists {
		k.mu.Unlock()
		return fmt.Errorf("pause module %s: %w", name, jarvis.ErrModuleNotFound)
	}
	switch record.state {
	case jarvis.StatePaused:
		k.mu.Unlock()
		return nil
	case jarvis.StateReady, jarvis.StateSafeMode:
		record.pausedFrom = record.state
		record.state = jarvis.StatePaused
		k.mu.Unlock()
	default:
		state := record.state
		k.mu.Unlock()
		return fmt.Errorf("pause module %s: state %s is not pausable", name, state)
	}

	k.cfg.logger.Info("module paused", "module", name)
	k.publishEvent(ctx, jarvis.Event{Kind: jarvis.EventModulePaused, Module: name})

	return nil
}

// Resume restores a paused module to its exact pre-pause state, READY or
// SAFE_MODE. Resuming a module that is not paused is a no-op.
func (k *Kernel) Resume(ctx context.Context, name string) error {
	name = jarvis.NormalizeModuleName(name)

	k.mu.Lock()
	record, exists := k.modules[name]
	if !exists {
		k.mu.Unlock()
		return fmt.Errorf("resume module %s: %w", name, jarvis.ErrModuleNotFound)
	}
	if record.state != jarvis.StatePaused {
		k.mu.Unlock()
		return nil
	}
	restored := record.pausedFrom
	if restored == "" {
		restored = jarvis.StateReady
	}
	record.state = restored
	record.pausedFrom = ""
	k.mu.Unlock()

	k.cfg.logger.Info("module resumed", "module", name, "state", restored)
	k.publishEvent(ctx, jarvis.Event{
		Kind:   jarvis.EventModuleResumed,
		Module: name,
		Fields: map[string]string{"state": string(restored)},
	})

	return nil
}

// ModuleStatus is a point-in-time view of one module.
type ModuleStatus struct {
	Name     string
	State    jarvis.ModuleState
	Priority int
	Critical bool
	Missing  []string
	Err      string
	PID      int
}

// Modules returns a status snapshot for every registered module in
// registration order.
func (k *Kernel) Modules() []ModuleStatus {
	k.mu.RLock()
	records := make([]*moduleRecord, 0, len(k.modules))
	statuses := make([]ModuleStatus, 0, len(k.modules))
	for _, name := range k.moduleOrder {
		record, exists := k.modules[name]
		if !exists {
			continue
		}
		records = append(records, record)
		statuses = append(statuses, statusLocked(record))
	}
	k.mu.RUnlock()

	// PID probes call into module code, so they run unlocked.
	for idx, record := range records {
		if owner, ok := record.module.(jarvis.ProcessOwner); ok {
			statuses[idx].PID = owner.PID()
		}
	}

	return statuses
}

// ModuleStatus returns the status snapshot for one module.
func (k *Kernel) ModuleStatus(name string) (ModuleStatus, error) {
	name = jarvis.NormalizeModuleName(name)

	k.mu.RLock()
	record, exists := k.modules[name]
	var status ModuleStatus
	if exists {
		status = statusLocked(record)
	}
	k.mu.RUnlock()

	if !exists {
		return ModuleStatus{}, fmt.Errorf("module status %s: %w", name, jarvis.ErrModuleNotFound)
	}
	if owner, ok := record.module.(jarvis.ProcessOwner); ok {
		status.PID = owner.PID()
	}

	return status, nil
}

// statusLocked builds a status view. The caller must hold k.mu.
func statusLocked(record *moduleRecord) ModuleStatus {
	status := ModuleStatus{
		Name:     record.name,
		State:    record.state,
		Priority: record.spec.Priority,
		Critical: record.spec.Critical,
	}
	if len(record.missing) > 0 {
		status.Missing = append([]string(nil), record.missing...)
	}
	if record.loadErr != nil {
		status.Err = record.loadErr.Error()
	}

	return status
}

// runHook executes a lifecycle hook under panic containment and the module
// hook timeout.
func (k *Kernel) runHook(ctx context.Context, scope string, hook func(context.Context) error) error {
	hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
	defer cancel()

	return runSafely(scope, func() error {
		return hook(hookCtx)
	})
}

// rollbackLoad reverts a failed load: subscriptions close, fallbacks and
// commands registered so far are removed, replaced entries are restored, and
// the module is marked FAILED with the captured cause.
func (k *Kernel) rollbackLoad(ctx context.Context, record *moduleRecord, cause error) {
	rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.moduleHookTimeout)
	defer cancel()

	if err := record.closeSubscriptions(rollbackCtx); err != nil {
		k.cfg.onAsyncError(rollbackCtx, "rollback module "+record.name, err)
	}

	k.mu.Lock()
	k.unregisterModuleCommandsLocked(record)
	k.unregisterModuleFallbacksLocked(record)
	record.state = jarvis.StateFailed
	record.loadErr = cause
	k.mu.Unlock()
}

// startupOrder returns module names by ascending priority, registration
// order breaking ties.
func (k *Kernel) startupOrder() []string {
	type ordered struct {
		name     string
		priority int
	}

	k.mu.RLock()
	entries := make([]ordered, 0, len(k.moduleOrder))
	for _, name := range k.moduleOrder {
		record, exists := k.modules[name]
		if !exists {
			continue
		}
		entries = append(entries, ordered{name: name, priority: record.spec.Priority})
	}
	k.mu.RUnlock()

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].priority < entries[j].priority
	})

	names := make([]string, len(entries))
	for idx, entry := range entries {
		names[idx] = entry.name
	}

	return names
}

// startRun serializes Startup invocations and rejects concurrent starts.
func (k *Kernel) startRun() error {
	k.runMu.Lock()
	defer k.runMu.Unlock()

	if k.running {
		return fmt.Errorf("kernel startup: already running")
	}
	k.running = true

	return nil
}

// finishRun releases the single-run guard set by startRun.
func (k *Kernel) finishRun() {
	k.runMu.Lock()
	k.running = false
	k.runMu.Unlock()
}

// isRunning reports whether Startup has happened and Shutdown has not.
func (k *Kernel) isRunning() bool {
	k.runMu.Lock()
	defer k.runMu.Unlock()

	return k.running
}

// publishEvent submits a lifecycle event, reporting publish failures through
// the async error sink instead of failing the calling operation.
func (k *Kernel) publishEvent(ctx context.Context, event jarvis.Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	if err := k.bus.Publish(ctx, event); err != nil {
		k.cfg.onAsyncError(ctx, "publish "+string(event.Kind), err)
	}
}

// cloneModuleSpec copies owned slices so later caller mutation cannot reach
// kernel state.
func cloneModuleSpec(spec jarvis.ModuleSpec) jarvis.ModuleSpec {
	cloned := spec
	if len(spec.Requirements) > 0 {
		cloned.Requirements = append([]string(nil), spec.Requirements...)
	}
	if len(spec.Commands) > 0 {
		cloned.Commands = make([]jarvis.CommandSpec, len(spec.Commands))
		for idx, command := range spec.Commands {
			cloned.Commands[idx] = cloneCommandSpec(command)
		}
	}

	return cloned
}

// isContextCancellation reports whether err is a context-driven termination signal.
func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
