package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	slogmulti "github.com/samber/slog-multi"

	"jarvis/internal/config"
	"jarvis/internal/kernel"
	"jarvis/internal/monitor"
	"jarvis/internal/store"
	"jarvis/modules/echo"
	"jarvis/modules/luascript"
	"jarvis/modules/sysinfo"
	"jarvis/modules/usagestats"
	"jarvis/modules/vcs"
	"jarvis/pkg/jarvis"
)

func run() error {
	cfg, configPath, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := new(slog.LevelVar)
	level.Set(cfg.LogLevel)
	logger, closeLogs, err := buildLogger(cfg, level, os.Stderr)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() {
		if err := closeLogs(); err != nil {
			fmt.Fprintln(os.Stderr, "close log sink:", err)
		}
	}()

	if configPath != "" {
		logger.Info("configuration loaded", "path", configPath)
	} else {
		logger.Info("no config file found, defaults in effect")
	}
	snapshots := config.NewReloadable(cfg)

	var usageStore *store.Store
	if cfg.StorePath != "" {
		usageStore, err = store.Open(cfg.StorePath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer func() {
			if err := usageStore.Close(); err != nil {
				logger.Error("close store", "error", err)
			}
		}()
	}

	kernelRuntime := buildKernel(logger, cfg)
	if err := registerRuntimeServices(kernelRuntime, logger, usageStore); err != nil {
		return err
	}
	if err := registerRuntimeModules(kernelRuntime, cfg, logger); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Startup is best effort: modules that failed are reported joined while
	// the rest keep serving.
	if err := kernelRuntime.Startup(ctx); err != nil {
		logger.Error("startup reported failures", "error", err)
	}
	restoreModuleStates(ctx, kernelRuntime, usageStore, cfg, logger)

	reloadDone := watchReload(sessionCtx, configPath, snapshots, level, logger)

	var monitorDone chan error
	if cfg.Monitor.Enabled {
		resourceMonitor, err := monitor.New(
			kernelRuntime,
			monitor.SystemSampler{},
			monitorWatermarks(snapshots),
			cfg.Monitor.Period,
			logger,
		)
		if err != nil {
			return fmt.Errorf("build monitor: %w", err)
		}
		monitorDone = make(chan error, 1)
		go func() {
			monitorDone <- resourceMonitor.Run(sessionCtx)
		}()
	}

	consoleErr := newConsole(kernelRuntime, os.Stdin, os.Stdout).Run(sessionCtx)

	cancel()
	if monitorDone != nil {
		if err := <-monitorDone; err != nil {
			logger.Error("resource monitor stopped", "error", err)
		}
	}
	<-reloadDone

	saveModuleStates(kernelRuntime, usageStore, cfg, logger)

	if err := kernelRuntime.Shutdown(ctx); err != nil {
		return err
	}
	if consoleErr != nil && !errors.Is(consoleErr, context.Canceled) {
		return fmt.Errorf("console: %w", consoleErr)
	}

	return nil
}

// buildLogger builds the root logger: a handler on the console writer in the
// configured format, fanned out to a JSON file sink when one is configured.
func buildLogger(cfg config.Config, level slog.Leveler, console io.Writer) (*slog.Logger, func() error, error) {
	options := &slog.HandlerOptions{Level: level}

	var consoleHandler slog.Handler
	switch cfg.LogFormat {
	case "text":
		consoleHandler = slog.NewTextHandler(console, options)
	default:
		consoleHandler = slog.NewJSONHandler(console, options)
	}

	if cfg.LogFile == "" {
		return slog.New(consoleHandler), func() error { return nil }, nil
	}

	file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", cfg.LogFile, err)
	}
	handlers := []slog.Handler{consoleHandler, slog.NewJSONHandler(file, options)}

	return slog.New(slogmulti.Fanout(handlers...)), file.Close, nil
}

func buildKernel(logger *slog.Logger, cfg config.Config) *kernel.Kernel {
	return kernel.New(
		kernel.WithLogger(logger),
		kernel.WithDispatchTimeout(cfg.DispatchTimeout),
		kernel.WithModuleHookTimeout(cfg.ModuleHookTimeout),
		kernel.WithShutdownTimeout(cfg.ShutdownTimeout),
		kernel.WithDefaultSubscriptionBuffer(cfg.SubscriptionBuffer),
		kernel.WithDefaultSubscriptionWorkers(cfg.SubscriptionWorkers),
		kernel.WithFlagPolicy(cfg.FlagThreshold, cfg.FlagWindow),
		kernel.WithSuggestionLimit(cfg.SuggestionLimit),
	)
}

func registerRuntimeServices(kernelRuntime *kernel.Kernel, logger *slog.Logger, usageStore *store.Store) error {
	if err := kernelRuntime.RegisterService(jarvis.ServiceLogger, logger); err != nil {
		return fmt.Errorf("register logger service: %w", err)
	}
	if usageStore != nil {
		if err := kernelRuntime.RegisterService(jarvis.ServiceStore, usageStore); err != nil {
			return fmt.Errorf("register store service: %w", err)
		}
	}

	return nil
}

// registerRuntimeModules constructs the shipped modules and registers them
// with manifest and config overlays applied. Modules disabled by
// configuration are skipped entirely.
func registerRuntimeModules(kernelRuntime *kernel.Kernel, cfg config.Config, logger *slog.Logger) error {
	manifests, err := config.DiscoverManifests(cfg.ModuleDirs)
	if err != nil {
		return fmt.Errorf("discover manifests: %w", err)
	}
	overrides := moduleOverrides(manifests, cfg.Modules)

	registered := make(map[string]struct{})
	for _, module := range runtimeModules(cfg) {
		name := jarvis.NormalizeModuleName(module.Name())
		registered[name] = struct{}{}

		override := overrides[name]
		if override.disabled {
			logger.Info("module disabled by configuration", "module", name)
			continue
		}
		if err := kernelRuntime.RegisterWithOverrides(module, override.apply); err != nil {
			return err
		}
	}

	for _, name := range slices.Sorted(maps.Keys(overrides)) {
		if _, known := registered[name]; !known {
			logger.Warn("configuration references unknown module", "module", name)
		}
	}

	return nil
}

// runtimeModules builds the shipped module set. Settings that affect module
// construction are read here; everything else arrives through overrides.
func runtimeModules(cfg config.Config) []jarvis.Module {
	vcsOptions := make([]vcs.Option, 0, 1)
	if dir := strings.TrimSpace(cfg.Modules["vcs"].Settings["dir"]); dir != "" {
		vcsOptions = append(vcsOptions, vcs.WithDir(dir))
	}

	return []jarvis.Module{
		sysinfo.New(),
		vcs.New(vcsOptions...),
		usagestats.New(),
		luascript.New(),
		echo.New(),
	}
}

// moduleOverride pairs the enable switch with the spec overlays for one
// module.
type moduleOverride struct {
	disabled bool
	apply    kernel.ModuleOverrides
}

// moduleOverrides merges discovered manifests with config file entries.
// Config entries win field by field; requirement lists union in first-seen
// order.
func moduleOverrides(manifests []config.Manifest, entries map[string]config.ModuleConfig) map[string]moduleOverride {
	merged := make(map[string]moduleOverride, len(manifests)+len(entries))

	for _, manifest := range manifests {
		override := merged[manifest.Module]
		if manifest.Enabled != nil {
			override.disabled = !*manifest.Enabled
		}
		if manifest.Priority != nil {
			override.apply.Priority = manifest.Priority
		}
		if manifest.Critical != nil {
			override.apply.Critical = manifest.Critical
		}
		override.apply.ExtraRequirements = jarvis.MergeRequirements(override.apply.ExtraRequirements, manifest.Requirements)
		merged[manifest.Module] = override
	}

	for rawName, entry := range entries {
		name := jarvis.NormalizeModuleName(rawName)
		override := merged[name]
		if entry.Enabled != nil {
			override.disabled = !*entry.Enabled
		}
		if entry.Priority != nil {
			override.apply.Priority = entry.Priority
		}
		if entry.Critical != nil {
			override.apply.Critical = entry.Critical
		}
		if entry.Degradable != nil {
			policy := jarvis.PolicyAllOrNothing
			if *entry.Degradable {
				policy = jarvis.PolicyDegradable
			}
			override.apply.Policy = &policy
		}
		override.apply.ExtraRequirements = jarvis.MergeRequirements(override.apply.ExtraRequirements, entry.Requirements)
		merged[name] = override
	}

	return merged
}

// restoreModuleStates unloads modules that were not loaded when the previous
// session ended. Absent persistence or an empty saved set leaves the startup
// result untouched.
func restoreModuleStates(
	ctx context.Context,
	kernelRuntime *kernel.Kernel,
	usageStore *store.Store,
	cfg config.Config,
	logger *slog.Logger,
) {
	if !cfg.RestoreState || usageStore == nil {
		return
	}

	saved, err := usageStore.LoadedModules(ctx)
	if err != nil {
		logger.Warn("restore module states", "error", err)
		return
	}
	if len(saved) == 0 {
		return
	}

	wanted := make(map[string]struct{}, len(saved))
	for _, name := range saved {
		wanted[jarvis.NormalizeModuleName(name)] = struct{}{}
	}

	for _, status := range kernelRuntime.Modules() {
		if _, keep := wanted[status.Name]; keep {
			continue
		}
		switch status.State {
		case jarvis.StateReady, jarvis.StateSafeMode, jarvis.StatePaused:
			if err := kernelRuntime.Unload(ctx, status.Name); err != nil {
				logger.Warn("restore unload", "module", status.Name, "error", err)
				continue
			}
			logger.Info("module unloaded per saved state", "module", status.Name)
		}
	}
}

// saveModuleStates persists the names of currently active modules for the
// next session.
func saveModuleStates(kernelRuntime *kernel.Kernel, usageStore *store.Store, cfg config.Config, logger *slog.Logger) {
	if usageStore == nil {
		return
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := usageStore.SaveLoaded(saveCtx, activeModuleNames(kernelRuntime.Modules())); err != nil {
		logger.Error("save loaded modules", "error", err)
	}
}

// activeModuleNames filters a status snapshot down to loaded modules, in
// snapshot order.
func activeModuleNames(statuses []kernel.ModuleStatus) []string {
	names := make([]string, 0, len(statuses))
	for _, status := range statuses {
		switch status.State {
		case jarvis.StateReady, jarvis.StateSafeMode, jarvis.StatePaused:
			names = append(names, status.Name)
		}
	}

	return names
}

// watchReload re-reads configuration on SIGHUP. The new snapshot feeds the
// log level and the monitor watermarks; kernel timeouts are fixed at
// construction and need a restart.
func watchReload(
	ctx context.Context,
	path string,
	snapshots *config.Reloadable[config.Config],
	level *slog.LevelVar,
	logger *slog.Logger,
) <-chan struct{} {
	done := make(chan struct{})
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP)

	go func() {
		defer close(done)
		defer signal.Stop(signals)

		for {
			select {
			case <-ctx.Done():
				return
			case <-signals:
				cfg, err := config.LoadFile(path)
				if err != nil {
					logger.Error("reload config", "error", err)
					continue
				}
				snapshots.Swap(cfg)
				level.Set(cfg.LogLevel)
				logger.Info("configuration reloaded", "path", path)
			}
		}
	}()

	return done
}

// monitorWatermarks reads the pressure thresholds from the live config
// snapshot so a reload takes effect on the next tick.
func monitorWatermarks(snapshots *config.Reloadable[config.Config]) func() monitor.Watermarks {
	return func() monitor.Watermarks {
		cfg := snapshots.Load()
		return monitor.Watermarks{
			High: cfg.Monitor.HighWaterPercent,
			Low:  cfg.Monitor.LowWaterPercent,
		}
	}
}
