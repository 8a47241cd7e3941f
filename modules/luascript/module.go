// Package luascript exposes Lua files from a configured directory as
// dispatchable commands under the lua namespace.
package luascript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/Shopify/go-lua"

	"jarvis/pkg/jarvis"
)

const (
	// ScriptDirEnv names the environment variable holding the script directory.
	ScriptDirEnv = "JARVIS_SCRIPT_DIR"
	// Namespace is the command namespace scripts register under.
	Namespace = "lua"

	scriptSuffix         = ".lua"
	scriptOutputGlobal   = "output"
	scriptDirRequirement = "env:" + ScriptDirEnv
)

// Option mutates luascript module configuration.
type Option func(*Module)

// WithLogger injects a logger directly, bypassing service lookup.
func WithLogger(logger *slog.Logger) Option {
	return func(module *Module) {
		if logger != nil {
			module.logger = logger
		}
	}
}

// Module registers each *.lua file in the script directory as a command.
//
// Scripts run in a fresh interpreter per invocation with request parameters
// exposed as string globals; the script reports back through the output
// global.
type Module struct {
	logger    *slog.Logger
	lookupEnv func(string) (string, bool)

	mu      sync.Mutex
	runtime jarvis.ModuleRuntime
	scripts map[string]string
}

// New creates a luascript module with default configuration.
func New(options ...Option) *Module {
	module := &Module{
		logger:    slog.Default(),
		lookupEnv: os.LookupEnv,
		scripts:   make(map[string]string),
	}
	for _, option := range options {
		option(module)
	}

	return module
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "luascript"
}

// Spec declares the rescan command and the script directory requirement.
func (m *Module) Spec() jarvis.ModuleSpec {
	return jarvis.ModuleSpec{
		Description:  "run lua scripts from the script directory as commands",
		Priority:     60,
		Requirements: []string{scriptDirRequirement},
		Commands: []jarvis.CommandSpec{
			{
				Action:      "rescan",
				Description: "re-scan the script directory and sync registered commands",
				Requires:    []string{scriptDirRequirement},
				Handler:     m.handleRescan,
			},
		},
	}
}

// OnRegister adopts the shared logger, keeps the runtime handle for later
// rescans, and performs the initial script scan. A missing or unreadable
// script directory is tolerated; rescan can pick the scripts up later.
func (m *Module) OnRegister(_ context.Context, runtime jarvis.ModuleRuntime) error {
	logger, err := jarvis.ResolveAs[*slog.Logger](runtime.Services(), jarvis.ServiceLogger)
	switch {
	case err == nil:
		m.logger = logger
	case errors.Is(err, jarvis.ErrServiceNotFound):
	default:
		return fmt.Errorf("luascript resolve logger: %w", err)
	}

	m.mu.Lock()
	m.runtime = runtime
	m.mu.Unlock()

	if _, err := m.scriptDir(); err != nil {
		m.logger.Info("script directory not configured, no scripts registered", "env", ScriptDirEnv)
		return nil
	}

	added, _, err := m.syncScripts(runtime)
	if err != nil {
		m.logger.Warn("initial script scan failed", "error", err)
		return nil
	}
	m.logger.Info("scripts registered", "count", added)

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

func (m *Module) handleRescan(_ context.Context, _ jarvis.Request) (jarvis.Result, error) {
	m.mu.Lock()
	runtime := m.runtime
	m.mu.Unlock()
	if runtime == nil {
		return jarvis.Result{}, errors.New("rescan: module runtime not attached")
	}

	added, removed, err := m.syncScripts(runtime)
	if err != nil {
		return jarvis.Result{}, fmt.Errorf("rescan: %w", err)
	}

	m.mu.Lock()
	total := len(m.scripts)
	m.mu.Unlock()

	return jarvis.Result{
		Output: fmt.Sprintf("%d scripts registered (%d added, %d removed)", total, added, removed),
		Data:   map[string]any{"scripts": total, "added": added, "removed": removed},
	}, nil
}

// runScript executes the script backing the requested action. The path is
// resolved at invocation time so rescans take effect without re-registering
// surviving commands.
func (m *Module) runScript(_ context.Context, request jarvis.Request) (jarvis.Result, error) {
	m.mu.Lock()
	path, tracked := m.scripts[request.Action]
	m.mu.Unlock()
	if !tracked {
		return jarvis.Result{}, fmt.Errorf("run script %s: script no longer available", request.Action)
	}

	output, err := m.execute(path, request.Params)
	if err != nil {
		return jarvis.Result{}, err
	}
	m.logger.Debug("script executed", "script", filepath.Base(path), "action", request.Action)

	if output == "" {
		output = fmt.Sprintf("script %s completed", request.Action)
	}

	return jarvis.Result{
		Output: output,
		Data:   map[string]any{"script": filepath.Base(path)},
	}, nil
}

// execute runs one script in a fresh interpreter. Request parameters become
// string globals; the script's output global becomes the command output.
func (m *Module) execute(path string, params jarvis.Params) (string, error) {
	base := filepath.Base(path)

	state := lua.NewState()
	lua.OpenLibraries(state)

	for _, name := range params.Names() {
		state.PushString(params[name])
		state.SetGlobal(name)
	}

	if err := lua.LoadFile(state, path, ""); err != nil {
		return "", fmt.Errorf("load script %s: %w", base, err)
	}
	if err := state.ProtectedCall(0, 0, 0); err != nil {
		return "", fmt.Errorf("run script %s: %w", base, err)
	}

	state.Global(scriptOutputGlobal)
	defer state.Pop(1)
	if state.TypeOf(-1) == lua.TypeNil {
		return "", nil
	}
	output, ok := state.ToString(-1)
	if !ok {
		return "", fmt.Errorf("run script %s: output global is not text", base)
	}

	return output, nil
}

// syncScripts reconciles the command registry with the script directory:
// vanished scripts are unregistered, new ones registered. Surviving actions
// only have their path refreshed.
func (m *Module) syncScripts(runtime jarvis.ModuleRuntime) (added, removed int, err error) {
	dir, err := m.scriptDir()
	if err != nil {
		return 0, 0, err
	}

	found, err := discoverScripts(dir)
	if err != nil {
		return 0, 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for action := range m.scripts {
		if _, still := found[action]; still {
			continue
		}
		runtime.UnregisterCommand(Namespace, action)
		delete(m.scripts, action)
		removed++
	}

	for _, action := range slices.Sorted(maps.Keys(found)) {
		path := found[action]
		if _, tracked := m.scripts[action]; tracked {
			m.scripts[action] = path
			continue
		}
		spec := jarvis.CommandSpec{
			Action:      action,
			Description: "run " + filepath.Base(path),
			Handler:     m.runScript,
		}
		if err := runtime.RegisterCommand(Namespace, spec); err != nil {
			m.logger.Warn("script skipped", "script", filepath.Base(path), "error", err)
			continue
		}
		m.scripts[action] = path
		added++
	}

	return added, removed, nil
}

// scriptDir returns the configured script directory.
func (m *Module) scriptDir() (string, error) {
	dir, ok := m.lookupEnv(ScriptDirEnv)
	dir = strings.TrimSpace(dir)
	if !ok || dir == "" {
		return "", fmt.Errorf("script directory: %s is not set", ScriptDirEnv)
	}

	return dir, nil
}

// discoverScripts lists *.lua files directly inside dir, keyed by the action
// name derived from the file name.
func discoverScripts(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan script directory: %w", err)
	}

	found := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), scriptSuffix) {
			continue
		}
		action := strings.TrimSuffix(entry.Name(), scriptSuffix)
		if action == "" {
			continue
		}
		found[action] = filepath.Join(dir, entry.Name())
	}

	return found, nil
}

var _ jarvis.Module = (*Module)(nil)
