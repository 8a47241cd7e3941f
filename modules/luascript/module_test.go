package luascript

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"jarvis/pkg/jarvis"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
		t.Fatalf("write script %s: %v", name, err)
	}
}

// newTestModule pins the script directory without touching process env.
func newTestModule(dir string) *Module {
	module := New(WithLogger(discardLogger()))
	module.lookupEnv = func(key string) (string, bool) {
		if key == ScriptDirEnv && dir != "" {
			return dir, true
		}

		return "", false
	}

	return module
}

func TestOnRegisterRegistersDiscoveredScripts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeScript(t, dir, "greet.lua", `output = "hello"`)
	writeScript(t, dir, "noop.lua", `-- nothing to do`)

	module := newTestModule(dir)
	runtime := newScriptRuntime()

	if err := module.OnRegister(context.Background(), runtime); err != nil {
		t.Fatalf("OnRegister failed: %v", err)
	}

	for _, key := range []string{"lua.greet", "lua.noop"} {
		spec, registered := runtime.registered[key]
		if !registered {
			t.Fatalf("command %s not registered, have %v", key, runtime.keys())
		}
		if spec.Handler == nil {
			t.Fatalf("command %s registered without handler", key)
		}
	}
	if got := runtime.registered["lua.greet"].Description; got != "run greet.lua" {
		t.Fatalf("description = %q, want run greet.lua", got)
	}
}

func TestOnRegisterToleratesMissingDirectory(t *testing.T) {
	tests := []struct {
		name string
		dir  func(t *testing.T) string
	}{
		{
			name: "env unset",
			dir:  func(*testing.T) string { return "" },
		},
		{
			name: "directory does not exist",
			dir:  func(t *testing.T) string { return filepath.Join(t.TempDir(), "missing") },
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			module := newTestModule(testCase.dir(t))
			runtime := newScriptRuntime()

			if err := module.OnRegister(context.Background(), runtime); err != nil {
				t.Fatalf("OnRegister failed: %v", err)
			}
			if len(runtime.registered) != 0 {
				t.Fatalf("registered = %v, want none", runtime.keys())
			}
		})
	}
}

func TestRunScriptExecutesLua(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeScript(t, dir, "greet.lua", `output = "hi " .. (name or "stranger")`)

	module := newTestModule(dir)
	if err := module.OnRegister(context.Background(), newScriptRuntime()); err != nil {
		t.Fatalf("OnRegister failed: %v", err)
	}

	result, err := module.runScript(context.Background(), jarvis.Request{
		Module: Namespace,
		Action: "greet",
		Params: jarvis.Params{"name": "ada"},
	})
	if err != nil {
		t.Fatalf("runScript failed: %v", err)
	}
	if result.Output != "hi ada" {
		t.Fatalf("output = %q, want hi ada", result.Output)
	}
	if got := result.Data["script"]; got != "greet.lua" {
		t.Fatalf("data script = %v, want greet.lua", got)
	}

	result, err = module.runScript(context.Background(), jarvis.Request{
		Module: Namespace,
		Action: "greet",
	})
	if err != nil {
		t.Fatalf("runScript failed: %v", err)
	}
	if result.Output != "hi stranger" {
		t.Fatalf("output = %q, want hi stranger", result.Output)
	}
}

func TestRunScriptReportsCompletionWithoutOutput(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeScript(t, dir, "quiet.lua", `local unused = 1`)

	module := newTestModule(dir)
	if err := module.OnRegister(context.Background(), newScriptRuntime()); err != nil {
		t.Fatalf("OnRegister failed: %v", err)
	}

	result, err := module.runScript(context.Background(), jarvis.Request{Module: Namespace, Action: "quiet"})
	if err != nil {
		t.Fatalf("runScript failed: %v", err)
	}
	if result.Output != "script quiet completed" {
		t.Fatalf("output = %q, want completion notice", result.Output)
	}
}

func TestRunScriptFailures(t *testing.T) {
	tests := []struct {
		name       string
		script     string
		body       string
		action     string
		wantErrSub string
	}{
		{
			name:       "syntax error",
			script:     "broken.lua",
			body:       `output = = 1`,
			action:     "broken",
			wantErrSub: "load script broken.lua",
		},
		{
			name:       "runtime error",
			script:     "angry.lua",
			body:       `error("kaboom")`,
			action:     "angry",
			wantErrSub: "kaboom",
		},
		{
			name:       "non-text output",
			script:     "table.lua",
			body:       `output = {}`,
			action:     "table",
			wantErrSub: "output global is not text",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			writeScript(t, dir, testCase.script, testCase.body)

			module := newTestModule(dir)
			if err := module.OnRegister(context.Background(), newScriptRuntime()); err != nil {
				t.Fatalf("OnRegister failed: %v", err)
			}

			_, err := module.runScript(context.Background(), jarvis.Request{
				Module: Namespace,
				Action: testCase.action,
			})
			if err == nil {
				t.Fatal("expected script failure")
			}
			if !strings.Contains(err.Error(), testCase.wantErrSub) {
				t.Fatalf("error = %v, want substring %q", err, testCase.wantErrSub)
			}
		})
	}
}

func TestRunScriptRejectsUntrackedAction(t *testing.T) {
	t.Parallel()

	module := newTestModule(t.TempDir())

	_, err := module.runScript(context.Background(), jarvis.Request{Module: Namespace, Action: "ghost"})
	if err == nil || !strings.Contains(err.Error(), "no longer available") {
		t.Fatalf("error = %v, want unavailable script error", err)
	}
}

func TestHandleRescanSyncsRegistry(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeScript(t, dir, "one.lua", `output = "one"`)
	writeScript(t, dir, "two.lua", `output = "two"`)

	module := newTestModule(dir)
	runtime := newScriptRuntime()
	if err := module.OnRegister(context.Background(), runtime); err != nil {
		t.Fatalf("OnRegister failed: %v", err)
	}

	if err := os.Remove(filepath.Join(dir, "two.lua")); err != nil {
		t.Fatalf("remove script: %v", err)
	}
	writeScript(t, dir, "three.lua", `output = "three"`)

	result, err := module.handleRescan(context.Background(), jarvis.Request{})
	if err != nil {
		t.Fatalf("rescan failed: %v", err)
	}
	if result.Output != "2 scripts registered (1 added, 1 removed)" {
		t.Fatalf("output = %q, want sync summary", result.Output)
	}

	if _, registered := runtime.registered["lua.three"]; !registered {
		t.Fatalf("lua.three not registered after rescan, have %v", runtime.keys())
	}
	if _, registered := runtime.registered["lua.two"]; registered {
		t.Fatal("lua.two still registered after its script vanished")
	}
	wantRemoved := []string{"lua.two"}
	if len(runtime.unregistered) != 1 || runtime.unregistered[0] != wantRemoved[0] {
		t.Fatalf("unregistered = %v, want %v", runtime.unregistered, wantRemoved)
	}
}

func TestHandleRescanWithoutRuntime(t *testing.T) {
	t.Parallel()

	module := newTestModule(t.TempDir())

	_, err := module.handleRescan(context.Background(), jarvis.Request{})
	if err == nil || !strings.Contains(err.Error(), "runtime not attached") {
		t.Fatalf("error = %v, want runtime not attached", err)
	}
}

func TestSyncSkipsRejectedScripts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeScript(t, dir, "archive.tar.lua", `output = "never runs"`)
	writeScript(t, dir, "ok.lua", `output = "fine"`)

	module := newTestModule(dir)
	runtime := newScriptRuntime()
	runtime.reject["archive.tar"] = errors.New("identifier contains reserved separator")

	if err := module.OnRegister(context.Background(), runtime); err != nil {
		t.Fatalf("OnRegister failed: %v", err)
	}

	if _, registered := runtime.registered["lua.ok"]; !registered {
		t.Fatalf("lua.ok not registered, have %v", runtime.keys())
	}
	if len(runtime.registered) != 1 {
		t.Fatalf("registered = %v, want only lua.ok", runtime.keys())
	}
	if _, tracked := module.scripts["archive.tar"]; tracked {
		t.Fatal("rejected script must not be tracked")
	}
}

func TestDiscoverScriptsIgnoresNonScripts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeScript(t, dir, "a.lua", `output = "a"`)
	writeScript(t, dir, "b.txt", "not a script")
	writeScript(t, dir, ".lua", `output = "nameless"`)
	if err := os.Mkdir(filepath.Join(dir, "c.lua"), 0o700); err != nil {
		t.Fatalf("mkdir decoy: %v", err)
	}

	found, err := discoverScripts(dir)
	if err != nil {
		t.Fatalf("discoverScripts failed: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("found = %v, want only a", found)
	}
	if found["a"] != filepath.Join(dir, "a.lua") {
		t.Fatalf("path = %q, want %q", found["a"], filepath.Join(dir, "a.lua"))
	}
}

func TestModuleSpecDeclaresRescan(t *testing.T) {
	t.Parallel()

	spec := New().Spec()
	if err := spec.Validate(); err != nil {
		t.Fatalf("spec validation failed: %v", err)
	}
	if spec.Priority != 60 {
		t.Fatalf("priority = %d, want 60", spec.Priority)
	}
	if len(spec.Requirements) != 1 || spec.Requirements[0] != scriptDirRequirement {
		t.Fatalf("requirements = %v, want [%s]", spec.Requirements, scriptDirRequirement)
	}
	if spec.EffectivePolicy() != jarvis.PolicyDegradable {
		t.Fatalf("policy = %s, want degradable", spec.EffectivePolicy())
	}
	if len(spec.Commands) != 1 || spec.Commands[0].Action != "rescan" {
		t.Fatalf("commands = %v, want rescan only", spec.Commands)
	}
	if got := spec.Commands[0].Requires; len(got) != 1 || got[0] != scriptDirRequirement {
		t.Fatalf("rescan requires = %v, want [%s]", got, scriptDirRequirement)
	}
}

type scriptRuntime struct {
	registry     serviceRegistryStub
	registered   map[string]jarvis.CommandSpec
	unregistered []string
	reject       map[string]error
}

func newScriptRuntime() *scriptRuntime {
	return &scriptRuntime{
		registered: make(map[string]jarvis.CommandSpec),
		reject:     make(map[string]error),
	}
}

func (r *scriptRuntime) keys() []string {
	keys := make([]string, 0, len(r.registered))
	for key := range r.registered {
		keys = append(keys, key)
	}

	return keys
}

func (r *scriptRuntime) Services() jarvis.ServiceRegistry {
	return r.registry
}

func (*scriptRuntime) Subscribe(
	context.Context,
	jarvis.SubscriptionSpec,
	jarvis.EventHandler,
) (jarvis.Subscription, error) {
	return nil, nil
}

func (r *scriptRuntime) RegisterCommand(namespace string, spec jarvis.CommandSpec) error {
	if err := r.reject[spec.Action]; err != nil {
		return err
	}
	r.registered[jarvis.CommandKey(namespace, spec.Action)] = spec

	return nil
}

func (r *scriptRuntime) UnregisterCommand(namespace, action string) {
	key := jarvis.CommandKey(namespace, action)
	delete(r.registered, key)
	r.unregistered = append(r.unregistered, key)
}

func (*scriptRuntime) RegisterFallback(string, jarvis.Handler) error {
	return nil
}

type serviceRegistryStub struct {
	values map[string]any
}

func (serviceRegistryStub) Register(string, any) error {
	return nil
}

func (s serviceRegistryStub) Resolve(name string) (any, error) {
	value, ok := s.values[name]
	if !ok {
		return nil, jarvis.ErrServiceNotFound
	}

	return value, nil
}
