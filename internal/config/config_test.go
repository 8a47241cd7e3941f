package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, path string, contents string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("create config dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    slog.Level
		wantErr bool
	}{
		{name: "debug", input: "debug", want: slog.LevelDebug},
		{name: "info", input: "info", want: slog.LevelInfo},
		{name: "warn", input: "warn", want: slog.LevelWarn},
		{name: "warning", input: "warning", want: slog.LevelWarn},
		{name: "error", input: "ERROR", want: slog.LevelError},
		{name: "invalid", input: "trace", wantErr: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			got, err := ParseLogLevel(testCase.input)
			if testCase.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !testCase.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if testCase.wantErr {
				return
			}
			if got != testCase.want {
				t.Fatalf("level = %v, want %v", got, testCase.want)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	t.Run("loads all supported fields from config file", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "jarvis.config.json")
		writeConfigFile(t, configPath, `{
			"log_level":"warn",
			"log_format":"text",
			"log_file":"state/jarvis.log",
			"store_path":"state/jarvis.db",
			"restore_state":false,
			"kernel":{
				"dispatch_timeout":"45s",
				"module_hook_timeout":"7s",
				"shutdown_timeout":"15s",
				"subscription_buffer":64,
				"subscription_workers":5,
				"flag_threshold":4,
				"flag_window":"2m",
				"suggestion_limit":5
			},
			"monitor":{
				"enabled":false,
				"period":"9s",
				"high_water_percent":90,
				"low_water_percent":50
			},
			"module_dirs":["modules.d","extra/modules.d"],
			"modules":{
				"vcs":{
					"enabled":true,
					"priority":25,
					"critical":true,
					"degradable":false,
					"requirements":["exec:git >=2.30.0"],
					"settings":{"dir":"/srv/repo"}
				}
			}
		}`)

		cfg, err := loadFile(configPath, map[string]string{})
		if err != nil {
			t.Fatalf("load config failed: %v", err)
		}

		if cfg.LogLevel != slog.LevelWarn {
			t.Fatalf("log level = %v, want %v", cfg.LogLevel, slog.LevelWarn)
		}
		if cfg.LogFormat != "text" {
			t.Fatalf("log format = %q, want text", cfg.LogFormat)
		}
		if cfg.LogFile != "state/jarvis.log" {
			t.Fatalf("log file = %q, want state/jarvis.log", cfg.LogFile)
		}
		if cfg.StorePath != "state/jarvis.db" {
			t.Fatalf("store path = %q, want state/jarvis.db", cfg.StorePath)
		}
		if cfg.RestoreState {
			t.Fatal("restore state = true, want false")
		}
		if cfg.DispatchTimeout != 45*time.Second {
			t.Fatalf("dispatch timeout = %s, want 45s", cfg.DispatchTimeout)
		}
		if cfg.ModuleHookTimeout != 7*time.Second {
			t.Fatalf("module hook timeout = %s, want 7s", cfg.ModuleHookTimeout)
		}
		if cfg.ShutdownTimeout != 15*time.Second {
			t.Fatalf("shutdown timeout = %s, want 15s", cfg.ShutdownTimeout)
		}
		if cfg.SubscriptionBuffer != 64 {
			t.Fatalf("subscription buffer = %d, want 64", cfg.SubscriptionBuffer)
		}
		if cfg.SubscriptionWorkers != 5 {
			t.Fatalf("subscription workers = %d, want 5", cfg.SubscriptionWorkers)
		}
		if cfg.FlagThreshold != 4 {
			t.Fatalf("flag threshold = %d, want 4", cfg.FlagThreshold)
		}
		if cfg.FlagWindow != 2*time.Minute {
			t.Fatalf("flag window = %s, want 2m", cfg.FlagWindow)
		}
		if cfg.SuggestionLimit != 5 {
			t.Fatalf("suggestion limit = %d, want 5", cfg.SuggestionLimit)
		}
		if cfg.Monitor.Enabled {
			t.Fatal("monitor enabled = true, want false")
		}
		if cfg.Monitor.Period != 9*time.Second {
			t.Fatalf("monitor period = %s, want 9s", cfg.Monitor.Period)
		}
		if cfg.Monitor.HighWaterPercent != 90 {
			t.Fatalf("monitor high water = %v, want 90", cfg.Monitor.HighWaterPercent)
		}
		if cfg.Monitor.LowWaterPercent != 50 {
			t.Fatalf("monitor low water = %v, want 50", cfg.Monitor.LowWaterPercent)
		}
		if len(cfg.ModuleDirs) != 2 || cfg.ModuleDirs[0] != "modules.d" || cfg.ModuleDirs[1] != "extra/modules.d" {
			t.Fatalf("module dirs = %v, want [modules.d extra/modules.d]", cfg.ModuleDirs)
		}

		moduleCfg, ok := cfg.Modules["vcs"]
		if !ok {
			t.Fatalf("modules = %v, want vcs entry", cfg.Modules)
		}
		if moduleCfg.Enabled == nil || !*moduleCfg.Enabled {
			t.Fatal("vcs enabled = nil or false, want true")
		}
		if moduleCfg.Priority == nil || *moduleCfg.Priority != 25 {
			t.Fatalf("vcs priority = %v, want 25", moduleCfg.Priority)
		}
		if moduleCfg.Critical == nil || !*moduleCfg.Critical {
			t.Fatal("vcs critical = nil or false, want true")
		}
		if moduleCfg.Degradable == nil || *moduleCfg.Degradable {
			t.Fatal("vcs degradable = nil or true, want false")
		}
		if len(moduleCfg.Requirements) != 1 || moduleCfg.Requirements[0] != "exec:git >=2.30.0" {
			t.Fatalf("vcs requirements = %v, want [exec:git >=2.30.0]", moduleCfg.Requirements)
		}
		if moduleCfg.Settings["dir"] != "/srv/repo" {
			t.Fatalf("vcs settings dir = %q, want /srv/repo", moduleCfg.Settings["dir"])
		}
	})

	t.Run("empty path runs on defaults", func(t *testing.T) {
		cfg, err := loadFile("", map[string]string{})
		if err != nil {
			t.Fatalf("load config failed: %v", err)
		}

		want := Default()
		if cfg.LogLevel != want.LogLevel {
			t.Fatalf("log level = %v, want %v", cfg.LogLevel, want.LogLevel)
		}
		if cfg.LogFormat != want.LogFormat {
			t.Fatalf("log format = %q, want %q", cfg.LogFormat, want.LogFormat)
		}
		if cfg.StorePath != want.StorePath {
			t.Fatalf("store path = %q, want %q", cfg.StorePath, want.StorePath)
		}
		if !cfg.RestoreState {
			t.Fatal("restore state = false, want true")
		}
		if cfg.DispatchTimeout != want.DispatchTimeout {
			t.Fatalf("dispatch timeout = %s, want %s", cfg.DispatchTimeout, want.DispatchTimeout)
		}
		if !cfg.Monitor.Enabled {
			t.Fatal("monitor enabled = false, want true")
		}
	})

	t.Run("environment overrides file values", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "jarvis.config.json")
		writeConfigFile(t, configPath, `{
			"log_level":"warn",
			"kernel":{"dispatch_timeout":"45s"},
			"monitor":{"enabled":true}
		}`)

		cfg, err := loadFile(configPath, map[string]string{
			"JARVIS_LOG_LEVEL":        "error",
			"JARVIS_DISPATCH_TIMEOUT": "90s",
			"JARVIS_MONITOR_ENABLED":  "false",
			"JARVIS_MODULE_DIRS":      "first.d:second.d",
			"JARVIS_STORE_PATH":       "env/jarvis.db",
		})
		if err != nil {
			t.Fatalf("load config failed: %v", err)
		}

		if cfg.LogLevel != slog.LevelError {
			t.Fatalf("log level = %v, want %v", cfg.LogLevel, slog.LevelError)
		}
		if cfg.DispatchTimeout != 90*time.Second {
			t.Fatalf("dispatch timeout = %s, want 90s", cfg.DispatchTimeout)
		}
		if cfg.Monitor.Enabled {
			t.Fatal("monitor enabled = true, want false")
		}
		if len(cfg.ModuleDirs) != 2 || cfg.ModuleDirs[0] != "first.d" || cfg.ModuleDirs[1] != "second.d" {
			t.Fatalf("module dirs = %v, want [first.d second.d]", cfg.ModuleDirs)
		}
		if cfg.StorePath != "env/jarvis.db" {
			t.Fatalf("store path = %q, want env/jarvis.db", cfg.StorePath)
		}
	})

	t.Run("empty store path disables persistence", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "jarvis.config.json")
		writeConfigFile(t, configPath, `{"store_path":""}`)

		cfg, err := loadFile(configPath, map[string]string{})
		if err != nil {
			t.Fatalf("load config failed: %v", err)
		}
		if cfg.StorePath != "" {
			t.Fatalf("store path = %q, want empty", cfg.StorePath)
		}
	})

	t.Run("invalid config values fail", func(t *testing.T) {
		tests := []struct {
			name       string
			fileJSON   string
			wantErrSub string
		}{
			{
				name:       "invalid log level",
				fileJSON:   `{"log_level":"trace"}`,
				wantErrSub: "parse log_level",
			},
			{
				name:       "unsupported log format",
				fileJSON:   `{"log_format":"xml"}`,
				wantErrSub: "validate log_format",
			},
			{
				name:       "invalid dispatch timeout",
				fileJSON:   `{"kernel":{"dispatch_timeout":"bad"}}`,
				wantErrSub: "parse kernel.dispatch_timeout",
			},
			{
				name:       "non-positive hook timeout",
				fileJSON:   `{"kernel":{"module_hook_timeout":"-3s"}}`,
				wantErrSub: "parse kernel.module_hook_timeout: must be > 0",
			},
			{
				name:       "non-positive subscription buffer",
				fileJSON:   `{"kernel":{"subscription_buffer":0}}`,
				wantErrSub: "parse kernel.subscription_buffer",
			},
			{
				name:       "invalid monitor period",
				fileJSON:   `{"monitor":{"period":"soon"}}`,
				wantErrSub: "parse monitor.period",
			},
			{
				name:       "inverted monitor watermarks",
				fileJSON:   `{"monitor":{"high_water_percent":40,"low_water_percent":70}}`,
				wantErrSub: "low_water_percent must be below high_water_percent",
			},
			{
				name:       "malformed module requirement",
				fileJSON:   `{"modules":{"vcs":{"requirements":["file:git"]}}}`,
				wantErrSub: "parse modules.vcs.requirements",
			},
		}

		for _, testCase := range tests {
			testCase := testCase
			t.Run(testCase.name, func(t *testing.T) {
				configPath := filepath.Join(t.TempDir(), "jarvis.config.json")
				writeConfigFile(t, configPath, testCase.fileJSON)

				_, err := loadFile(configPath, map[string]string{})
				if err == nil {
					t.Fatal("expected error")
				}
				if !strings.Contains(err.Error(), testCase.wantErrSub) {
					t.Fatalf("error = %v, want substring %q", err, testCase.wantErrSub)
				}
			})
		}
	})
}

func TestLoad(t *testing.T) {
	t.Run("missing explicit config file fails", func(t *testing.T) {
		t.Setenv(EnvConfigFile, filepath.Join(t.TempDir(), "missing.json"))

		if _, _, err := Load(); err == nil {
			t.Fatal("expected error for missing config file")
		}
	})

	t.Run("explicit directory path fails", func(t *testing.T) {
		t.Setenv(EnvConfigFile, t.TempDir())

		_, _, err := Load()
		if err == nil {
			t.Fatal("expected error for directory config path")
		}
		if !strings.Contains(err.Error(), "is a directory") {
			t.Fatalf("error = %v, want directory complaint", err)
		}
	})

	t.Run("loads candidate path when no explicit path is set", func(t *testing.T) {
		workDir := t.TempDir()
		writeConfigFile(t, filepath.Join(workDir, "jarvis.config.json"), `{"log_level":"debug"}`)
		chdir(t, workDir)
		t.Setenv(EnvConfigFile, "")

		cfg, path, err := Load()
		if err != nil {
			t.Fatalf("load config failed: %v", err)
		}
		if path != "jarvis.config.json" {
			t.Fatalf("config path = %q, want jarvis.config.json", path)
		}
		if cfg.LogLevel != slog.LevelDebug {
			t.Fatalf("log level = %v, want %v", cfg.LogLevel, slog.LevelDebug)
		}
	})

	t.Run("no config file anywhere runs on defaults", func(t *testing.T) {
		chdir(t, t.TempDir())
		t.Setenv(EnvConfigFile, "")

		cfg, path, err := Load()
		if err != nil {
			t.Fatalf("load config failed: %v", err)
		}
		if path != "" {
			t.Fatalf("config path = %q, want empty", path)
		}
		if cfg.LogFormat != defaultLogFormat {
			t.Fatalf("log format = %q, want %q", cfg.LogFormat, defaultLogFormat)
		}
	})
}

func chdir(t *testing.T, dir string) {
	t.Helper()

	currentDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("get working directory: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir to temp work dir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(currentDir); err != nil {
			t.Fatalf("restore working directory: %v", err)
		}
	})
}
