// Package config loads application configuration from a JSON file with
// environment overrides, discovers module manifests, and provides atomically
// reloadable snapshots.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"jarvis/pkg/jarvis"
)

const (
	// EnvConfigFile overrides the config file location.
	EnvConfigFile = "JARVIS_CONFIG_FILE"

	defaultConfigFilePath   = "jarvis.config.json"
	alternateConfigFilePath = "config/jarvis.config.json"

	defaultLogFormat           = "json"
	defaultStorePath           = "jarvis.db"
	defaultDispatchTimeout     = 30 * time.Second
	defaultModuleHookTimeout   = 5 * time.Second
	defaultShutdownTimeout     = 10 * time.Second
	defaultSubscriptionBuffer  = 256
	defaultSubscriptionWorkers = 1
	defaultFlagThreshold       = 3
	defaultFlagWindow          = time.Minute
	defaultSuggestionLimit     = 3
	defaultMonitorPeriod       = 5 * time.Second
	defaultHighWaterPercent    = 85.0
	defaultLowWaterPercent     = 60.0
)

// Config is the parsed and validated application configuration.
type Config struct {
	LogLevel  slog.Level
	LogFormat string
	LogFile   string

	// StorePath locates the SQLite store; empty disables persistence.
	StorePath    string
	RestoreState bool

	DispatchTimeout     time.Duration
	ModuleHookTimeout   time.Duration
	ShutdownTimeout     time.Duration
	SubscriptionBuffer  int
	SubscriptionWorkers int
	FlagThreshold       int
	FlagWindow          time.Duration
	SuggestionLimit     int

	Monitor MonitorConfig

	// ModuleDirs are scanned for module manifest files.
	ModuleDirs []string
	// Modules holds per-module configuration overlays keyed by module name.
	Modules map[string]ModuleConfig
}

// MonitorConfig configures the resource monitor.
type MonitorConfig struct {
	Enabled          bool
	Period           time.Duration
	HighWaterPercent float64
	LowWaterPercent  float64
}

// ModuleConfig is one per-module configuration overlay. Nil pointer fields
// leave the module's declared value in place.
type ModuleConfig struct {
	Enabled      *bool
	Priority     *int
	Critical     *bool
	Degradable   *bool
	Requirements []string
	Settings     map[string]string
}

type fileConfig struct {
	LogLevel  string `json:"log_level" env:"JARVIS_LOG_LEVEL"`
	LogFormat string `json:"log_format" env:"JARVIS_LOG_FORMAT"`
	LogFile   string `json:"log_file" env:"JARVIS_LOG_FILE"`

	StorePath    *string `json:"store_path" env:"JARVIS_STORE_PATH"`
	RestoreState *bool   `json:"restore_state" env:"JARVIS_RESTORE_STATE"`

	Kernel  fileKernelConfig  `json:"kernel"`
	Monitor fileMonitorConfig `json:"monitor"`

	ModuleDirs []string                   `json:"module_dirs" env:"JARVIS_MODULE_DIRS" envSeparator:":"`
	Modules    map[string]fileModuleEntry `json:"modules"`
}

type fileKernelConfig struct {
	DispatchTimeout     string `json:"dispatch_timeout" env:"JARVIS_DISPATCH_TIMEOUT"`
	ModuleHookTimeout   string `json:"module_hook_timeout" env:"JARVIS_MODULE_HOOK_TIMEOUT"`
	ShutdownTimeout     string `json:"shutdown_timeout" env:"JARVIS_SHUTDOWN_TIMEOUT"`
	SubscriptionBuffer  *int   `json:"subscription_buffer" env:"JARVIS_SUBSCRIPTION_BUFFER"`
	SubscriptionWorkers *int   `json:"subscription_workers" env:"JARVIS_SUBSCRIPTION_WORKERS"`
	FlagThreshold       *int   `json:"flag_threshold" env:"JARVIS_FLAG_THRESHOLD"`
	FlagWindow          string `json:"flag_window" env:"JARVIS_FLAG_WINDOW"`
	SuggestionLimit     *int   `json:"suggestion_limit" env:"JARVIS_SUGGESTION_LIMIT"`
}

type fileMonitorConfig struct {
	Enabled          *bool    `json:"enabled" env:"JARVIS_MONITOR_ENABLED"`
	Period           string   `json:"period" env:"JARVIS_MONITOR_PERIOD"`
	HighWaterPercent *float64 `json:"high_water_percent" env:"JARVIS_MONITOR_HIGH_WATER"`
	LowWaterPercent  *float64 `json:"low_water_percent" env:"JARVIS_MONITOR_LOW_WATER"`
}

type fileModuleEntry struct {
	Enabled      *bool             `json:"enabled"`
	Priority     *int              `json:"priority"`
	Critical     *bool             `json:"critical"`
	Degradable   *bool             `json:"degradable"`
	Requirements []string          `json:"requirements"`
	Settings     map[string]string `json:"settings"`
}

// Default returns the configuration used when no file and no overrides exist.
func Default() Config {
	return Config{
		LogLevel:  slog.LevelInfo,
		LogFormat: defaultLogFormat,

		StorePath:    defaultStorePath,
		RestoreState: true,

		DispatchTimeout:     defaultDispatchTimeout,
		ModuleHookTimeout:   defaultModuleHookTimeout,
		ShutdownTimeout:     defaultShutdownTimeout,
		SubscriptionBuffer:  defaultSubscriptionBuffer,
		SubscriptionWorkers: defaultSubscriptionWorkers,
		FlagThreshold:       defaultFlagThreshold,
		FlagWindow:          defaultFlagWindow,
		SuggestionLimit:     defaultSuggestionLimit,

		Monitor: MonitorConfig{
			Enabled:          true,
			Period:           defaultMonitorPeriod,
			HighWaterPercent: defaultHighWaterPercent,
			LowWaterPercent:  defaultLowWaterPercent,
		},

		Modules: make(map[string]ModuleConfig),
	}
}

// Load resolves the config file location, parses it with environment
// overrides applied, and returns the validated configuration together with
// the path used. An empty path means no config file was found and defaults
// plus environment overrides apply.
func Load() (Config, string, error) {
	path, err := resolveConfigFilePath()
	if err != nil {
		return Config{}, "", err
	}

	cfg, err := LoadFile(path)
	if err != nil {
		return Config{}, path, err
	}

	return cfg, path, nil
}

// LoadFile parses the file at path (empty path skips the file), applies
// environment overrides, and validates the result.
func LoadFile(path string) (Config, error) {
	return loadFile(path, nil)
}

func loadFile(path string, environ map[string]string) (Config, error) {
	var parsed fileConfig
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := json.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if environ == nil {
		if err := env.Parse(&parsed); err != nil {
			return Config{}, fmt.Errorf("parse env overrides: %w", err)
		}
	} else {
		if err := env.ParseWithOptions(&parsed, env.Options{Environment: environ}); err != nil {
			return Config{}, fmt.Errorf("parse env overrides: %w", err)
		}
	}

	cfg := Default()
	if err := applyFileConfig(&cfg, parsed); err != nil {
		return Config{}, err
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// resolveConfigFilePath prefers the environment override, then the known
// candidates. No candidate existing is not an error; Jarvis runs on defaults.
func resolveConfigFilePath() (string, error) {
	if configFile := strings.TrimSpace(os.Getenv(EnvConfigFile)); configFile != "" {
		info, err := os.Stat(configFile)
		if err != nil {
			return "", fmt.Errorf("stat config file %s: %w", configFile, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("config file %s is a directory", configFile)
		}
		return configFile, nil
	}

	for _, candidate := range []string{defaultConfigFilePath, alternateConfigFilePath} {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", fmt.Errorf("config file %s is a directory", candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", nil
}

func applyFileConfig(cfg *Config, parsed fileConfig) error {
	if rawLevel := strings.TrimSpace(parsed.LogLevel); rawLevel != "" {
		level, err := ParseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
		cfg.LogLevel = level
	}
	if rawFormat := strings.TrimSpace(parsed.LogFormat); rawFormat != "" {
		cfg.LogFormat = strings.ToLower(rawFormat)
	}
	cfg.LogFile = strings.TrimSpace(parsed.LogFile)

	if parsed.StorePath != nil {
		cfg.StorePath = strings.TrimSpace(*parsed.StorePath)
	}
	if parsed.RestoreState != nil {
		cfg.RestoreState = *parsed.RestoreState
	}

	if err := applyKernelConfig(cfg, parsed.Kernel); err != nil {
		return err
	}
	if err := applyMonitorConfig(cfg, parsed.Monitor); err != nil {
		return err
	}

	cfg.ModuleDirs = make([]string, 0, len(parsed.ModuleDirs))
	for _, dir := range parsed.ModuleDirs {
		if dir = strings.TrimSpace(dir); dir != "" {
			cfg.ModuleDirs = append(cfg.ModuleDirs, dir)
		}
	}

	cfg.Modules = make(map[string]ModuleConfig, len(parsed.Modules))
	for rawName, entry := range parsed.Modules {
		name := jarvis.NormalizeModuleName(rawName)
		if name == "" {
			return fmt.Errorf("parse modules: empty module name")
		}
		if _, err := jarvis.ParseRequirements(entry.Requirements); err != nil {
			return fmt.Errorf("parse modules.%s.requirements: %w", name, err)
		}
		cfg.Modules[name] = ModuleConfig{
			Enabled:      entry.Enabled,
			Priority:     entry.Priority,
			Critical:     entry.Critical,
			Degradable:   entry.Degradable,
			Requirements: append([]string(nil), entry.Requirements...),
			Settings:     cloneSettings(entry.Settings),
		}
	}

	return nil
}

func applyKernelConfig(cfg *Config, parsed fileKernelConfig) error {
	durations := []struct {
		raw    string
		field  string
		target *time.Duration
	}{
		{parsed.DispatchTimeout, "kernel.dispatch_timeout", &cfg.DispatchTimeout},
		{parsed.ModuleHookTimeout, "kernel.module_hook_timeout", &cfg.ModuleHookTimeout},
		{parsed.ShutdownTimeout, "kernel.shutdown_timeout", &cfg.ShutdownTimeout},
		{parsed.FlagWindow, "kernel.flag_window", &cfg.FlagWindow},
	}
	for _, entry := range durations {
		raw := strings.TrimSpace(entry.raw)
		if raw == "" {
			continue
		}
		parsedDuration, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", entry.field, err)
		}
		if parsedDuration <= 0 {
			return fmt.Errorf("parse %s: must be > 0", entry.field)
		}
		*entry.target = parsedDuration
	}

	counts := []struct {
		value  *int
		field  string
		target *int
	}{
		{parsed.SubscriptionBuffer, "kernel.subscription_buffer", &cfg.SubscriptionBuffer},
		{parsed.SubscriptionWorkers, "kernel.subscription_workers", &cfg.SubscriptionWorkers},
		{parsed.FlagThreshold, "kernel.flag_threshold", &cfg.FlagThreshold},
		{parsed.SuggestionLimit, "kernel.suggestion_limit", &cfg.SuggestionLimit},
	}
	for _, entry := range counts {
		if entry.value == nil {
			continue
		}
		if *entry.value <= 0 {
			return fmt.Errorf("parse %s: must be > 0", entry.field)
		}
		*entry.target = *entry.value
	}

	return nil
}

func applyMonitorConfig(cfg *Config, parsed fileMonitorConfig) error {
	if parsed.Enabled != nil {
		cfg.Monitor.Enabled = *parsed.Enabled
	}
	if raw := strings.TrimSpace(parsed.Period); raw != "" {
		period, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse monitor.period: %w", err)
		}
		if period <= 0 {
			return fmt.Errorf("parse monitor.period: must be > 0")
		}
		cfg.Monitor.Period = period
	}
	if parsed.HighWaterPercent != nil {
		cfg.Monitor.HighWaterPercent = *parsed.HighWaterPercent
	}
	if parsed.LowWaterPercent != nil {
		cfg.Monitor.LowWaterPercent = *parsed.LowWaterPercent
	}

	return nil
}

func validate(cfg Config) error {
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("validate log_format: unsupported format %q", cfg.LogFormat)
	}

	if cfg.Monitor.HighWaterPercent <= 0 || cfg.Monitor.HighWaterPercent > 100 {
		return fmt.Errorf("validate monitor.high_water_percent: must be in (0, 100]")
	}
	if cfg.Monitor.LowWaterPercent <= 0 || cfg.Monitor.LowWaterPercent > 100 {
		return fmt.Errorf("validate monitor.low_water_percent: must be in (0, 100]")
	}
	if cfg.Monitor.LowWaterPercent >= cfg.Monitor.HighWaterPercent {
		return fmt.Errorf("validate monitor: low_water_percent must be below high_water_percent")
	}

	return nil
}

// ParseLogLevel maps a level name onto its slog level.
func ParseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}

func cloneSettings(settings map[string]string) map[string]string {
	if len(settings) == 0 {
		return nil
	}

	cloned := make(map[string]string, len(settings))
	for key, value := range settings {
		cloned[key] = value
	}

	return cloned
}
