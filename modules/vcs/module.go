// Package vcs exposes repository status and history commands backed by the
// git binary, with a cached offline fallback for status.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"jarvis/pkg/jarvis"
)

const (
	// gitRequirement gates every command on a usable git binary.
	gitRequirement = "exec:git >=2.0.0"

	defaultLogLimit = 10
)

// Option mutates vcs module configuration.
type Option func(*Module)

// WithLogger injects a logger directly, bypassing service lookup.
func WithLogger(logger *slog.Logger) Option {
	return func(module *Module) {
		if logger != nil {
			module.logger = logger
		}
	}
}

// WithDir sets the repository commands operate on when no --dir parameter is
// given.
func WithDir(dir string) Option {
	return func(module *Module) {
		if strings.TrimSpace(dir) != "" {
			module.dir = dir
		}
	}
}

// Module reports repository state through the git binary.
type Module struct {
	logger *slog.Logger
	dir    string

	// runGit is swapped in tests.
	runGit func(ctx context.Context, dir string, args ...string) (string, error)

	mu sync.Mutex
	// lastStatus caches the last successful rendered status per directory,
	// served by the fallback when git fails at runtime.
	lastStatus map[string]string
}

// New creates a vcs module operating on the current directory by default.
func New(options ...Option) *Module {
	module := &Module{
		logger:     slog.Default(),
		dir:        ".",
		runGit:     runGit,
		lastStatus: make(map[string]string),
	}
	for _, option := range options {
		option(module)
	}

	return module
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "vcs"
}

// Spec declares the status and log commands, both gated on git.
func (m *Module) Spec() jarvis.ModuleSpec {
	return jarvis.ModuleSpec{
		Description:  "repository status and history through the git binary",
		Priority:     30,
		Requirements: []string{gitRequirement},
		Commands: []jarvis.CommandSpec{
			{
				Action:      "status",
				Description: "show the working tree status",
				Params: []jarvis.ParamSpec{
					{Name: "dir", Kind: jarvis.ParamString, Description: "repository directory"},
				},
				Requires: []string{gitRequirement},
				Handler:  m.handleStatus,
			},
			{
				Action:      "log",
				Description: "list recent commits",
				Params: []jarvis.ParamSpec{
					{Name: "dir", Kind: jarvis.ParamString, Description: "repository directory"},
					{Name: "limit", Kind: jarvis.ParamInt, Description: "number of commits to list"},
				},
				Requires: []string{gitRequirement},
				Handler:  m.handleLog,
			},
		},
	}
}

// OnRegister adopts the shared logger and installs the offline status
// fallback.
func (m *Module) OnRegister(_ context.Context, runtime jarvis.ModuleRuntime) error {
	logger, err := jarvis.ResolveAs[*slog.Logger](runtime.Services(), jarvis.ServiceLogger)
	switch {
	case err == nil:
		m.logger = logger
	case errors.Is(err, jarvis.ErrServiceNotFound):
	default:
		return fmt.Errorf("vcs resolve logger: %w", err)
	}

	statusKey := jarvis.CommandKey(m.Name(), "status")
	if err := runtime.RegisterFallback(statusKey, m.handleStatusFallback); err != nil {
		return fmt.Errorf("vcs register status fallback: %w", err)
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

func (m *Module) handleStatus(ctx context.Context, req jarvis.Request) (jarvis.Result, error) {
	dir := m.targetDir(req)

	raw, err := m.runGit(ctx, dir, "status", "--porcelain=v1", "--branch")
	if err != nil {
		return jarvis.Result{}, fmt.Errorf("vcs status: %w", err)
	}

	branch, dirty := parseStatus(raw)
	rendered := renderStatus(branch, dirty)

	m.mu.Lock()
	m.lastStatus[dir] = rendered
	m.mu.Unlock()
	m.logger.Debug("vcs status cached", "dir", dir, "branch", branch, "dirty", dirty)

	return jarvis.Result{
		Output: rendered,
		Data:   map[string]any{"branch": branch, "dirty": dirty},
	}, nil
}

// handleStatusFallback serves the last successful status when git fails.
func (m *Module) handleStatusFallback(_ context.Context, req jarvis.Request) (jarvis.Result, error) {
	dir := m.targetDir(req)

	m.mu.Lock()
	cached, ok := m.lastStatus[dir]
	m.mu.Unlock()

	if !ok {
		return jarvis.Result{
			Output: "repository status unavailable and no cached status exists",
			Data:   map[string]any{"cached": false},
		}, nil
	}

	return jarvis.Result{
		Output: cached + " (cached)",
		Data:   map[string]any{"cached": true},
	}, nil
}

func (m *Module) handleLog(ctx context.Context, req jarvis.Request) (jarvis.Result, error) {
	limit := req.Params.Int("limit", defaultLogLimit)
	if limit <= 0 {
		return jarvis.Result{}, &jarvis.ValidationError{Param: "limit", Reason: "must be > 0"}
	}
	dir := m.targetDir(req)

	raw, err := m.runGit(ctx, dir, "log", "--oneline", "-n", strconv.Itoa(limit))
	if err != nil {
		return jarvis.Result{}, fmt.Errorf("vcs log: %w", err)
	}

	output := strings.TrimRight(raw, "\n")
	if output == "" {
		output = "no commits"
	}

	return jarvis.Result{
		Output: output,
		Data:   map[string]any{"limit": limit},
	}, nil
}

// targetDir resolves the directory one invocation operates on.
func (m *Module) targetDir(req jarvis.Request) string {
	dir := strings.TrimSpace(req.Params.String("dir", m.dir))
	if dir == "" {
		dir = m.dir
	}

	return dir
}

// parseStatus extracts the branch header and dirty-file count from
// porcelain v1 output with a branch line.
func parseStatus(raw string) (branch string, dirty int) {
	lines := strings.Split(strings.TrimRight(raw, "\n"), "\n")
	if len(lines) == 0 {
		return "", 0
	}

	branch = strings.TrimPrefix(lines[0], "## ")
	if idx := strings.Index(branch, "..."); idx >= 0 {
		branch = branch[:idx]
	}

	for _, line := range lines[1:] {
		if strings.TrimSpace(line) != "" {
			dirty++
		}
	}

	return branch, dirty
}

func renderStatus(branch string, dirty int) string {
	switch dirty {
	case 0:
		return fmt.Sprintf("on branch %s, clean", branch)
	case 1:
		return fmt.Sprintf("on branch %s, 1 changed file", branch)
	default:
		return fmt.Sprintf("on branch %s, %d changed files", branch, dirty)
	}
}

// runGit executes one git subcommand in dir, surfacing stderr on failure.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(exitErr.Stderr)))
		}

		return "", fmt.Errorf("git %s: %w", args[0], err)
	}

	return string(output), nil
}

var _ jarvis.Module = (*Module)(nil)
