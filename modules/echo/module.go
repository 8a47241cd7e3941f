// Package echo provides a minimal module for exercising dispatch, parameter
// validation, and fallback plumbing end to end.
package echo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"jarvis/pkg/jarvis"
)

// ErrPlannedFailure is returned by every echo.fail invocation.
var ErrPlannedFailure = errors.New("echo: planned failure")

// Option mutates echo module configuration.
type Option func(*Module)

// WithLogger injects a logger directly, bypassing service lookup.
func WithLogger(logger *slog.Logger) Option {
	return func(module *Module) {
		if logger != nil {
			module.logger = logger
		}
	}
}

// Module echoes text back and fails on demand.
type Module struct {
	logger *slog.Logger
}

// New creates an echo module with default configuration.
func New(options ...Option) *Module {
	module := &Module{
		logger: slog.Default(),
	}
	for _, option := range options {
		option(module)
	}

	return module
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "echo"
}

// Spec declares the say and fail commands.
func (m *Module) Spec() jarvis.ModuleSpec {
	return jarvis.ModuleSpec{
		Description: "echo text back; fail deterministically for fallback demos",
		Priority:    90,
		Commands: []jarvis.CommandSpec{
			{
				Action:      "say",
				Description: "echo the given text back",
				Params: []jarvis.ParamSpec{
					{Name: "text", Kind: jarvis.ParamString, Required: true, Description: "text to echo"},
					{Name: "upper", Kind: jarvis.ParamBool, Description: "uppercase the reply"},
				},
				Handler: m.handleSay,
			},
			{
				Action:      "fail",
				Description: "fail with a fixed error",
				Handler:     m.handleFail,
			},
		},
	}
}

// OnRegister adopts the shared logger when one is registered.
func (m *Module) OnRegister(_ context.Context, runtime jarvis.ModuleRuntime) error {
	logger, err := jarvis.ResolveAs[*slog.Logger](runtime.Services(), jarvis.ServiceLogger)
	switch {
	case err == nil:
		m.logger = logger
	case errors.Is(err, jarvis.ErrServiceNotFound):
	default:
		return fmt.Errorf("echo resolve logger: %w", err)
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

func (m *Module) handleSay(_ context.Context, req jarvis.Request) (jarvis.Result, error) {
	text := req.Params.String("text", "")
	if req.Params.Bool("upper") {
		text = strings.ToUpper(text)
	}
	m.logger.Debug("echo say", "length", len(text))

	return jarvis.Result{Output: text}, nil
}

func (m *Module) handleFail(context.Context, jarvis.Request) (jarvis.Result, error) {
	return jarvis.Result{}, ErrPlannedFailure
}

var _ jarvis.Module = (*Module)(nil)
