package jarvis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Handler executes one command invocation.
//
// Handlers receive the validated request and must honor context cancellation:
// the dispatcher bounds every invocation with its configured timeout.
type Handler func(ctx context.Context, req Request) (Result, error)

// Params carries invocation parameters keyed by name.
//
// Values are the raw parsed tokens; flags carry the literal value "true".
type Params map[string]string

// Clone returns an independent copy so handlers can mutate freely.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	clone := make(Params, len(p))
	for key, value := range p {
		clone[key] = value
	}

	return clone
}

// String returns the named parameter or fallback when absent.
func (p Params) String(name, fallback string) string {
	if value, ok := p[name]; ok {
		return value
	}

	return fallback
}

// Bool reports whether the named parameter parses as true.
func (p Params) Bool(name string) bool {
	value, ok := p[name]
	if !ok {
		return false
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false
	}

	return parsed
}

// Int returns the named parameter as an integer or fallback when absent or malformed.
func (p Params) Int(name string, fallback int) int {
	value, ok := p[name]
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}

	return parsed
}

// Float returns the named parameter as a float or fallback when absent or malformed.
func (p Params) Float(name string, fallback float64) float64 {
	value, ok := p[name]
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}

	return parsed
}

// Names returns parameter names sorted for deterministic diagnostics.
func (p Params) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Request carries one resolved command invocation.
type Request struct {
	// Module is the owning module name.
	Module string
	// Action is the command action name within the module.
	Action string
	// Params holds parsed invocation parameters.
	Params Params
	// RawInput stores the original command line for diagnostics.
	RawInput string
}

// Key returns the canonical command key for this request.
func (r Request) Key() string {
	return CommandKey(r.Module, r.Action)
}

// Result carries the outcome of one command invocation.
type Result struct {
	// Output is the human-readable result text.
	Output string
	// Data holds optional structured payload for programmatic callers.
	Data map[string]any
	// Exit requests interactive loop termination; set by the exit builtin only.
	Exit bool
}

// ParamKind identifies the declared value type of one parameter.
type ParamKind string

const (
	// ParamString accepts any token.
	ParamString ParamKind = "string"
	// ParamBool accepts strconv.ParseBool tokens.
	ParamBool ParamKind = "bool"
	// ParamInt accepts base-10 integer tokens.
	ParamInt ParamKind = "int"
	// ParamFloat accepts decimal tokens.
	ParamFloat ParamKind = "float"
)

// Validate checks whether one parameter kind is supported.
func (k ParamKind) Validate() error {
	switch k {
	case ParamString, ParamBool, ParamInt, ParamFloat:
		return nil
	default:
		return fmt.Errorf("validate param kind: unsupported kind %q", k)
	}
}

// checkValue reports whether value parses as this kind.
func (k ParamKind) checkValue(value string) error {
	switch k {
	case ParamString:
		return nil
	case ParamBool:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("expected boolean, got %q", value)
		}
		return nil
	case ParamInt:
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("expected integer, got %q", value)
		}
		return nil
	case ParamFloat:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("expected number, got %q", value)
		}
		return nil
	default:
		return fmt.Errorf("unsupported kind %q", k)
	}
}

// ParamSpec declares one parameter accepted by a command.
type ParamSpec struct {
	// Name is the parameter key used as `--<name>`.
	Name string
	// Kind is the declared value type; empty means ParamString.
	Kind ParamKind
	// Required reports whether this parameter must appear in an invocation.
	Required bool
	// Description describes parameter behavior for help text.
	Description string
}

// Validate checks parameter specification coherence.
func (s ParamSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("validate param spec: missing name")
	}
	if err := validateIdentifier(s.Name); err != nil {
		return fmt.Errorf("validate param spec %q: %w", s.Name, err)
	}
	if s.Kind != "" {
		if err := s.Kind.Validate(); err != nil {
			return fmt.Errorf("validate param spec %q: %w", s.Name, err)
		}
	}

	return nil
}

// kind returns the effective kind with the string default applied.
func (s ParamSpec) kind() ParamKind {
	if s.Kind == "" {
		return ParamString
	}

	return s.Kind
}

// CommandSpec declares one module command registration.
type CommandSpec struct {
	// Action is the command action name, unique within the owning module.
	Action string
	// Description describes command behavior for diagnostics and help text.
	Description string
	// Params declares the accepted parameter schema. An empty schema means
	// parameters pass through to the handler unfiltered.
	Params []ParamSpec
	// Requires lists capability tags this handler depends on, drawn from the
	// owning module's requirement set. A handler whose tags are not all
	// satisfied is degraded while the module runs in safe mode.
	Requires []string
	// Handler executes the command.
	Handler Handler
}

// Validate checks command specification coherence.
func (s CommandSpec) Validate() error {
	if strings.TrimSpace(s.Action) == "" {
		return fmt.Errorf("validate command spec: missing action")
	}
	if err := validateIdentifier(s.Action); err != nil {
		return fmt.Errorf("validate command spec %q: %w", s.Action, err)
	}
	if s.Handler == nil {
		return fmt.Errorf("validate command spec %q: missing handler", s.Action)
	}

	seen := make(map[string]struct{}, len(s.Params))
	for index, param := range s.Params {
		if err := param.Validate(); err != nil {
			return fmt.Errorf("validate command spec %s param[%d]: %w", s.Action, index, err)
		}
		if _, exists := seen[param.Name]; exists {
			return fmt.Errorf("validate command spec %s: duplicate param %q", s.Action, param.Name)
		}
		seen[param.Name] = struct{}{}
	}

	return nil
}

// BindParams validates params against the declared schema.
//
// With an empty schema every parameter passes through untouched. With a
// schema present, unknown names, missing required parameters, and values
// that do not parse as the declared kind are rejected with a
// *ValidationError naming the offending parameter.
func (s CommandSpec) BindParams(params Params) error {
	if len(s.Params) == 0 {
		return nil
	}

	byName := make(map[string]ParamSpec, len(s.Params))
	for _, param := range s.Params {
		byName[param.Name] = param
	}

	for _, name := range params.Names() {
		spec, known := byName[name]
		if !known {
			return &ValidationError{Param: name, Reason: "unknown parameter"}
		}
		if err := spec.kind().checkValue(params[name]); err != nil {
			return &ValidationError{Param: name, Reason: err.Error()}
		}
	}

	for _, param := range s.Params {
		if !param.Required {
			continue
		}
		if _, present := params[param.Name]; !present {
			return &ValidationError{Param: param.Name, Reason: "required parameter missing"}
		}
	}

	return nil
}

// CommandKey joins a module and action into the canonical dotted key.
func CommandKey(module, action string) string {
	return module + "." + action
}

// SplitCommandKey splits a dotted key at the first separator.
//
// ok is false when key has no separator or an empty side.
func SplitCommandKey(key string) (module, action string, ok bool) {
	module, action, found := strings.Cut(key, ".")
	if !found || module == "" || action == "" {
		return "", "", false
	}

	return module, action, true
}

// validateIdentifier enforces case-sensitive printable ASCII without
// whitespace or the key separator.
func validateIdentifier(name string) error {
	for _, r := range name {
		if r <= ' ' || r > '~' {
			return fmt.Errorf("identifier %q contains non-printable or non-ascii character", name)
		}
		if r == '.' {
			return fmt.Errorf("identifier %q contains reserved separator '.'", name)
		}
	}

	return nil
}
