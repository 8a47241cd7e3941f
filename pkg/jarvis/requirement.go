package jarvis

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ProbeKind identifies how a requirement target is resolved.
type ProbeKind string

const (
	// ProbeExec resolves a binary on PATH.
	ProbeExec ProbeKind = "exec"
	// ProbeService resolves a name in the kernel service registry.
	ProbeService ProbeKind = "service"
	// ProbeEnv resolves a non-empty environment variable.
	ProbeEnv ProbeKind = "env"
)

// Validate checks whether one probe kind is supported.
func (k ProbeKind) Validate() error {
	switch k {
	case ProbeExec, ProbeService, ProbeEnv:
		return nil
	default:
		return fmt.Errorf("validate probe kind: unsupported probe %q", k)
	}
}

// Requirement is one parsed dependency specifier.
//
// The textual grammar is `probe:target[ constraint]`, for example
// `exec:git >=2.30.0`, `service:jarvis.store`, or `env:JARVIS_SCRIPT_DIR`.
// A bare name without a probe prefix defaults to a service probe.
type Requirement struct {
	// Raw is the original specifier text, used as the capability tag.
	Raw string
	// Probe selects the resolution mechanism.
	Probe ProbeKind
	// Target is the probe argument: binary name, service name, or variable.
	Target string
	// Constraint optionally restricts acceptable versions; nil means any.
	Constraint *semver.Constraints
}

// String returns the original specifier text.
func (r Requirement) String() string {
	return r.Raw
}

// ParseRequirement parses one dependency specifier.
func ParseRequirement(raw string) (Requirement, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Requirement{}, fmt.Errorf("parse requirement: empty specifier")
	}

	head, constraintText, _ := strings.Cut(trimmed, " ")

	probeText, target, found := strings.Cut(head, ":")
	probe := ProbeService
	if found {
		probe = ProbeKind(probeText)
		if err := probe.Validate(); err != nil {
			return Requirement{}, fmt.Errorf("parse requirement %q: %w", raw, err)
		}
	} else {
		target = head
	}
	if strings.TrimSpace(target) == "" {
		return Requirement{}, fmt.Errorf("parse requirement %q: missing target", raw)
	}

	requirement := Requirement{
		Raw:    trimmed,
		Probe:  probe,
		Target: strings.TrimSpace(target),
	}

	constraintText = strings.TrimSpace(constraintText)
	if constraintText != "" {
		constraint, err := semver.NewConstraint(constraintText)
		if err != nil {
			return Requirement{}, fmt.Errorf("parse requirement %q: invalid constraint: %w", raw, err)
		}
		requirement.Constraint = constraint
	}

	return requirement, nil
}

// ParseRequirements parses a specifier list, collapsing duplicates while
// preserving first-seen order.
func ParseRequirements(raws []string) ([]Requirement, error) {
	seen := make(map[string]struct{}, len(raws))
	requirements := make([]Requirement, 0, len(raws))
	for index, raw := range raws {
		requirement, err := ParseRequirement(raw)
		if err != nil {
			return nil, fmt.Errorf("parse requirements[%d]: %w", index, err)
		}
		if _, exists := seen[requirement.Raw]; exists {
			continue
		}
		seen[requirement.Raw] = struct{}{}
		requirements = append(requirements, requirement)
	}

	return requirements, nil
}

// MergeRequirements unions static and configured specifier lists, collapsing
// duplicates while preserving first-seen order with static entries first.
func MergeRequirements(static, configured []string) []string {
	seen := make(map[string]struct{}, len(static)+len(configured))
	merged := make([]string, 0, len(static)+len(configured))
	for _, list := range [][]string{static, configured} {
		for _, raw := range list {
			trimmed := strings.TrimSpace(raw)
			if trimmed == "" {
				continue
			}
			if _, exists := seen[trimmed]; exists {
				continue
			}
			seen[trimmed] = struct{}{}
			merged = append(merged, trimmed)
		}
	}

	return merged
}
