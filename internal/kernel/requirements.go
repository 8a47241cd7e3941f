package kernel

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/Masterminds/semver/v3"

	"jarvis/pkg/jarvis"
)

// requirementChecker resolves dependency specifiers against the running
// environment. Probe functions are injectable so tests never depend on the
// host PATH or environment.
type requirementChecker struct {
	services    *ServiceRegistry
	lookPath    func(binary string) (string, error)
	execVersion func(ctx context.Context, binary string) (string, error)
	lookupEnv   func(name string) (string, bool)
}

// newRequirementChecker creates a checker bound to the kernel service registry.
func newRequirementChecker(services *ServiceRegistry) *requirementChecker {
	return &requirementChecker{
		services:    services,
		lookPath:    exec.LookPath,
		execVersion: probeBinaryVersion,
		lookupEnv:   os.LookupEnv,
	}
}

// check partitions requirements into satisfied and missing specifier lists,
// preserving declaration order within each partition.
func (c *requirementChecker) check(ctx context.Context, requirements []jarvis.Requirement) (satisfied, missing []string) {
	for _, requirement := range requirements {
		if c.probe(ctx, requirement) {
			satisfied = append(satisfied, requirement.Raw)
			continue
		}
		missing = append(missing, requirement.Raw)
	}

	return satisfied, missing
}

// probe resolves one requirement.
func (c *requirementChecker) probe(ctx context.Context, requirement jarvis.Requirement) bool {
	switch requirement.Probe {
	case jarvis.ProbeExec:
		return c.probeExec(ctx, requirement)
	case jarvis.ProbeService:
		return c.services != nil && c.services.Has(requirement.Target)
	case jarvis.ProbeEnv:
		value, present := c.lookupEnv(requirement.Target)
		return present && strings.TrimSpace(value) != ""
	default:
		return false
	}
}

// probeExec resolves a binary on PATH and, when a constraint is declared,
// checks the reported version against it. An unparseable version under a
// declared constraint counts as missing.
func (c *requirementChecker) probeExec(ctx context.Context, requirement jarvis.Requirement) bool {
	if _, err := c.lookPath(requirement.Target); err != nil {
		return false
	}
	if requirement.Constraint == nil {
		return true
	}

	output, err := c.execVersion(ctx, requirement.Target)
	if err != nil {
		return false
	}
	version, err := extractVersion(output)
	if err != nil {
		return false
	}

	return requirement.Constraint.Check(version)
}

// probeBinaryVersion runs `<binary> --version` and returns its combined output.
func probeBinaryVersion(ctx context.Context, binary string) (string, error) {
	output, err := exec.CommandContext(ctx, binary, "--version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("probe %s version: %w", binary, err)
	}

	return string(output), nil
}

// extractVersion scans version-command output for the first token that
// parses as a semantic version, tolerating prefixes like "v" and trailing
// platform suffixes such as "2.39.1.windows.1".
func extractVersion(output string) (*semver.Version, error) {
	for _, field := range strings.Fields(output) {
		token := strings.TrimPrefix(strings.Trim(field, "(),;"), "v")
		if token == "" || token[0] < '0' || token[0] > '9' {
			continue
		}
		// A bare number is a year or build counter, not a version.
		if !strings.Contains(token, ".") {
			continue
		}

		if version, err := semver.NewVersion(token); err == nil {
			return version, nil
		}

		// Keep at most the first three dotted numeric components.
		parts := strings.Split(token, ".")
		if len(parts) > 3 {
			parts = parts[:3]
		}
		if version, err := semver.NewVersion(strings.Join(parts, ".")); err == nil {
			return version, nil
		}
	}

	return nil, fmt.Errorf("extract version: no semantic version in %q", strings.TrimSpace(output))
}
