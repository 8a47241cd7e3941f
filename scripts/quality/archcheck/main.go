package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

const modulePrefix = "jarvis/"

type listedPackage struct {
	ImportPath   string
	Imports      []string
	TestImports  []string
	XTestImports []string
}

func main() {
	packages, err := listPackages()
	if err != nil {
		fmt.Fprintf(os.Stderr, "arch-check: %v\n", err)
		os.Exit(1)
	}

	violations := collectViolations(packages)
	if len(violations) == 0 {
		_, _ = fmt.Fprintf(os.Stdout, "arch-check: passed\n")
		return
	}

	_, _ = fmt.Fprintf(os.Stdout, "arch-check: architecture violations:\n")
	for _, violation := range violations {
		_, _ = fmt.Fprintf(os.Stdout, "  - %s\n", violation)
	}
	os.Exit(1)
}

func listPackages() ([]listedPackage, error) {
	cmd := exec.Command("go", "list", "-json", "-test", "./...")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("go list -json -test ./...: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(stdout.Bytes()))
	result := make([]listedPackage, 0, 64)
	for {
		var pkg listedPackage
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode go list output: %w", err)
		}
		if pkg.ImportPath == "" {
			continue
		}
		result = append(result, pkg)
	}

	return result, nil
}

func collectViolations(packages []listedPackage) []string {
	found := make(map[string]struct{})

	for _, pkg := range packages {
		importer := normalizeImportPath(pkg.ImportPath)
		if strings.HasSuffix(importer, ".test") {
			continue
		}

		imports := append([]string{}, pkg.Imports...)
		imports = append(imports, pkg.TestImports...)
		imports = append(imports, pkg.XTestImports...)

		for _, imported := range imports {
			reason := violationReason(importer, normalizeImportPath(imported))
			if reason == "" {
				continue
			}
			entry := fmt.Sprintf("%s -> %s (%s)", importer, imported, reason)
			found[entry] = struct{}{}
		}
	}

	violations := make([]string, 0, len(found))
	for violation := range found {
		violations = append(violations, violation)
	}
	sort.Strings(violations)

	return violations
}

// normalizeImportPath strips the test-variant suffix go list reports for
// packages rebuilt against a test binary.
func normalizeImportPath(path string) string {
	if idx := strings.IndexByte(path, ' '); idx >= 0 {
		return path[:idx]
	}

	return path
}

// within reports whether path is tree itself or one of its subpackages.
func within(path, tree string) bool {
	prefix := modulePrefix + tree
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func violationReason(importer, imported string) string {
	switch {
	case within(importer, "pkg/jarvis") &&
		strings.HasPrefix(imported, modulePrefix) &&
		!within(imported, "pkg/jarvis"):
		return "pkg/jarvis must not import other jarvis packages"

	case within(importer, "modules") &&
		strings.HasPrefix(imported, modulePrefix+"internal/"):
		return "modules/* must not import internal/*"

	case within(importer, "internal/kernel") &&
		strings.HasPrefix(imported, modulePrefix+"internal/") &&
		!within(imported, "internal/kernel"):
		return "internal/kernel must not import sibling internal/*"

	case within(importer, "internal/store") &&
		strings.HasPrefix(imported, modulePrefix+"internal/") &&
		!within(imported, "internal/store"):
		return "internal/store must not import sibling internal/*"

	case within(importer, "internal/config") &&
		strings.HasPrefix(imported, modulePrefix+"internal/") &&
		!within(imported, "internal/config"):
		return "internal/config must not import sibling internal/*"

	case within(importer, "internal/monitor") &&
		strings.HasPrefix(imported, modulePrefix+"internal/") &&
		!within(imported, "internal/kernel") &&
		!within(imported, "internal/monitor"):
		return "internal/monitor may import only internal/kernel"
	}

	return ""
}
