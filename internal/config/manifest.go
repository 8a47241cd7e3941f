package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"jarvis/pkg/jarvis"
)

// manifestSuffix marks module manifest files inside module directories.
const manifestSuffix = ".manifest.json"

// Manifest is one module's deployment metadata discovered on disk. Nil
// pointer fields leave the module's declared value in place.
type Manifest struct {
	Module       string   `json:"module"`
	Enabled      *bool    `json:"enabled"`
	Priority     *int     `json:"priority"`
	Critical     *bool    `json:"critical"`
	Requirements []string `json:"requirements"`

	// Path records the file the manifest was read from.
	Path string `json:"-"`
}

// DiscoverManifests scans each directory for *.manifest.json files and
// returns one merged manifest per module. Directories that do not exist are
// skipped; malformed manifests abort discovery. Scanning is not recursive.
func DiscoverManifests(dirs []string) ([]Manifest, error) {
	var discovered []Manifest
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read module dir %s: %w", dir, err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), manifestSuffix) {
				continue
			}
			manifest, err := readManifest(filepath.Join(dir, entry.Name()))
			if err != nil {
				return nil, err
			}
			discovered = append(discovered, manifest)
		}
	}

	return mergeManifests(discovered), nil
}

func readManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	manifest.Module = jarvis.NormalizeModuleName(manifest.Module)
	if manifest.Module == "" {
		return Manifest{}, fmt.Errorf("parse manifest %s: missing module name", path)
	}
	if _, err := jarvis.ParseRequirements(manifest.Requirements); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	manifest.Path = path

	return manifest, nil
}

// mergeManifests collapses duplicate manifests for the same module. Scalars
// from later manifests win; requirement lists are unioned in first-seen
// order.
func mergeManifests(manifests []Manifest) []Manifest {
	merged := make(map[string]*Manifest, len(manifests))
	order := make([]string, 0, len(manifests))

	for _, manifest := range manifests {
		existing, ok := merged[manifest.Module]
		if !ok {
			clone := manifest
			clone.Requirements = dedupeRequirements(nil, manifest.Requirements)
			merged[manifest.Module] = &clone
			order = append(order, manifest.Module)
			continue
		}

		if manifest.Enabled != nil {
			existing.Enabled = manifest.Enabled
		}
		if manifest.Priority != nil {
			existing.Priority = manifest.Priority
		}
		if manifest.Critical != nil {
			existing.Critical = manifest.Critical
		}
		existing.Requirements = dedupeRequirements(existing.Requirements, manifest.Requirements)
		existing.Path = manifest.Path
	}

	result := make([]Manifest, 0, len(order))
	for _, name := range order {
		result = append(result, *merged[name])
	}

	return result
}

func dedupeRequirements(existing, extra []string) []string {
	combined := existing
	for _, raw := range extra {
		raw = strings.TrimSpace(raw)
		if raw == "" || slices.Contains(combined, raw) {
			continue
		}
		combined = append(combined, raw)
	}

	return combined
}
