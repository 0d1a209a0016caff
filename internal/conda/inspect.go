// inspect.go implements read-only environment queries for the conda
// package: enumerating known environment prefixes, listing installed
// packages, and resolving the interpreter version of an environment.
//
// All queries use the tools' --json output modes, which the conda family
// keeps stable across versions precisely for machine consumption.
package conda

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mmr-tortoise/envforge/internal/model"
)

// listEntry mirrors one element of the `<tool> list --prefix P --json`
// output array. Only the fields envforge consumes are declared; the tools
// emit several more (build string, platform, URL) that encoding/json
// silently ignores.
type listEntry struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Channel string `json:"channel"`
}

// envList mirrors the `<tool> env list --json` output object.
type envList struct {
	Envs []string `json:"envs"`
}

// InstalledPackages returns the installed-package list of the environment
// at the given prefix, as reported by `<tool> list --prefix P --json`.
func (m *Manager) InstalledPackages(ctx context.Context, prefix string) ([]model.InstalledPackage, error) {
	output, err := m.run(ctx, "list", "--prefix", prefix, "--json")
	if err != nil {
		return nil, err
	}

	return ParsePackageList([]byte(output))
}

// ParsePackageList decodes the JSON array produced by the tools' list
// command into InstalledPackage records. Split out from InstalledPackages
// so the parsing logic is testable without a tool on PATH.
func ParsePackageList(data []byte) ([]model.InstalledPackage, error) {
	var entries []listEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse package list JSON: %w", err)
	}

	packages := make([]model.InstalledPackage, 0, len(entries))
	for _, e := range entries {
		packages = append(packages, model.InstalledPackage{
			Name:    strings.ToLower(e.Name),
			Version: e.Version,
			Channel: e.Channel,
		})
	}
	return packages, nil
}

// ListEnvPrefixes returns the absolute prefixes of all environments the
// tool knows about, via `<tool> env list --json`. This includes
// environments created by other means; callers filter for envforge-managed
// ones by probing for the provision marker.
func (m *Manager) ListEnvPrefixes(ctx context.Context) ([]string, error) {
	output, err := m.run(ctx, "env", "list", "--json")
	if err != nil {
		return nil, err
	}

	return ParseEnvList([]byte(output))
}

// ParseEnvList decodes the `env list --json` output object into a slice
// of environment prefixes.
func ParseEnvList(data []byte) ([]string, error) {
	var envs envList
	if err := json.Unmarshal(data, &envs); err != nil {
		return nil, fmt.Errorf("failed to parse env list JSON: %w", err)
	}
	return envs.Envs, nil
}

// FindPythonVersion extracts the python interpreter version from an
// installed-package list. Returns "" when python is absent. Callers
// already hold the installed list for status derivation, so there is no
// prefix-querying variant.
func FindPythonVersion(packages []model.InstalledPackage) string {
	for _, p := range packages {
		if p.Name == "python" {
			return p.Version
		}
	}
	return ""
}

// VersionSatisfiesPin reports whether a concrete interpreter version
// satisfies a manifest pin. Pins are prefix matches on release segments:
// pin "3.11" accepts "3.11", "3.11.9", and "3.11.9.final" but rejects
// "3.110" and "3.12.1".
func VersionSatisfiesPin(version, pin string) bool {
	if pin == "" {
		return true
	}
	if version == pin {
		return true
	}
	// Segment-aware prefix check: the version must continue with a dot
	// after the pin, otherwise "3.1" would accept "3.11".
	return strings.HasPrefix(version, pin+".")
}
