// status.go derives the aggregate status of a managed environment by
// comparing its provision marker against the live installed-package list
// and the current manifest checksum.
package state

import (
	"github.com/mmr-tortoise/envforge/internal/conda"
	"github.com/mmr-tortoise/envforge/internal/model"
)

// PackageCheck records the verification result for one requested package.
type PackageCheck struct {
	// Spec is the requested package.
	Spec model.PackageSpec

	// Installed is true when the package appears in the environment's
	// installed-package list.
	Installed bool

	// Version is the installed version, when present.
	Version string
}

// Report is the full verification result for one environment, produced by
// Verify and rendered by the status command.
type Report struct {
	// Status is the derived aggregate state.
	Status model.EnvStatus

	// PythonVersion is the concrete interpreter version found in the
	// environment.
	PythonVersion string

	// PythonOK is true when PythonVersion satisfies the marker's pin.
	PythonOK bool

	// Packages holds the per-package verification results, in the
	// marker's install order.
	Packages []PackageCheck

	// ManifestChanged is true when the current manifest checksum differs
	// from the one recorded at provisioning time.
	ManifestChanged bool
}

// Verify checks an environment's marker against its live package list and
// the current manifest checksum.
//
// The aggregate status is derived in priority order:
//  1. Any requested package missing, or the interpreter off its pin
//     → incomplete (the environment does not deliver what was requested).
//  2. Manifest checksum mismatch → stale (the environment is internally
//     consistent but no longer reflects the declared manifest).
//  3. Otherwise → ready.
//
// The currentChecksum parameter may be empty (no manifest available, e.g.
// for `list`), in which case drift detection is skipped.
func Verify(marker *Marker, installed []model.InstalledPackage, currentChecksum string) *Report {
	report := &Report{
		PythonVersion: conda.FindPythonVersion(installed),
	}
	report.PythonOK = conda.VersionSatisfiesPin(report.PythonVersion, marker.PythonPin)

	// Index installed packages by name for membership checks.
	versions := make(map[string]string, len(installed))
	for _, p := range installed {
		versions[p.Name] = p.Version
	}

	complete := report.PythonOK
	for _, p := range marker.Packages {
		version, ok := versions[p.Name]
		report.Packages = append(report.Packages, PackageCheck{
			Spec:      model.PackageSpec{Name: p.Name, Version: p.Pin},
			Installed: ok,
			Version:   version,
		})
		if !ok {
			complete = false
		}
	}

	report.ManifestChanged = currentChecksum != "" && currentChecksum != marker.ManifestChecksum

	switch {
	case !complete:
		report.Status = model.StatusIncomplete
	case report.ManifestChanged:
		report.Status = model.StatusStale
	default:
		report.Status = model.StatusReady
	}

	return report
}
