// Package state implements envforge's only local persistence: the
// provision marker each managed environment carries at its prefix root.
//
// The marker records what was requested (package specs, interpreter pin,
// channel) and what was resolved (concrete versions) at provisioning time,
// plus a checksum of the manifest it came from. Everything the list and
// status commands report about a local environment is reconstructed from
// the marker and a live query of the package manager — there is no central
// registry or database.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mmr-tortoise/envforge/internal/model"
)

// MarkerFileName is the name of the provision marker file, written at the
// root of each managed environment prefix.
const MarkerFileName = "envforge.lock.yaml"

// Marker is the on-disk provision record. It is written once per
// successful provision and treated as read-only afterwards; re-provisioning
// overwrites it wholesale.
type Marker struct {
	// Name is the environment name from the manifest.
	Name string `yaml:"name"`

	// Tool is the conda-family binary that performed the provisioning.
	Tool string `yaml:"tool"`

	// PythonPin is the interpreter version requested by the manifest.
	PythonPin string `yaml:"pythonPin"`

	// PythonResolved is the concrete interpreter version the solver
	// installed (e.g., "3.11.9" for pin "3.11").
	PythonResolved string `yaml:"pythonResolved"`

	// Channel is the conda channel packages were installed from.
	Channel string `yaml:"channel"`

	// Packages is the ordered list of requested package specs, each with
	// the concrete version that ended up installed.
	Packages []MarkerPackage `yaml:"packages"`

	// ManifestChecksum is the sha256 of the normalized manifest at
	// provisioning time, used for drift detection.
	ManifestChecksum string `yaml:"manifestChecksum"`

	// CreatedAt is the RFC3339 UTC timestamp of the provisioning run.
	CreatedAt string `yaml:"createdAt"`
}

// MarkerPackage pairs one requested package spec with the version that
// was actually resolved and installed.
type MarkerPackage struct {
	// Name is the normalized package name.
	Name string `yaml:"name"`

	// Pin is the requested version pin; empty for unpinned requests.
	Pin string `yaml:"pin,omitempty"`

	// Resolved is the concrete installed version recorded right after
	// the install step.
	Resolved string `yaml:"resolved,omitempty"`
}

// BuildMarker constructs a Marker from the provisioning inputs and the
// post-install package listing. The installed list is used to fill in the
// resolved versions for both the interpreter and each requested package.
func BuildMarker(env *model.Environment, checksum string, installed []model.InstalledPackage) *Marker {
	// Index installed packages by name for resolved-version lookup.
	versions := make(map[string]string, len(installed))
	for _, p := range installed {
		versions[p.Name] = p.Version
	}

	marker := &Marker{
		Name:             env.Name,
		Tool:             env.Tool.String(),
		PythonPin:        env.PythonVersion,
		PythonResolved:   versions["python"],
		Channel:          env.Channel,
		ManifestChecksum: checksum,
		// time.RFC3339 produces ISO-8601 compatible timestamps. Using UTC
		// ensures consistency regardless of the host machine's timezone.
		CreatedAt: env.CreatedAt.UTC().Format(time.RFC3339),
	}

	for _, spec := range env.Packages {
		marker.Packages = append(marker.Packages, MarkerPackage{
			Name:     spec.Name,
			Pin:      spec.Version,
			Resolved: versions[spec.Name],
		})
	}

	return marker
}

// ParseMarker validates a decoded Marker and reconstructs the Environment
// it describes. This is the inverse of BuildMarker and is used by the list
// and status commands.
//
// Required fields: name, tool, pythonPin, channel, createdAt. Missing
// fields are reported all at once for easier debugging.
func ParseMarker(marker *Marker, prefix string) (*model.Environment, error) {
	var missing []string
	if marker.Name == "" {
		missing = append(missing, "name")
	}
	if marker.Tool == "" {
		missing = append(missing, "tool")
	}
	if marker.PythonPin == "" {
		missing = append(missing, "pythonPin")
	}
	if marker.Channel == "" {
		missing = append(missing, "channel")
	}
	if marker.CreatedAt == "" {
		missing = append(missing, "createdAt")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("provision marker missing required fields: %s", strings.Join(missing, ", "))
	}

	tool, err := model.ParseToolKind(marker.Tool)
	if err != nil {
		return nil, fmt.Errorf("invalid marker field tool: %w", err)
	}

	createdAt, err := time.Parse(time.RFC3339, marker.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid marker field createdAt: %w", err)
	}

	env := &model.Environment{
		Name:          marker.Name,
		Prefix:        prefix,
		PythonVersion: marker.PythonPin,
		Channel:       marker.Channel,
		Tool:          tool,
		CreatedAt:     createdAt,
	}

	for _, p := range marker.Packages {
		env.Packages = append(env.Packages, model.PackageSpec{
			Name:    p.Name,
			Version: p.Pin,
		})
	}

	return env, nil
}

// MarkerPath returns the marker file location for an environment prefix.
func MarkerPath(prefix string) string {
	return filepath.Join(prefix, MarkerFileName)
}

// WriteMarker serializes the marker to YAML and writes it into the
// environment prefix. A header comment warns against manual edits, since
// the file is regenerated on every provision run.
func WriteMarker(prefix string, marker *Marker) error {
	yamlBytes, err := yaml.Marshal(marker)
	if err != nil {
		return fmt.Errorf("failed to serialize provision marker: %w", err)
	}

	header := fmt.Sprintf(
		"# Auto-generated by envforge for environment %q\n# DO NOT EDIT - this file is regenerated on each provision\n",
		marker.Name,
	)

	path := MarkerPath(prefix)
	if err := os.WriteFile(path, []byte(header+string(yamlBytes)), 0o644); err != nil {
		return fmt.Errorf("failed to write provision marker %s: %w", path, err)
	}
	return nil
}

// ReadMarker loads and decodes the provision marker from an environment
// prefix. Returns os.ErrNotExist-wrapped errors when the marker is absent,
// which callers use to distinguish "not managed by envforge" from
// "corrupted marker".
func ReadMarker(prefix string) (*Marker, error) {
	path := MarkerPath(prefix)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provision marker %s: %w", path, err)
	}

	var marker Marker
	if err := yaml.Unmarshal(data, &marker); err != nil {
		return nil, fmt.Errorf("failed to parse provision marker %s: %w", path, err)
	}

	return &marker, nil
}

// IsManaged reports whether the given prefix carries a provision marker,
// i.e. whether the environment was created by envforge. Used by the list
// command to filter `env list` output down to managed environments.
func IsManaged(prefix string) bool {
	_, err := os.Stat(MarkerPath(prefix))
	return err == nil
}
