package sandbox

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mmr-tortoise/envforge/internal/model"
)

// Label key constants define the Docker label keys used to persist sandbox
// environment metadata on containers. For sandboxed environments these
// labels play the role the provision marker file plays for local ones:
// they are the sole persistence mechanism.
//
// All keys share the "envforge." prefix to namespace them and avoid
// collisions with labels set by other tools.
const (
	// LabelPrefix is the common prefix for all envforge labels.
	LabelPrefix = "envforge."

	// LabelManagedBy identifies containers managed by envforge.
	// Key: "envforge.managed-by", Value: always "envforge".
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelName stores the environment's unique identifier.
	LabelName = LabelPrefix + "name"

	// LabelEnvPrefix stores the environment prefix inside the container.
	LabelEnvPrefix = LabelPrefix + "prefix"

	// LabelPython stores the interpreter version pin.
	LabelPython = LabelPrefix + "python"

	// LabelChannel stores the conda channel packages come from.
	LabelChannel = LabelPrefix + "channel"

	// LabelTool stores which conda-family binary provisions inside the
	// container.
	LabelTool = LabelPrefix + "tool"

	// LabelPackagePrefix is the prefix for per-package labels. Each
	// requested package gets its own label with its install position
	// appended:
	//   "envforge.package.0" = "langchain"
	//   "envforge.package.1" = "pypdf=4.2.0"
	// The index keys preserve install order, which a single label value
	// or an unordered set could not.
	LabelPackagePrefix = LabelPrefix + "package."

	// LabelCreatedAt stores the RFC3339 timestamp of provisioning.
	LabelCreatedAt = LabelPrefix + "created-at"
)

// ManagedByValue is the constant value for the LabelManagedBy label.
const ManagedByValue = "envforge"

// BuildLabels constructs a Docker label map from an Environment. These
// labels are applied to the sandbox container at creation, allowing full
// reconstruction of the Environment from container inspection alone.
func BuildLabels(env *model.Environment) map[string]string {
	labels := map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelName:      env.Name,
		LabelEnvPrefix: env.Prefix,
		LabelPython:    env.PythonVersion,
		LabelChannel:   env.Channel,
		LabelTool:      env.Tool.String(),
		// UTC keeps the timestamp independent of the host timezone.
		LabelCreatedAt: env.CreatedAt.UTC().Format(time.RFC3339),
	}

	// Encode each package spec as a position-indexed label so the install
	// order survives the round trip through the label map.
	for i, spec := range env.Packages {
		labels[LabelPackagePrefix+strconv.Itoa(i)] = spec.String()
	}

	return labels
}

// ParseLabels reconstructs an Environment from Docker container labels.
// This is the inverse of BuildLabels and is used when listing sandbox
// containers.
//
// Required labels: managed-by, name, prefix, python, channel, tool,
// created-at. Missing required labels are reported all at once for easier
// debugging.
func ParseLabels(labels map[string]string) (*model.Environment, error) {
	requiredKeys := []string{
		LabelManagedBy,
		LabelName,
		LabelEnvPrefix,
		LabelPython,
		LabelChannel,
		LabelTool,
		LabelCreatedAt,
	}

	var missing []string
	for _, key := range requiredKeys {
		if _, ok := labels[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required Docker labels: %s", strings.Join(missing, ", "))
	}

	if labels[LabelManagedBy] != ManagedByValue {
		return nil, fmt.Errorf(
			"label %s has unexpected value %q (expected %q)",
			LabelManagedBy, labels[LabelManagedBy], ManagedByValue,
		)
	}

	tool, err := model.ParseToolKind(labels[LabelTool])
	if err != nil {
		return nil, fmt.Errorf("invalid label %s: %w", LabelTool, err)
	}

	createdAt, err := time.Parse(time.RFC3339, labels[LabelCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("invalid label %s: %w", LabelCreatedAt, err)
	}

	packages, err := parsePackageLabels(labels)
	if err != nil {
		return nil, fmt.Errorf("failed to parse package labels: %w", err)
	}

	return &model.Environment{
		Name:          labels[LabelName],
		Prefix:        labels[LabelEnvPrefix],
		PythonVersion: labels[LabelPython],
		Channel:       labels[LabelChannel],
		Tool:          tool,
		Packages:      packages,
		Sandbox:       true,
		CreatedAt:     createdAt,
	}, nil
}

// parsePackageLabels extracts the ordered package list from the
// position-indexed package labels.
//
// Returns an empty slice (not nil) if no package labels are found.
// Returns an error for malformed indices or specs.
func parsePackageLabels(labels map[string]string) ([]model.PackageSpec, error) {
	type indexed struct {
		pos  int
		spec model.PackageSpec
	}

	entries := make([]indexed, 0, 8)
	for key, value := range labels {
		if !strings.HasPrefix(key, LabelPackagePrefix) {
			continue
		}

		pos, err := strconv.Atoi(strings.TrimPrefix(key, LabelPackagePrefix))
		if err != nil {
			return nil, fmt.Errorf("invalid package index in label key %q: %w", key, err)
		}

		spec, err := model.ParsePackageSpec(value)
		if err != nil {
			return nil, fmt.Errorf("invalid package spec in label %q=%q: %w", key, value, err)
		}

		entries = append(entries, indexed{pos: pos, spec: spec})
	}

	// Label map iteration order is random; restore the install order
	// encoded in the key indices.
	sort.Slice(entries, func(i, j int) bool { return entries[i].pos < entries[j].pos })

	packages := make([]model.PackageSpec, 0, len(entries))
	for _, e := range entries {
		packages = append(packages, e.spec)
	}
	return packages, nil
}
