// Package model defines the domain types for the envforge CLI.
//
// All entities in this package are pure data structures used throughout
// the application for passing data between components.
//
// Key design decision: envforge owns no database. Local environment state
// is reconstructed from the provision marker each environment carries at
// its prefix root, and sandbox environment state is reconstructed from
// Docker container labels. These types are the transient in-memory
// representation of both.
package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// EnvStatus represents the provisioning state of a managed environment,
// derived by comparing the provision marker against the environment's
// actual installed-package list and the current manifest:
//
//	[Provisioned] → Ready ⇄ Incomplete (packages removed/failed)
//	Ready/Incomplete → Stale (manifest edited after provisioning)
type EnvStatus string

const (
	// StatusReady indicates the prefix exists, the interpreter matches the
	// pin, and every requested package appears in the installed list.
	StatusReady EnvStatus = "ready"

	// StatusIncomplete indicates the prefix exists but one or more requested
	// packages are missing from the installed-package list. This typically
	// happens when an install step failed or a package was removed manually.
	StatusIncomplete EnvStatus = "incomplete"

	// StatusStale indicates the environment is internally consistent but the
	// manifest has changed since provisioning (checksum mismatch), so the
	// environment no longer reflects the declared package set.
	StatusStale EnvStatus = "stale"
)

// String returns the string representation of EnvStatus.
// This method satisfies the fmt.Stringer interface, enabling
// human-readable output in CLI commands.
func (s EnvStatus) String() string {
	return string(s)
}

// IsValid checks whether the EnvStatus value is one of the
// predefined valid states.
func (s EnvStatus) IsValid() bool {
	switch s {
	case StatusReady, StatusIncomplete, StatusStale:
		return true
	default:
		return false
	}
}

// ParseEnvStatus converts a string to an EnvStatus.
// Returns an error if the string does not match any valid status.
func ParseEnvStatus(s string) (EnvStatus, error) {
	status := EnvStatus(strings.ToLower(s))
	if !status.IsValid() {
		return "", fmt.Errorf("invalid environment status: %q (valid: ready, incomplete, stale)", s)
	}
	return status, nil
}

// ToolKind identifies which conda-family binary performs the provisioning.
// All three speak the same CLI dialect for the subset of commands envforge
// uses (create/install/list/env list/env remove with --prefix and --json),
// so the rest of the codebase treats them interchangeably.
type ToolKind string

const (
	// ToolConda is the reference implementation. Slowest solver, always
	// the compatibility fallback.
	ToolConda ToolKind = "conda"

	// ToolMamba is the C++ reimplementation of conda with a much faster
	// solver. Preferred when present.
	ToolMamba ToolKind = "mamba"

	// ToolMicromamba is the statically linked single-binary variant of
	// mamba, common in CI images and containers.
	ToolMicromamba ToolKind = "micromamba"
)

// String returns the string representation of ToolKind, which is also
// the binary name looked up on PATH.
func (t ToolKind) String() string {
	return string(t)
}

// IsValid checks whether the ToolKind value is one of the
// predefined supported tools.
func (t ToolKind) IsValid() bool {
	switch t {
	case ToolConda, ToolMamba, ToolMicromamba:
		return true
	default:
		return false
	}
}

// ParseToolKind converts a string to a ToolKind.
// Returns an error if the string does not name a supported tool.
func ParseToolKind(s string) (ToolKind, error) {
	tool := ToolKind(strings.ToLower(s))
	if !tool.IsValid() {
		return "", fmt.Errorf("invalid provisioner tool: %q (valid: conda, mamba, micromamba)", s)
	}
	return tool, nil
}

// Environment represents a managed Python environment — a conda prefix
// paired with the package set it was provisioned with. This is the primary
// aggregate entity in the domain.
//
// For local environments, fields are reconstructed from the provision
// marker at the prefix root. For sandbox environments, they come from
// Docker container labels. There is no central state file.
type Environment struct {
	// Name is the unique identifier for this environment.
	// Must contain only alphanumeric characters and hyphens.
	Name string `json:"name"`

	// Prefix is the absolute filesystem path of the environment directory.
	// For sandbox environments this is the prefix inside the container.
	Prefix string `json:"prefix"`

	// PythonVersion is the interpreter version pin the environment was
	// created with (e.g., "3.11").
	PythonVersion string `json:"pythonVersion"`

	// Channel is the conda channel packages were installed from.
	Channel string `json:"channel"`

	// Tool is the conda-family binary that performed the provisioning.
	Tool ToolKind `json:"tool"`

	// Status is the derived provisioning state of the environment.
	Status EnvStatus `json:"status"`

	// Packages is the ordered list of package specs requested at
	// provisioning time. Order matters: it is the install order.
	Packages []PackageSpec `json:"packages,omitempty"`

	// Sandbox is true when the environment lives inside a Docker container
	// rather than on the host filesystem.
	Sandbox bool `json:"sandbox,omitempty"`

	// ContainerID is the Docker container hosting the environment.
	// Empty for local environments.
	ContainerID string `json:"containerId,omitempty"`

	// CreatedAt is the timestamp when this environment was provisioned.
	CreatedAt time.Time `json:"createdAt"`
}

// nameRegex validates environment names: alphanumeric + hyphens only,
// must start and end with alphanumeric.
var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]*[a-zA-Z0-9]$|^[a-zA-Z0-9]$`)

// ValidateName checks if the given name is a valid environment name.
// Valid names contain only alphanumeric characters and hyphens,
// and must start/end with an alphanumeric character.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("environment name must not be empty")
	}
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("invalid environment name %q: must contain only alphanumeric characters and hyphens, and start/end with alphanumeric", name)
	}
	return nil
}

// PackageSpec is a single requested package: a name plus an optional
// version pin. The wire form is the conda match-spec subset the original
// provisioning flow uses: "name" or "name=version".
type PackageSpec struct {
	// Name is the normalized (lowercase) package name.
	Name string `json:"name" yaml:"name"`

	// Version is the optional exact version pin. Empty means "latest
	// the solver picks", matching an unpinned `conda install <name>`.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
}

// packageNameRegex validates package names against the character set both
// PyPI and conda accept: lowercase letters, digits, hyphen, underscore, dot.
// Must start and end with a letter or digit.
var packageNameRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9._-]*[a-z0-9])?$`)

// packageVersionRegex validates version pins: a leading digit followed by
// digits, letters, dots, and underscores ("4.2.0", "0.1.8", "1.0rc1").
// A second "=" fails here, so the pip-style "name==version" is rejected
// instead of silently producing a pin that no solver accepts.
var packageVersionRegex = regexp.MustCompile(`^[0-9][0-9a-zA-Z._]*$`)

// ParsePackageSpec parses a "name" or "name=version" string into a
// PackageSpec. Names are lowercased before validation, matching conda's
// case-insensitive handling of package names. When an "=" is present, the
// version segment must be a valid pin; a trailing "=" with nothing after
// it is an error, not an unpinned spec.
func ParsePackageSpec(s string) (PackageSpec, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return PackageSpec{}, fmt.Errorf("package spec must not be empty")
	}

	name, version, pinned := strings.Cut(raw, "=")
	name = strings.ToLower(strings.TrimSpace(name))
	version = strings.TrimSpace(version)

	if !packageNameRegex.MatchString(name) {
		return PackageSpec{}, fmt.Errorf("invalid package name %q in spec %q", name, s)
	}
	if pinned && !packageVersionRegex.MatchString(version) {
		return PackageSpec{}, fmt.Errorf("invalid version pin %q in spec %q (want name=version)", version, s)
	}

	return PackageSpec{Name: name, Version: version}, nil
}

// String renders the spec back into its wire form.
// This method satisfies fmt.Stringer and produces exactly the argument
// passed to `conda install`.
func (p PackageSpec) String() string {
	if p.Version == "" {
		return p.Name
	}
	return p.Name + "=" + p.Version
}

// InstalledPackage holds one entry of an environment's installed-package
// list, as reported by `conda list --json`. This data is fetched
// dynamically, never persisted by envforge.
type InstalledPackage struct {
	// Name is the package name as reported by the tool.
	Name string `json:"name"`

	// Version is the concrete installed version.
	Version string `json:"version"`

	// Channel is the channel the package was installed from.
	Channel string `json:"channel,omitempty"`
}

// ExitCode defines standard CLI exit codes. These codes allow scripts
// and CI systems to programmatically determine the outcome of a command.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitManifestNotFound indicates envforge.jsonc was not found
	// in the expected locations.
	ExitManifestNotFound ExitCode = 2

	// ExitToolNotFound indicates no conda-family binary (conda, mamba,
	// micromamba) is available on PATH.
	ExitToolNotFound ExitCode = 3

	// ExitInstallFailed indicates an environment create, package install,
	// or environment remove command failed.
	ExitInstallFailed ExitCode = 4

	// ExitEnvNotFound indicates the specified environment does not exist
	// or is not managed by envforge.
	ExitEnvNotFound ExitCode = 5

	// ExitDockerNotRunning indicates the Docker daemon is not accessible
	// (sandbox operations only).
	ExitDockerNotRunning ExitCode = 6

	// ExitAgentError indicates the MCP agent failed to start: the MCP
	// server could not be spawned, the handshake failed, or the language
	// model could not be initialized.
	ExitAgentError ExitCode = 7

	// ExitUserCancelled indicates the user cancelled an interactive prompt.
	ExitUserCancelled ExitCode = 8
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}
