// Package conda provides provisioning operations on conda environments.
//
// This package wraps the conda-family CLI tools (conda, mamba, micromamba)
// via os/exec to create environments, install packages, and inspect or
// remove environments. It is the package-manager integration layer for the
// envforge CLI.
//
// Design decisions:
//   - We shell out to the tool rather than reimplementing any solver or
//     install logic; conda remains the owner of all environment state.
//   - Every invocation targets the environment with an explicit --prefix.
//     No command depends on an "active" environment, so envforge never
//     needs to activate or deactivate anything in the calling shell.
//   - All errors from tool commands are wrapped in model.CLIError with
//     ExitInstallFailed to enable proper CLI exit code handling.
package conda

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mmr-tortoise/envforge/internal/model"
)

// detectionOrder lists the conda-family binaries probed on PATH when no
// explicit tool is requested, from most to least preferred. mamba and
// micromamba solve dramatically faster than stock conda, so they win
// when installed.
var detectionOrder = []model.ToolKind{
	model.ToolMamba,
	model.ToolMicromamba,
	model.ToolConda,
}

// Manager executes provisioning operations by invoking a conda-family CLI.
//
// The zero value is not usable; construct with NewManager, which resolves
// the binary on PATH exactly once. All methods are safe for concurrent use
// since the Manager holds only immutable configuration.
type Manager struct {
	// tool identifies which binary this manager drives.
	tool model.ToolKind

	// bin is the resolved absolute path of the binary.
	bin string
}

// NewManager creates a Manager for the given tool. When tool is the zero
// value, the binaries in detectionOrder are probed and the first one found
// on PATH is used.
//
// Returns a model.CLIError with ExitToolNotFound if no usable binary exists.
func NewManager(tool model.ToolKind) (*Manager, error) {
	if tool != "" {
		// Explicit choice: resolve exactly that binary or fail.
		bin, err := exec.LookPath(tool.String())
		if err != nil {
			return nil, model.WrapCLIError(
				model.ExitToolNotFound,
				fmt.Sprintf("%s not found on PATH", tool),
				err,
			)
		}
		return &Manager{tool: tool, bin: bin}, nil
	}

	for _, candidate := range detectionOrder {
		if bin, err := exec.LookPath(candidate.String()); err == nil {
			return &Manager{tool: candidate, bin: bin}, nil
		}
	}

	return nil, model.NewCLIError(
		model.ExitToolNotFound,
		"no provisioner found on PATH (looked for mamba, micromamba, conda)",
	)
}

// Tool returns which conda-family binary this manager drives.
func (m *Manager) Tool() model.ToolKind {
	return m.tool
}

// CreateEnv creates a new environment at the given prefix with the pinned
// interpreter version, pulling from the given channel.
//
// Command form: <tool> create --prefix <prefix> python=<version> -c <channel> -y
//
// The -y flag auto-confirms, matching non-interactive provisioning. If the
// prefix already exists the tool fails; callers that want recreation must
// remove the environment first (see the provision command's --force flag).
func (m *Manager) CreateEnv(ctx context.Context, prefix, pythonVersion, channel string) error {
	args := []string{
		"create",
		"--prefix", prefix,
		"python=" + pythonVersion,
		"-c", channel,
		"-y",
	}

	_, err := m.run(ctx, args...)
	return err
}

// InstallPackage installs a single package spec into the environment at
// the given prefix.
//
// Command form: <tool> install --prefix <prefix> -c <channel> -y <spec>
//
// Packages are deliberately installed one command at a time, in manifest
// order. This preserves the observable install sequence of the original
// provisioning flow and makes a failure attributable to a specific package.
func (m *Manager) InstallPackage(ctx context.Context, prefix string, spec model.PackageSpec, channel string) error {
	args := []string{
		"install",
		"--prefix", prefix,
		"-c", channel,
		"-y",
		spec.String(),
	}

	_, err := m.run(ctx, args...)
	if err != nil {
		return model.WrapCLIError(
			model.ExitInstallFailed,
			fmt.Sprintf("failed to install %s", spec),
			err,
		)
	}
	return nil
}

// RemoveEnv deletes the environment at the given prefix along with all of
// its installed packages.
//
// Command form: <tool> env remove --prefix <prefix> -y
//
// All three supported tools accept this spelling.
func (m *Manager) RemoveEnv(ctx context.Context, prefix string) error {
	_, err := m.run(ctx, "env", "remove", "--prefix", prefix, "-y")
	return err
}

// run executes the tool with the given arguments.
//
// It captures stdout and stderr separately. On success (exit code 0), it
// returns the stdout output. On failure, it returns a model.CLIError with
// ExitInstallFailed, including the stderr output in the error message.
func (m *Manager) run(ctx context.Context, args ...string) (string, error) {
	// #nosec G204 — args are constructed internally, not from user input
	cmd := exec.CommandContext(ctx, m.bin, args...)

	// Capture stdout and stderr separately so we can include stderr
	// in error messages while returning stdout on success.
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		message := fmt.Sprintf("%s %s failed", m.tool, strings.Join(args, " "))
		if stderrStr != "" {
			message = fmt.Sprintf("%s: %s", message, stderrStr)
		}
		return "", model.WrapCLIError(model.ExitInstallFailed, message, err)
	}

	return stdout.String(), nil
}
