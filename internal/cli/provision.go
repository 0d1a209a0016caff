// Package cli — provision.go implements the "envforge provision" command.
//
// The provision command is the primary user-facing operation. It creates
// an isolated conda environment with a pinned interpreter and then runs
// the manifest's ordered package install sequence, one auto-confirmed
// install per package.
//
// Orchestration steps:
//  1. Load the manifest (explicit path, discovered file, or built-in defaults)
//  2. Resolve the environment prefix and validate inputs
//  3. Host path: detect the provisioner tool, create the env, install packages
//     Sandbox path: create a labeled container and run the same plan inside it
//  4. Record the provision marker (host) — sandbox state lives in labels
//  5. Output results (text or JSON)
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/envforge/internal/conda"
	"github.com/mmr-tortoise/envforge/internal/manifest"
	"github.com/mmr-tortoise/envforge/internal/model"
	"github.com/mmr-tortoise/envforge/internal/sandbox"
	"github.com/mmr-tortoise/envforge/internal/state"
)

// provisionFlags holds the flag values for the provision command.
// These are bound to cobra flags in NewProvisionCommand.
type provisionFlags struct {
	manifestPath string // --manifest: explicit manifest file path
	tool         string // --tool: force a specific provisioner binary
	force        bool   // --force: recreate the environment if it exists
	skipInstall  bool   // --skip-install: create the env, skip package installs
	sandboxMode  bool   // --sandbox: provision inside a Docker container
	image        string // --image: sandbox container image override
}

// NewProvisionCommand creates the "provision" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewProvisionCommand() *cobra.Command {
	flags := &provisionFlags{}

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision the environment declared by the manifest",
		Long: `Create an isolated conda environment and install its package set.

The environment is described by envforge.jsonc (or built-in defaults when
no manifest exists): a prefix, a pinned python version, a channel, and an
ordered package list. Packages are installed one at a time, in manifest
order, each with auto-confirm.

Examples:
  envforge provision
  envforge provision --manifest ./envforge.jsonc
  envforge provision --force
  envforge provision --sandbox`,

		// No positional arguments: everything comes from the manifest.
		Args: cobra.NoArgs,

		// RunE is used instead of Run so we can return errors. Cobra will
		// pass them to the Execute error handler in root.go.
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvision(cmd.Context(), flags)
		},
	}

	// Register command-specific flags.
	cmd.Flags().StringVar(&flags.manifestPath, "manifest", "", "Manifest file path (default: discover envforge.jsonc)")
	cmd.Flags().StringVar(&flags.tool, "tool", "", "Provisioner binary: conda, mamba, micromamba (default: auto-detect; local provisioning only)")
	cmd.Flags().BoolVar(&flags.force, "force", false, "Remove and recreate the environment if it already exists")
	cmd.Flags().BoolVar(&flags.skipInstall, "skip-install", false, "Create the environment without installing packages")
	cmd.Flags().BoolVar(&flags.sandboxMode, "sandbox", false, "Provision inside a Docker sandbox container")
	cmd.Flags().StringVar(&flags.image, "image", "", "Sandbox container image (default: "+sandbox.DefaultImage+")")

	return cmd
}

// loadManifestOrDefault resolves the manifest the command operates on:
// an explicit --manifest path, a discovered envforge.jsonc in the current
// directory, or the built-in default (the stock agent environment) when
// no manifest exists.
//
// Shared by the provision, status, remove, and agent commands.
func loadManifestOrDefault(manifestPath string) (*manifest.Manifest, error) {
	if manifestPath != "" {
		return manifest.Load(manifestPath)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, model.WrapCLIError(model.ExitGeneralError, "failed to get current directory", err)
	}

	found, err := manifest.Find(cwd)
	if err != nil {
		var cliErr *model.CLIError
		if errors.As(err, &cliErr) && cliErr.Code == model.ExitManifestNotFound {
			// No manifest is not an error for provisioning: the built-in
			// defaults reproduce the stock environment.
			VerboseLog("No manifest found, using built-in defaults")
			return manifest.Default(), nil
		}
		return nil, err
	}

	return manifest.Load(found)
}

// runProvision is the main orchestration function for the provision
// command. It coordinates all the steps needed to provision an environment.
func runProvision(ctx context.Context, flags *provisionFlags) error {
	// Step 1: Load the manifest.
	m, err := loadManifestOrDefault(flags.manifestPath)
	if err != nil {
		return err
	}
	if m.Path != "" {
		VerboseLog("Manifest: %s", m.Path)
	}

	if validateErr := model.ValidateName(m.Name); validateErr != nil {
		return model.WrapCLIError(model.ExitGeneralError, "invalid environment name", validateErr)
	}

	// Step 2: Determine which tool provisions. The --tool flag overrides
	// the manifest's choice, which overrides auto-detection.
	toolChoice, err := resolveProvisionTool(m, flags)
	if err != nil {
		return err
	}

	if flags.sandboxMode {
		return provisionSandbox(ctx, m, flags)
	}
	return provisionLocal(ctx, m, toolChoice, flags)
}

// resolveProvisionTool validates the --tool flag against the provisioning
// mode and returns the effective tool. Sandbox provisioning always runs
// the image's bundled tool, so combining --tool with --sandbox is an
// error rather than a silently ignored flag.
func resolveProvisionTool(m *manifest.Manifest, flags *provisionFlags) (model.ToolKind, error) {
	if flags.sandboxMode {
		if flags.tool != "" {
			return "", model.NewCLIError(model.ExitGeneralError,
				fmt.Sprintf("--tool cannot be combined with --sandbox: sandbox provisioning always uses %s", sandbox.SandboxTool))
		}
		return sandbox.SandboxTool, nil
	}

	if flags.tool != "" {
		tool, err := model.ParseToolKind(flags.tool)
		if err != nil {
			return "", model.WrapCLIError(model.ExitGeneralError, "invalid --tool value", err)
		}
		return tool, nil
	}

	return m.Tool, nil
}

// provisionLocal provisions the environment on the host filesystem.
func provisionLocal(ctx context.Context, m *manifest.Manifest, toolChoice model.ToolKind, flags *provisionFlags) error {
	// Step 3: Resolve the environment prefix.
	prefix, err := m.ResolvePrefix()
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to resolve environment prefix", err)
	}
	VerboseLog("Environment prefix: %s", prefix)

	// Step 4: Set up the provisioner.
	mgr, err := conda.NewManager(toolChoice)
	if err != nil {
		return err // NewManager already returns CLIError with ExitToolNotFound
	}
	VerboseLog("Provisioner: %s", mgr.Tool())

	// Step 5: Handle a pre-existing environment.
	if _, statErr := os.Stat(prefix); statErr == nil {
		if !flags.force {
			return model.NewCLIError(model.ExitGeneralError,
				fmt.Sprintf("environment already exists at %s (use --force to recreate)", prefix))
		}
		VerboseLog("Removing existing environment at %s...", prefix)
		if removeErr := mgr.RemoveEnv(ctx, prefix); removeErr != nil {
			return removeErr
		}
	}

	// Step 6: Create the environment with the pinned interpreter.
	VerboseLog("Creating environment (python=%s, channel %s)...", m.PythonVersion, m.Channel)
	if err := mgr.CreateEnv(ctx, prefix, m.PythonVersion, m.Channel); err != nil {
		return err
	}

	// Step 7: Install packages, one at a time, in manifest order.
	// A failure aborts immediately; partially provisioned environments
	// show up as "incomplete" in status output.
	installed := 0
	if !flags.skipInstall {
		for _, spec := range m.Packages {
			VerboseLog("Installing %s...", spec)
			if err := mgr.InstallPackage(ctx, prefix, spec, m.Channel); err != nil {
				return err
			}
			installed++
		}
	} else {
		VerboseLog("Skipping package installation (--skip-install)")
	}

	// Step 8: Record the provision marker with resolved versions.
	env := &model.Environment{
		Name:          m.Name,
		Prefix:        prefix,
		PythonVersion: m.PythonVersion,
		Channel:       m.Channel,
		Tool:          mgr.Tool(),
		Packages:      m.Packages,
		CreatedAt:     time.Now().UTC(),
	}

	packages, err := mgr.InstalledPackages(ctx, prefix)
	if err != nil {
		return err
	}

	marker := state.BuildMarker(env, m.Checksum(), packages)
	if err := state.WriteMarker(prefix, marker); err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to write provision marker", err)
	}
	VerboseLog("Provision marker written to %s", state.MarkerPath(prefix))

	// Step 9: Output results.
	printProvisionResult(env, marker, installed, flags.skipInstall)
	return nil
}

// provisionSandbox provisions the environment inside a Docker container.
// The container carries the full envforge label set, which serves as the
// sandbox equivalent of the provision marker.
func provisionSandbox(ctx context.Context, m *manifest.Manifest, flags *provisionFlags) error {
	env := &model.Environment{
		Name:          m.Name,
		Prefix:        sandbox.SandboxPrefix(m.Name),
		PythonVersion: m.PythonVersion,
		Channel:       m.Channel,
		Tool:          sandbox.SandboxTool,
		Packages:      m.Packages,
		Sandbox:       true,
		CreatedAt:     time.Now().UTC(),
	}

	// Connect to Docker and verify the daemon is responsive before
	// creating anything.
	cli, err := sandbox.NewClient()
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	if err := cli.Ping(ctx); err != nil {
		return err
	}
	VerboseLog("Connected to Docker daemon")

	// Handle a pre-existing sandbox container for this environment name.
	if existing, findErr := sandbox.FindByName(ctx, cli, m.Name); findErr == nil {
		if !flags.force {
			return model.NewCLIError(model.ExitGeneralError,
				fmt.Sprintf("sandbox environment %q already exists (use --force to recreate)", m.Name))
		}
		VerboseLog("Removing existing sandbox container %s...", existing.ContainerID[:12])
		if removeErr := sandbox.RemoveContainer(ctx, cli, existing.ContainerID, true); removeErr != nil {
			return removeErr
		}
	}

	VerboseLog("Creating sandbox container...")
	if err := sandbox.CreateContainer(ctx, env, flags.image); err != nil {
		return err
	}

	installed := 0
	if !flags.skipInstall {
		VerboseLog("Provisioning inside sandbox (python=%s, channel %s)...", m.PythonVersion, m.Channel)
		if err := sandbox.Provision(ctx, env); err != nil {
			return err
		}
		installed = len(env.Packages)
	} else {
		// Interpreter-only creation still runs; only package installs
		// are skipped.
		bare := *env
		bare.Packages = nil
		if err := sandbox.Provision(ctx, &bare); err != nil {
			return err
		}
		VerboseLog("Skipping package installation (--skip-install)")
	}

	printProvisionResult(env, nil, installed, flags.skipInstall)
	return nil
}

// printProvisionResult outputs the provision command results in text or
// JSON format. The marker is nil for sandbox provisioning, where resolved
// versions stay inside the container.
func printProvisionResult(env *model.Environment, marker *state.Marker, installed int, skippedInstall bool) {
	if IsJSONOutput() {
		printProvisionResultJSON(env, marker, installed)
	} else {
		printProvisionResultText(env, marker, installed, skippedInstall)
	}
}

// printProvisionResultJSON outputs the provision result as structured JSON.
func printProvisionResultJSON(env *model.Environment, marker *state.Marker, installed int) {
	type packageJSON struct {
		Name     string `json:"name"`
		Pin      string `json:"pin,omitempty"`
		Resolved string `json:"resolved,omitempty"`
	}

	type resultJSON struct {
		Name           string        `json:"name"`
		Prefix         string        `json:"prefix"`
		Tool           string        `json:"tool"`
		PythonPin      string        `json:"pythonPin"`
		PythonResolved string        `json:"pythonResolved,omitempty"`
		Channel        string        `json:"channel"`
		Sandbox        bool          `json:"sandbox"`
		Installed      int           `json:"installedPackages"`
		Packages       []packageJSON `json:"packages"`
	}

	result := resultJSON{
		Name:      env.Name,
		Prefix:    env.Prefix,
		Tool:      env.Tool.String(),
		PythonPin: env.PythonVersion,
		Channel:   env.Channel,
		Sandbox:   env.Sandbox,
		Installed: installed,
		Packages:  make([]packageJSON, 0, len(env.Packages)),
	}

	if marker != nil {
		result.PythonResolved = marker.PythonResolved
		for _, p := range marker.Packages {
			result.Packages = append(result.Packages, packageJSON{
				Name:     p.Name,
				Pin:      p.Pin,
				Resolved: p.Resolved,
			})
		}
	} else {
		for _, p := range env.Packages {
			result.Packages = append(result.Packages, packageJSON{
				Name: p.Name,
				Pin:  p.Version,
			})
		}
	}

	data, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(data))
}

// printProvisionResultText outputs the provision result as human-readable
// text, ending with the activation hint (envforge itself never activates
// anything — a child process cannot mutate the calling shell).
func printProvisionResultText(env *model.Environment, marker *state.Marker, installed int, skippedInstall bool) {
	fmt.Printf("Provisioned environment %q\n", env.Name)
	fmt.Printf("  Prefix:   %s\n", env.Prefix)
	fmt.Printf("  Tool:     %s\n", env.Tool)
	if marker != nil && marker.PythonResolved != "" {
		fmt.Printf("  Python:   %s (pinned %s)\n", marker.PythonResolved, env.PythonVersion)
	} else {
		fmt.Printf("  Python:   %s\n", env.PythonVersion)
	}
	fmt.Printf("  Channel:  %s\n", env.Channel)
	if skippedInstall {
		fmt.Printf("  Packages: skipped (%d declared)\n", len(env.Packages))
	} else {
		fmt.Printf("  Packages: %d installed\n", installed)
	}

	if env.Sandbox {
		fmt.Println()
		fmt.Printf("Run commands inside the sandbox with:\n")
		fmt.Printf("  docker exec -it %s %s run --prefix %s python\n",
			sandbox.ContainerName(env.Name), env.Tool, env.Prefix)
	} else {
		fmt.Println()
		fmt.Printf("Activate with:\n")
		fmt.Printf("  conda activate %s\n", env.Prefix)
	}
}
