// remove.go implements the "envforge remove" command, which deletes a
// provisioned environment: the conda prefix for local environments, the
// labeled container for sandbox environments.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/envforge/internal/conda"
	"github.com/mmr-tortoise/envforge/internal/model"
	"github.com/mmr-tortoise/envforge/internal/sandbox"
	"github.com/mmr-tortoise/envforge/internal/state"
)

// removeFlags holds the flag values for the remove command.
type removeFlags struct {
	manifestPath string // --manifest: explicit manifest file path
	force        bool   // --force: skip the confirmation prompt
	sandboxMode  bool   // --sandbox: remove a sandbox environment
}

// NewRemoveCommand creates the "remove" cobra command.
func NewRemoveCommand() *cobra.Command {
	flags := &removeFlags{}

	cmd := &cobra.Command{
		Use:   "remove [name]",
		Short: "Remove a provisioned environment",
		Long: `Delete an envforge-managed environment.

Without --sandbox, the manifest's environment prefix is removed from the
host. With --sandbox, the labeled container for the named environment is
stopped and removed. The optional name argument must match the managed
environment; it defaults to the manifest's environment name.

Removal is destructive, so a confirmation prompt is shown unless --force
is given.

Examples:
  envforge remove
  envforge remove agent-env --force
  envforge remove agent-env --sandbox`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) > 0 {
				name = args[0]
			}
			return runRemove(cmd.Context(), name, flags)
		},
	}

	cmd.Flags().StringVar(&flags.manifestPath, "manifest", "", "Manifest file path (default: discover envforge.jsonc)")
	cmd.Flags().BoolVarP(&flags.force, "force", "f", false, "Skip the confirmation prompt")
	cmd.Flags().BoolVar(&flags.sandboxMode, "sandbox", false, "Remove a sandbox environment")

	return cmd
}

// runRemove is the main orchestration function for the remove command.
func runRemove(ctx context.Context, name string, flags *removeFlags) error {
	if flags.sandboxMode {
		return removeSandbox(ctx, name, flags)
	}
	return removeLocal(ctx, name, flags)
}

// removeLocal removes the manifest's environment from the host filesystem.
func removeLocal(ctx context.Context, name string, flags *removeFlags) error {
	// Step 1: Resolve the environment prefix from the manifest.
	m, err := loadManifestOrDefault(flags.manifestPath)
	if err != nil {
		return err
	}

	prefix, err := m.ResolvePrefix()
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to resolve environment prefix", err)
	}

	// Step 2: Read the provision marker. Only envforge-managed
	// environments may be removed through this command.
	marker, err := state.ReadMarker(prefix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.NewCLIError(
				model.ExitEnvNotFound,
				fmt.Sprintf("no provisioned environment at %s", prefix),
			)
		}
		return model.WrapCLIError(model.ExitGeneralError, "failed to read provision marker", err)
	}

	// Step 3: Match the requested name against the managed environment.
	if name != "" && name != marker.Name {
		return model.NewCLIError(
			model.ExitEnvNotFound,
			fmt.Sprintf("environment %q not found (manifest manages %q)", name, marker.Name),
		)
	}

	// Step 4: Confirm before destroying anything.
	if !flags.force {
		confirmed, promptErr := promptConfirmation(os.Stdin,
			fmt.Sprintf("Remove environment %q at %s?", marker.Name, prefix))
		if promptErr != nil {
			return model.WrapCLIError(model.ExitGeneralError, "failed to read confirmation", promptErr)
		}
		if !confirmed {
			return model.NewCLIError(model.ExitUserCancelled, "removal cancelled")
		}
	}

	// Step 5: Remove the environment with the tool that created it.
	tool, err := model.ParseToolKind(marker.Tool)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "corrupted provision marker", err)
	}

	mgr, err := conda.NewManager(tool)
	if err != nil {
		return err
	}

	VerboseLog("Removing environment at %s...", prefix)
	if err := mgr.RemoveEnv(ctx, prefix); err != nil {
		return err
	}

	printRemoveResult(marker.Name, prefix, false)
	return nil
}

// removeSandbox stops and removes the labeled container for the named
// sandbox environment.
func removeSandbox(ctx context.Context, name string, flags *removeFlags) error {
	// The sandbox path needs a name; fall back to the manifest's.
	if name == "" {
		m, err := loadManifestOrDefault(flags.manifestPath)
		if err != nil {
			return err
		}
		name = m.Name
	}

	cli, err := sandbox.NewClient()
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	if err := cli.Ping(ctx); err != nil {
		return err
	}

	env, err := sandbox.FindByName(ctx, cli, name)
	if err != nil {
		return err
	}

	if !flags.force {
		confirmed, promptErr := promptConfirmation(os.Stdin,
			fmt.Sprintf("Remove sandbox environment %q (container %s)?", env.Name, env.ContainerID[:12]))
		if promptErr != nil {
			return model.WrapCLIError(model.ExitGeneralError, "failed to read confirmation", promptErr)
		}
		if !confirmed {
			return model.NewCLIError(model.ExitUserCancelled, "removal cancelled")
		}
	}

	// A running container gets a graceful stop (SIGTERM, then the daemon's
	// timeout) before removal, so the environment's processes can exit
	// cleanly instead of being killed by a force-remove.
	if stopBeforeRemove(env) {
		VerboseLog("Stopping container %s...", env.ContainerID[:12])
		if err := sandbox.StopContainer(ctx, cli, env.ContainerID); err != nil {
			return err
		}
	}

	VerboseLog("Removing container %s...", env.ContainerID[:12])
	if err := sandbox.RemoveContainer(ctx, cli, env.ContainerID, false); err != nil {
		return err
	}

	printRemoveResult(env.Name, env.Prefix, true)
	return nil
}

// stopBeforeRemove reports whether the sandbox container must be stopped
// before removal. Only ready environments have a running container;
// incomplete ones are already stopped.
func stopBeforeRemove(env *model.Environment) bool {
	return env.Status == model.StatusReady
}

// promptConfirmation asks the user a yes/no question, reading the answer
// from the given reader (os.Stdin outside of tests). Only "y" and "yes"
// (case-insensitive) count as confirmation; everything else, including an
// empty line, declines.
func promptConfirmation(in io.Reader, question string) (bool, error) {
	fmt.Printf("%s [y/N]: ", question)

	reader := bufio.NewReader(in)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}

	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}

// printRemoveResult outputs the remove command results in text or JSON
// format.
func printRemoveResult(name, prefix string, sandboxed bool) {
	if IsJSONOutput() {
		result := map[string]interface{}{
			"removed": name,
			"prefix":  prefix,
			"sandbox": sandboxed,
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
		return
	}

	if sandboxed {
		fmt.Printf("Removed sandbox environment %q\n", name)
	} else {
		fmt.Printf("Removed environment %q (%s)\n", name, prefix)
	}
}
