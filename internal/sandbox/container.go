// container.go implements the sandbox container lifecycle: creating the
// provisioning container, executing the ordered create/install plan inside
// it, and discovering, stopping, or removing sandbox environments.
//
// Provisioning uses `docker run` / `docker exec` as child processes, where
// the familiar CLI flag surface (labels, detach, exec) is simpler than the
// SDK's Config/HostConfig structs. Discovery and removal go through the
// SDK, which gives us server-side label filtering.
package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"

	"github.com/mmr-tortoise/envforge/internal/model"
)

// DefaultImage is the container image used for sandbox provisioning.
// miniforge ships both conda and mamba with conda-forge preconfigured,
// which matches the default manifest channel.
const DefaultImage = "condaforge/miniforge3:latest"

// SandboxTool is the conda-family binary used inside the sandbox image.
// miniforge bundles mamba, so sandboxes always get the fast solver.
const SandboxTool = model.ToolMamba

// SandboxPrefixRoot is where sandbox environments live inside the
// container. The environment name is appended to form the full prefix.
const SandboxPrefixRoot = "/opt/conda/envs"

// ContainerName returns the sandbox container name for an environment.
func ContainerName(envName string) string {
	return "envforge-" + envName
}

// SandboxPrefix returns the environment prefix inside the container.
func SandboxPrefix(envName string) string {
	return SandboxPrefixRoot + "/" + envName
}

// CreateContainer starts a long-lived sandbox container for the given
// environment, carrying the full envforge label set. The container idles
// on `sleep infinity`; all provisioning work happens via Exec afterwards.
//
// The image is pulled implicitly by `docker run` when absent.
func CreateContainer(ctx context.Context, env *model.Environment, image string) error {
	if image == "" {
		image = DefaultImage
	}

	args := []string{"run", "-d", "--name", ContainerName(env.Name)}
	for k, v := range BuildLabels(env) {
		args = append(args, "--label", k+"="+v)
	}
	args = append(args, image, "sleep", "infinity")

	return runDocker(ctx, args)
}

// Exec runs one command inside the sandbox container via `docker exec`.
// The command's combined output is folded into the error on failure so a
// failed install names the package manager's actual complaint.
func Exec(ctx context.Context, envName string, command ...string) error {
	args := append([]string{"exec", ContainerName(envName)}, command...)
	return runDocker(ctx, args)
}

// Provision executes the ordered provisioning plan inside an already
// created sandbox container: environment creation first, then one install
// per package in manifest order. It mirrors the local provisioning
// sequence exactly, substituting `docker exec` for direct invocation.
//
// Provisioning aborts on the first failed step; the container is left in
// place so the failure can be inspected with `docker exec`.
func Provision(ctx context.Context, env *model.Environment) error {
	tool := SandboxTool.String()

	create := []string{
		tool, "create",
		"--prefix", env.Prefix,
		"python=" + env.PythonVersion,
		"-c", env.Channel,
		"-y",
	}
	if err := Exec(ctx, env.Name, create...); err != nil {
		return model.WrapCLIError(model.ExitInstallFailed, "sandbox environment create failed", err)
	}

	for _, spec := range env.Packages {
		install := []string{
			tool, "install",
			"--prefix", env.Prefix,
			"-c", env.Channel,
			"-y",
			spec.String(),
		}
		if err := Exec(ctx, env.Name, install...); err != nil {
			return model.WrapCLIError(
				model.ExitInstallFailed,
				fmt.Sprintf("sandbox install of %s failed", spec),
				err,
			)
		}
	}

	return nil
}

// runDocker executes a docker CLI command as a child process, capturing
// combined output for error reporting. Failures map to ExitDockerNotRunning
// since daemon problems are their most common cause.
func runDocker(ctx context.Context, args []string) error {
	// #nosec G204 — args are constructed internally, not from user input
	cmd := exec.CommandContext(ctx, "docker", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("docker %s failed: %s", args[0], strings.TrimSpace(string(output))),
			err,
		)
	}
	return nil
}

// ListManagedContainers queries the Docker daemon for all containers with
// the "envforge.managed-by=envforge" label, including stopped ones, and
// reconstructs their Environment records from labels.
//
// Containers whose labels fail to parse are skipped rather than failing
// the whole listing; one corrupted container should not hide the others.
// The skipped names are returned so the caller can surface a warning.
func ListManagedContainers(ctx context.Context, cli *Client) ([]*model.Environment, []string, error) {
	// Server-side label filtering: cheaper than listing everything and
	// filtering in Go.
	filterArgs := filters.NewArgs(
		filters.Arg("label", LabelManagedBy+"="+ManagedByValue),
	)

	containers, err := cli.Inner().ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, nil, model.WrapCLIError(
			model.ExitDockerNotRunning,
			"failed to list Docker containers",
			err,
		)
	}

	envs := make([]*model.Environment, 0, len(containers))
	var skipped []string
	for _, c := range containers {
		env, parseErr := ParseLabels(c.Labels)
		if parseErr != nil {
			name := c.ID
			if len(c.Names) > 0 {
				// The API reports names with a leading "/".
				name = strings.TrimPrefix(c.Names[0], "/")
			}
			skipped = append(skipped, name)
			continue
		}

		env.ContainerID = c.ID
		// A stopped sandbox container means the environment is not
		// currently usable; report it as incomplete rather than ready.
		if c.State == "running" {
			env.Status = model.StatusReady
		} else {
			env.Status = model.StatusIncomplete
		}
		envs = append(envs, env)
	}

	return envs, skipped, nil
}

// FindByName returns the sandbox environment with the given name, or a
// CLIError with ExitEnvNotFound if no managed container carries it.
func FindByName(ctx context.Context, cli *Client, name string) (*model.Environment, error) {
	envs, _, err := ListManagedContainers(ctx, cli)
	if err != nil {
		return nil, err
	}

	for _, env := range envs {
		if env.Name == name {
			return env, nil
		}
	}

	return nil, model.NewCLIError(
		model.ExitEnvNotFound,
		fmt.Sprintf("sandbox environment %q not found", name),
	)
}

// StopContainer stops a sandbox container via the SDK. The daemon sends
// SIGTERM and escalates to SIGKILL after its default timeout.
func StopContainer(ctx context.Context, cli *Client, containerID string) error {
	if err := cli.Inner().ContainerStop(ctx, containerID, container.StopOptions{}); err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to stop container %q", containerID),
			err,
		)
	}
	return nil
}

// RemoveContainer removes a sandbox container via the SDK. With force set,
// a running container is killed first; otherwise it must already be
// stopped.
func RemoveContainer(ctx context.Context, cli *Client, containerID string, force bool) error {
	if err := cli.Inner().ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force}); err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to remove container %q", containerID),
			err,
		)
	}
	return nil
}
