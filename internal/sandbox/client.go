// Package sandbox provides the containerized provisioning backend for
// envforge. Instead of creating an environment on the host filesystem,
// `provision --sandbox` runs the same ordered create/install plan inside
// a miniforge container, and tracks the resulting environment entirely
// through Docker labels.
//
// The package wraps the Docker Engine SDK for discovery and lifecycle
// operations (list, stop, remove) and shells out to `docker run`/`docker
// exec` for provisioning, where the CLI flag surface is simpler than the
// SDK's Config/HostConfig structs.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/docker/docker/client"

	"github.com/mmr-tortoise/envforge/internal/model"
)

// pingTimeout bounds how long Ping waits for the Docker daemon. Docker
// Desktop on macOS can take a few seconds to answer when idle.
const pingTimeout = 5 * time.Second

// Client wraps the Docker Engine SDK client with envforge-specific socket
// detection and connectivity checks.
//
// Usage:
//
//	c, err := sandbox.NewClient()
//	if err != nil { /* handle */ }
//	defer c.Close()
//	if err := c.Ping(ctx); err != nil { /* Docker not running */ }
type Client struct {
	// inner is the underlying Docker SDK client. Wrapped rather than
	// embedded to control the exposed API surface.
	inner *client.Client
}

// NewClient creates a Docker client, resolving the daemon address from
// DOCKER_HOST when set and from platform-default socket paths otherwise.
//
// Returns a model.CLIError with ExitDockerNotRunning if no socket can be
// found or the client cannot be constructed.
func NewClient() (*Client, error) {
	host := os.Getenv("DOCKER_HOST")
	if host == "" {
		detected, err := detectHost()
		if err != nil {
			return nil, model.WrapCLIError(model.ExitDockerNotRunning, "Docker socket not found", err)
		}
		host = detected
	}

	// WithAPIVersionNegotiation lets the SDK match whatever daemon version
	// is running instead of hardcoding an API version.
	c, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to create Docker client for host %q", host),
			err,
		)
	}

	return &Client{inner: c}, nil
}

// detectHost probes the platform's known Docker socket locations and
// returns the connection string for the first one that exists.
//
// Existence is checked with os.Stat rather than a dial: it is cheap and
// does not require a responsive daemon. Ping handles liveness separately.
func detectHost() (string, error) {
	if runtime.GOOS == "windows" {
		// Docker Desktop's named pipe has a fixed path on Windows; there
		// is nothing on the filesystem to probe.
		return "npipe:////./pipe/docker_engine", nil
	}

	candidates := []string{"/var/run/docker.sock"}
	if runtime.GOOS == "darwin" {
		// Newer Docker Desktop versions place the socket under the user
		// home instead of symlinking /var/run/docker.sock.
		if home, err := os.UserHomeDir(); err == nil {
			candidates = append(candidates, home+"/.docker/run/docker.sock")
		}
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return "unix://" + path, nil
		}
	}

	return "", fmt.Errorf("Docker socket not found at any of %v — is Docker running?", candidates)
}

// Ping verifies that the Docker daemon is reachable and responsive,
// waiting at most pingTimeout.
//
// Returns a model.CLIError with ExitDockerNotRunning if the daemon does
// not respond.
func (c *Client) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if _, err := c.inner.Ping(pingCtx); err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			"Docker daemon is not responding — is Docker running?",
			err,
		)
	}
	return nil
}

// Close releases all resources held by the Docker client. Safe to call
// multiple times.
func (c *Client) Close() error {
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

// Inner exposes the underlying SDK client for operations not wrapped by
// this package. Callers should prefer Client methods when one exists.
func (c *Client) Inner() *client.Client {
	return c.inner
}
