package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/envforge/internal/manifest"
	"github.com/mmr-tortoise/envforge/internal/model"
)

// manifestWithServers builds a manifest carrying the given MCP server set.
func manifestWithServers(servers map[string]manifest.MCPServer) *manifest.Manifest {
	m := manifest.Default()
	m.MCPServers = servers
	return m
}

// TestSelectMCPServer_Sole verifies that a manifest with exactly one
// server needs no --server flag.
func TestSelectMCPServer_Sole(t *testing.T) {
	m := manifestWithServers(map[string]manifest.MCPServer{
		"firecrawl": {Command: "npx", Args: []string{"firecrawl-mcp"}},
	})

	name, srv, err := selectMCPServer(m, "")
	require.NoError(t, err)
	assert.Equal(t, "firecrawl", name)
	assert.Equal(t, "npx", srv.Command)
}

// TestSelectMCPServer_Named verifies explicit selection by name among
// multiple servers.
func TestSelectMCPServer_Named(t *testing.T) {
	m := manifestWithServers(map[string]manifest.MCPServer{
		"firecrawl": {Command: "npx"},
		"files":     {Command: "mcp-files"},
	})

	name, srv, err := selectMCPServer(m, "files")
	require.NoError(t, err)
	assert.Equal(t, "files", name)
	assert.Equal(t, "mcp-files", srv.Command)
}

// TestSelectMCPServer_Errors verifies the failure modes: no servers
// declared, an unknown name, and ambiguity without --server. All map to
// ExitAgentError and name the available choices.
func TestSelectMCPServer_Errors(t *testing.T) {
	t.Run("no servers", func(t *testing.T) {
		_, _, err := selectMCPServer(manifestWithServers(nil), "")
		require.Error(t, err)

		var cliErr *model.CLIError
		require.ErrorAs(t, err, &cliErr)
		assert.Equal(t, model.ExitAgentError, cliErr.Code)
	})

	t.Run("unknown name", func(t *testing.T) {
		m := manifestWithServers(map[string]manifest.MCPServer{
			"firecrawl": {Command: "npx"},
		})

		_, _, err := selectMCPServer(m, "missing")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "firecrawl",
			"the error should list the available servers")
	})

	t.Run("ambiguous without flag", func(t *testing.T) {
		m := manifestWithServers(map[string]manifest.MCPServer{
			"firecrawl": {Command: "npx"},
			"files":     {Command: "mcp-files"},
		})

		_, _, err := selectMCPServer(m, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--server")
		assert.Contains(t, err.Error(), "files, firecrawl",
			"available servers should be listed sorted")
	})
}
