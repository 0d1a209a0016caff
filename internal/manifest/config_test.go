package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/envforge/internal/model"
)

// writeManifest writes manifest content into a temp directory and returns
// the file path.
func writeManifest(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "envforge.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestDefault verifies that the built-in manifest reproduces the stock
// agent environment: name, prefix, interpreter pin, channel, and the
// ordered package set.
func TestDefault(t *testing.T) {
	m := Default()

	assert.Equal(t, "agent-env", m.Name)
	assert.Equal(t, "./venv", m.Prefix)
	assert.Equal(t, "3.11", m.PythonVersion)
	assert.Equal(t, "conda-forge", m.Channel)
	assert.Empty(t, m.Path, "the built-in manifest has no source file")

	// The package order is the install order and must match the stock set.
	names := make([]string, 0, len(m.Packages))
	for _, p := range m.Packages {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{
		"langchain",
		"langgraph",
		"langchain-openai",
		"langchain-community",
		"python-dotenv",
		"pypdf",
		"langchain-mcp-adapters",
	}, names)
}

// TestLoad verifies parsing of a full manifest with JSONC comments,
// trailing commas, and an MCP server definition.
func TestLoad(t *testing.T) {
	path := writeManifest(t, `{
		// Environment identity.
		"name": "scraper-env",
		"prefix": "./envs/scraper",
		"python": "3.12",
		"channel": "bioconda",
		"tool": "micromamba",
		"packages": [
			"langchain",     // base framework
			"pypdf=4.2.0",   // pinned for reproducible parsing
		],
		"mcpServers": {
			"firecrawl": {
				"command": "npx",
				"args": ["firecrawl-mcp"],
				"env": {"FIRECRAWL_API_KEY": "${FIRECRAWL_API_KEY}"}
			}
		}
	}`)

	m, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "scraper-env", m.Name)
	assert.Equal(t, "./envs/scraper", m.Prefix)
	assert.Equal(t, "3.12", m.PythonVersion)
	assert.Equal(t, "bioconda", m.Channel)
	assert.Equal(t, model.ToolMicromamba, m.Tool)
	assert.Equal(t, path, m.Path, "Path should record where the manifest was loaded from")

	require.Len(t, m.Packages, 2)
	assert.Equal(t, model.PackageSpec{Name: "langchain"}, m.Packages[0])
	assert.Equal(t, model.PackageSpec{Name: "pypdf", Version: "4.2.0"}, m.Packages[1])

	require.Contains(t, m.MCPServers, "firecrawl")
	srv := m.MCPServers["firecrawl"]
	assert.Equal(t, "npx", srv.Command)
	assert.Equal(t, []string{"firecrawl-mcp"}, srv.Args)
	assert.Equal(t, "${FIRECRAWL_API_KEY}", srv.Env["FIRECRAWL_API_KEY"],
		"env expansion happens at spawn time, not load time")
}

// TestLoad_Defaults verifies that an almost-empty manifest gets the stock
// defaults for every omitted field, including the package set.
func TestLoad_Defaults(t *testing.T) {
	path := writeManifest(t, `{}`)

	m, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultName, m.Name)
	assert.Equal(t, DefaultPrefix, m.Prefix)
	assert.Equal(t, DefaultPythonVersion, m.PythonVersion)
	assert.Equal(t, DefaultChannel, m.Channel)
	assert.Equal(t, model.ToolKind(""), m.Tool, "omitted tool means auto-detect")
	assert.Len(t, m.Packages, len(DefaultPackages),
		"a manifest without a packages key gets the stock set")
}

// TestLoad_EmptyPackages verifies that an explicit empty package array
// means an interpreter-only environment, not the default set.
func TestLoad_EmptyPackages(t *testing.T) {
	path := writeManifest(t, `{"packages": []}`)

	m, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, m.Packages)
}

// TestLoad_DuplicateCollapse verifies that duplicate package entries are
// collapsed keeping the first occurrence and its position.
func TestLoad_DuplicateCollapse(t *testing.T) {
	path := writeManifest(t, `{
		"packages": ["langchain", "pypdf", "langchain", "langgraph"]
	}`)

	m, err := Load(path)
	require.NoError(t, err)

	names := make([]string, 0, len(m.Packages))
	for _, p := range m.Packages {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"langchain", "pypdf", "langgraph"}, names,
		"first occurrence wins, later duplicates are dropped")
}

// TestLoad_Invalid verifies the error cases: missing file, bad JSON, bad
// tool, bad package name, and an MCP server without a command.
func TestLoad_Invalid(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "envforge.jsonc"))
		require.Error(t, err)

		var cliErr *model.CLIError
		require.ErrorAs(t, err, &cliErr)
		assert.Equal(t, model.ExitManifestNotFound, cliErr.Code)
	})

	t.Run("malformed JSON", func(t *testing.T) {
		path := writeManifest(t, `{"name": `)
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse manifest")
	})

	t.Run("unsupported tool", func(t *testing.T) {
		path := writeManifest(t, `{"tool": "pixi"}`)
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid provisioner tool")
	})

	t.Run("invalid package name", func(t *testing.T) {
		path := writeManifest(t, `{"packages": ["-bad-"]}`)
		_, err := Load(path)
		require.Error(t, err)
	})

	t.Run("invalid environment name", func(t *testing.T) {
		path := writeManifest(t, `{"name": "has spaces"}`)
		_, err := Load(path)
		require.Error(t, err)
	})

	t.Run("mcp server without command", func(t *testing.T) {
		path := writeManifest(t, `{"mcpServers": {"broken": {"args": ["x"]}}}`)
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mcpServers.broken")
	})
}

// TestResolvePrefix verifies that relative prefixes are anchored at the
// manifest's directory while absolute prefixes pass through unchanged.
func TestResolvePrefix(t *testing.T) {
	t.Run("relative anchored at manifest dir", func(t *testing.T) {
		path := writeManifest(t, `{"prefix": "./venv"}`)

		m, err := Load(path)
		require.NoError(t, err)

		prefix, err := m.ResolvePrefix()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(filepath.Dir(path), "venv"), prefix)
	})

	t.Run("absolute passes through", func(t *testing.T) {
		path := writeManifest(t, `{"prefix": "/opt/envs/agent"}`)

		m, err := Load(path)
		require.NoError(t, err)

		prefix, err := m.ResolvePrefix()
		require.NoError(t, err)
		assert.Equal(t, "/opt/envs/agent", prefix)
	})
}

// TestChecksum verifies that the checksum is stable for identical content
// and changes when a provisioning-relevant field changes, but not when an
// MCP server definition changes.
func TestChecksum(t *testing.T) {
	base := Default()

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, base.Checksum(), Default().Checksum())
	})

	t.Run("package change alters checksum", func(t *testing.T) {
		changed := Default()
		changed.Packages = append(changed.Packages, model.PackageSpec{Name: "numpy"})
		assert.NotEqual(t, base.Checksum(), changed.Checksum())
	})

	t.Run("python pin change alters checksum", func(t *testing.T) {
		changed := Default()
		changed.PythonVersion = "3.12"
		assert.NotEqual(t, base.Checksum(), changed.Checksum())
	})

	t.Run("mcp servers excluded", func(t *testing.T) {
		changed := Default()
		changed.MCPServers = map[string]MCPServer{
			"firecrawl": {Command: "npx", Args: []string{"firecrawl-mcp"}},
		}
		assert.Equal(t, base.Checksum(), changed.Checksum(),
			"agent wiring does not invalidate the installed package set")
	})
}

// TestFind verifies the manifest discovery order: envforge.jsonc wins over
// the hidden variant, and absence yields ExitManifestNotFound.
func TestFind(t *testing.T) {
	t.Run("preferred name", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "envforge.jsonc")
		require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

		found, err := Find(dir)
		require.NoError(t, err)
		assert.Equal(t, path, found)
	})

	t.Run("hidden fallback", func(t *testing.T) {
		dir := t.TempDir()
		hidden := filepath.Join(dir, ".envforge.jsonc")
		require.NoError(t, os.WriteFile(hidden, []byte(`{}`), 0o644))

		found, err := Find(dir)
		require.NoError(t, err)
		assert.Equal(t, hidden, found)
	})

	t.Run("preferred wins over hidden", func(t *testing.T) {
		dir := t.TempDir()
		preferred := filepath.Join(dir, "envforge.jsonc")
		require.NoError(t, os.WriteFile(preferred, []byte(`{}`), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".envforge.jsonc"), []byte(`{}`), 0o644))

		found, err := Find(dir)
		require.NoError(t, err)
		assert.Equal(t, preferred, found)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := Find(t.TempDir())
		require.Error(t, err)

		var cliErr *model.CLIError
		require.ErrorAs(t, err, &cliErr)
		assert.Equal(t, model.ExitManifestNotFound, cliErr.Code)
	})
}
