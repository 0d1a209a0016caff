// Package manifest handles parsing and analysis of envforge.jsonc files.
//
// The manifest is written in JSONC (JSON with Comments) so that the package
// list — the heart of the file — can be annotated by hand. This package uses
// github.com/tidwall/jsonc to strip comments before parsing with the
// standard encoding/json library.
//
// Key responsibilities:
//   - Load and parse envforge.jsonc (with JSONC support)
//   - Apply defaults matching the stock provisioning setup
//   - Normalize the package list (pin parsing, duplicate collapse)
//   - Locate envforge.jsonc in standard paths
//   - Compute a stable checksum for manifest drift detection
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"

	"github.com/mmr-tortoise/envforge/internal/model"
)

// Default values applied when the manifest omits the corresponding field.
// They reproduce the stock agent environment: python 3.11 at ./venv,
// packages from conda-forge.
const (
	// DefaultName is the environment name used when the manifest has none.
	DefaultName = "agent-env"

	// DefaultPrefix is the environment directory, relative to the manifest.
	DefaultPrefix = "./venv"

	// DefaultPythonVersion is the pinned interpreter version.
	DefaultPythonVersion = "3.11"

	// DefaultChannel is the conda channel packages are installed from.
	DefaultChannel = "conda-forge"
)

// DefaultPackages is the stock package set, in install order. This is the
// package list of the original agent environment with its accidental
// duplicate collapsed.
var DefaultPackages = []string{
	"langchain",
	"langgraph",
	"langchain-openai",
	"langchain-community",
	"python-dotenv",
	"pypdf",
	"langchain-mcp-adapters",
}

// rawManifest mirrors the on-disk JSON structure of envforge.jsonc.
// Only this package sees the raw form; everything else consumes the
// normalized Manifest.
type rawManifest struct {
	Name       string               `json:"name"`
	Prefix     string               `json:"prefix,omitempty"`
	Python     string               `json:"python,omitempty"`
	Channel    string               `json:"channel,omitempty"`
	Tool       string               `json:"tool,omitempty"`
	Packages   []string             `json:"packages"`
	MCPServers map[string]MCPServer `json:"mcpServers,omitempty"`
}

// MCPServer describes how to spawn one MCP tool server for the agent
// command. It corresponds to the stdio server parameters of the MCP
// protocol: a command, its arguments, and extra environment variables.
type MCPServer struct {
	// Command is the executable to spawn (e.g., "npx").
	Command string `json:"command"`

	// Args are the arguments passed to the command
	// (e.g., ["firecrawl-mcp"]).
	Args []string `json:"args,omitempty"`

	// Env holds extra environment variables for the server process.
	// Values may reference host environment variables with ${VAR} syntax;
	// expansion happens when the agent starts the server.
	Env map[string]string `json:"env,omitempty"`
}

// Manifest is the normalized, validated form of envforge.jsonc.
// All defaults are applied and every package entry is parsed into a
// model.PackageSpec. Install order is the declaration order.
type Manifest struct {
	// Name is the environment name.
	Name string

	// Path is the absolute path of the manifest file this was loaded from.
	// Empty for the built-in Default() manifest.
	Path string

	// Prefix is the environment directory. Relative values are kept as
	// written; ResolvePrefix turns them into absolute paths anchored at
	// the manifest's directory.
	Prefix string

	// PythonVersion is the interpreter version pin.
	PythonVersion string

	// Channel is the conda channel to install from.
	Channel string

	// Tool optionally forces a specific provisioner binary. Zero value
	// means "auto-detect".
	Tool model.ToolKind

	// Packages is the ordered, de-duplicated package list.
	Packages []model.PackageSpec

	// MCPServers maps server names to their spawn configuration for the
	// agent command.
	MCPServers map[string]MCPServer
}

// Default returns the built-in manifest used when no envforge.jsonc exists
// and the caller asked for the stock environment. It never fails: the
// DefaultPackages entries are plain names that always parse.
func Default() *Manifest {
	pkgs := make([]model.PackageSpec, 0, len(DefaultPackages))
	for _, name := range DefaultPackages {
		spec, err := model.ParsePackageSpec(name)
		if err != nil {
			// DefaultPackages is a compile-time constant list of valid
			// names; a parse failure here is a programming error.
			panic(fmt.Sprintf("invalid default package %q: %v", name, err))
		}
		pkgs = append(pkgs, spec)
	}

	return &Manifest{
		Name:          DefaultName,
		Prefix:        DefaultPrefix,
		PythonVersion: DefaultPythonVersion,
		Channel:       DefaultChannel,
		Packages:      pkgs,
	}
}

// Load reads an envforge.jsonc file, strips JSONC comments, parses it,
// and returns the normalized Manifest.
//
// Returns a CLIError with ExitManifestNotFound if the file does not exist.
func Load(manifestPath string) (*Manifest, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.WrapCLIError(
				model.ExitManifestNotFound,
				fmt.Sprintf("manifest not found: %s", manifestPath),
				err,
			)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	// Strip JSONC comments (// and /* */) and trailing commas before
	// parsing. The manifest format explicitly allows comments so the
	// package list can be annotated.
	cleanJSON := jsonc.ToJSON(data)

	var raw rawManifest
	if err := json.Unmarshal(cleanJSON, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse manifest at %s: %w", manifestPath, err)
	}

	m, err := normalize(&raw)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", manifestPath, err)
	}

	// Record where the manifest came from so Prefix resolution and status
	// reporting can reference it.
	abs, err := filepath.Abs(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve manifest path: %w", err)
	}
	m.Path = abs

	return m, nil
}

// normalize applies defaults and converts the raw on-disk form into a
// validated Manifest.
//
// Package entries are parsed into PackageSpec values and de-duplicated by
// name, keeping the FIRST occurrence and its position. Installing the same
// package twice is a no-op for the package manager, so a duplicate entry is
// always an authoring mistake rather than intent.
func normalize(raw *rawManifest) (*Manifest, error) {
	m := &Manifest{
		Name:          raw.Name,
		Prefix:        raw.Prefix,
		PythonVersion: raw.Python,
		Channel:       raw.Channel,
		MCPServers:    raw.MCPServers,
	}

	if m.Name == "" {
		m.Name = DefaultName
	}
	if err := model.ValidateName(m.Name); err != nil {
		return nil, err
	}
	if m.Prefix == "" {
		m.Prefix = DefaultPrefix
	}
	if m.PythonVersion == "" {
		m.PythonVersion = DefaultPythonVersion
	}
	if m.Channel == "" {
		m.Channel = DefaultChannel
	}

	// An explicit tool choice must name a supported binary.
	if raw.Tool != "" {
		tool, err := model.ParseToolKind(raw.Tool)
		if err != nil {
			return nil, err
		}
		m.Tool = tool
	}

	// A manifest without a "packages" key gets the stock set; an explicit
	// empty array means an interpreter-only environment.
	entries := raw.Packages
	if entries == nil {
		entries = DefaultPackages
	}

	seen := make(map[string]bool, len(entries))
	m.Packages = make([]model.PackageSpec, 0, len(entries))
	for _, entry := range entries {
		spec, err := model.ParsePackageSpec(entry)
		if err != nil {
			return nil, err
		}
		if seen[spec.Name] {
			// Duplicate collapse: first occurrence wins, order preserved.
			continue
		}
		seen[spec.Name] = true
		m.Packages = append(m.Packages, spec)
	}

	// Every MCP server needs at least a command to spawn.
	for name, srv := range m.MCPServers {
		if srv.Command == "" {
			return nil, fmt.Errorf("mcpServers.%s: command must not be empty", name)
		}
	}

	return m, nil
}

// ResolvePrefix returns the absolute environment directory path.
// Relative prefixes are anchored at the manifest's directory, or at the
// current working directory for the built-in default manifest.
func (m *Manifest) ResolvePrefix() (string, error) {
	if filepath.IsAbs(m.Prefix) {
		return filepath.Clean(m.Prefix), nil
	}

	base := ""
	if m.Path != "" {
		base = filepath.Dir(m.Path)
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get current directory: %w", err)
		}
		base = cwd
	}

	return filepath.Clean(filepath.Join(base, m.Prefix)), nil
}

// Checksum computes a stable hex-encoded sha256 over the normalized
// provisioning-relevant fields of the manifest. The provision marker
// records this value; a mismatch later means the manifest was edited
// after provisioning (the environment is stale).
//
// MCP server definitions are deliberately excluded: changing how the agent
// spawns its tool server does not invalidate the installed package set.
func (m *Manifest) Checksum() string {
	// A fixed intermediate struct keeps the hash input independent of
	// Manifest field ordering or future additions.
	type sumInput struct {
		Name     string   `json:"name"`
		Python   string   `json:"python"`
		Channel  string   `json:"channel"`
		Packages []string `json:"packages"`
	}

	in := sumInput{
		Name:     m.Name,
		Python:   m.PythonVersion,
		Channel:  m.Channel,
		Packages: make([]string, 0, len(m.Packages)),
	}
	for _, p := range m.Packages {
		in.Packages = append(in.Packages, p.String())
	}

	// json.Marshal on a struct emits fields in declaration order, so the
	// encoding is deterministic.
	data, _ := json.Marshal(in)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Find searches for an envforge manifest in the standard locations
// within a project directory.
//
// The search order:
//  1. <projectPath>/envforge.jsonc (preferred)
//  2. <projectPath>/.envforge.jsonc (hidden alternative)
//
// Returns the path to the first found file, or a CLIError with
// ExitManifestNotFound if neither location contains the file.
func Find(projectPath string) (string, error) {
	candidates := []string{
		filepath.Join(projectPath, "envforge.jsonc"),
		filepath.Join(projectPath, ".envforge.jsonc"),
	}

	for _, path := range candidates {
		// os.Stat checks existence without reading contents.
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", model.NewCLIError(
		model.ExitManifestNotFound,
		fmt.Sprintf("manifest not found in %s (searched envforge.jsonc and .envforge.jsonc)", projectPath),
	)
}
