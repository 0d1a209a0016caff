// agent.go implements the "envforge agent" command, which runs the
// interactive MCP-backed chat agent the provisioned environment serves.
//
// The agent spawns the manifest's MCP tool server as a child process,
// exposes its tools to an OpenAI chat model, and answers queries in a
// read-eval loop on stdin until the user types "quit".
package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/mmr-tortoise/envforge/internal/agent"
	"github.com/mmr-tortoise/envforge/internal/manifest"
	"github.com/mmr-tortoise/envforge/internal/model"
)

// defaultChatModel is the OpenAI model the agent uses unless overridden.
const defaultChatModel = "gpt-4o-mini"

// agentFlags holds the flag values for the agent command.
type agentFlags struct {
	manifestPath string // --manifest: explicit manifest file path
	serverName   string // --server: which mcpServers entry to spawn
	chatModel    string // --model: OpenAI chat model name
	envFile      string // --env-file: dotenv file with API keys
}

// NewAgentCommand creates the "agent" cobra command.
func NewAgentCommand() *cobra.Command {
	flags := &agentFlags{}

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the interactive MCP-backed chat agent",
		Long: `Start an interactive chat session backed by an MCP tool server.

The server is spawned from the manifest's mcpServers section and its tools
are exposed to the chat model via function calling. Type queries at the
"You:" prompt; type "quit" to end the session.

Requires OPENAI_API_KEY, loaded from the environment or a .env file.

Examples:
  envforge agent
  envforge agent --server firecrawl
  envforge agent --model gpt-4o`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.manifestPath, "manifest", "", "Manifest file path (default: discover envforge.jsonc)")
	cmd.Flags().StringVar(&flags.serverName, "server", "", "MCP server to spawn (default: the manifest's only entry)")
	cmd.Flags().StringVar(&flags.chatModel, "model", defaultChatModel, "OpenAI chat model")
	cmd.Flags().StringVar(&flags.envFile, "env-file", ".env", "Dotenv file to load API keys from")

	return cmd
}

// runAgent is the main orchestration function for the agent command.
func runAgent(ctx context.Context, flags *agentFlags) error {
	// Step 1: Load API keys from the dotenv file. A missing file is fine;
	// the keys may already be in the process environment.
	if err := godotenv.Load(flags.envFile); err == nil {
		VerboseLog("Loaded environment from %s", flags.envFile)
	}

	if os.Getenv("OPENAI_API_KEY") == "" {
		return model.NewCLIError(
			model.ExitAgentError,
			"OPENAI_API_KEY is not set (export it or add it to .env)",
		)
	}

	// Step 2: Pick the MCP server to spawn from the manifest.
	m, err := loadManifestOrDefault(flags.manifestPath)
	if err != nil {
		return err
	}

	serverName, server, err := selectMCPServer(m, flags.serverName)
	if err != nil {
		return err
	}
	VerboseLog("MCP server: %s (%s)", serverName, server.Command)

	// Step 3: Initialize the chat model.
	llm, err := openai.New(openai.WithModel(flags.chatModel))
	if err != nil {
		return model.WrapCLIError(model.ExitAgentError, "failed to initialize chat model", err)
	}

	// Step 4: Spawn the MCP server and perform the protocol handshake.
	session, err := agent.StartSession(ctx, serverName, server, Version)
	if err != nil {
		return err
	}
	defer func() { _ = session.Close() }()

	// Step 5: Run the interactive loop until "quit" or EOF.
	return agent.New(llm, session).Run(ctx, os.Stdin, os.Stdout)
}

// selectMCPServer resolves which mcpServers entry to spawn: the named one
// when --server is given, otherwise the manifest's sole entry. Ambiguity
// and absence are both errors that name the available choices.
func selectMCPServer(m *manifest.Manifest, name string) (string, manifest.MCPServer, error) {
	if len(m.MCPServers) == 0 {
		return "", manifest.MCPServer{}, model.NewCLIError(
			model.ExitAgentError,
			"manifest declares no mcpServers (add one to run the agent)",
		)
	}

	if name != "" {
		srv, ok := m.MCPServers[name]
		if !ok {
			return "", manifest.MCPServer{}, model.NewCLIError(
				model.ExitAgentError,
				fmt.Sprintf("MCP server %q not found in manifest (available: %s)", name, serverNames(m)),
			)
		}
		return name, srv, nil
	}

	if len(m.MCPServers) > 1 {
		return "", manifest.MCPServer{}, model.NewCLIError(
			model.ExitAgentError,
			fmt.Sprintf("manifest declares multiple mcpServers, pick one with --server (available: %s)", serverNames(m)),
		)
	}

	for n, srv := range m.MCPServers {
		return n, srv, nil
	}
	// Unreachable: the map has exactly one entry here.
	return "", manifest.MCPServer{}, nil
}

// serverNames renders the manifest's server names sorted, for error text.
func serverNames(m *manifest.Manifest) string {
	names := make([]string, 0, len(m.MCPServers))
	for n := range m.MCPServers {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
