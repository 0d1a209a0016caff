// Package agent implements the interactive MCP-backed agent the
// provisioned environment exists to serve.
//
// The agent spawns an MCP (Model Context Protocol) tool server as a child
// process, speaks the protocol over the child's stdio via
// github.com/mark3labs/mcp-go, and exposes the server's tools to an OpenAI
// chat model through github.com/tmc/langchaingo's tool-calling API. User
// queries are answered in a read-eval loop on stdin until "quit".
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tmc/langchaingo/llms"

	"github.com/mmr-tortoise/envforge/internal/manifest"
	"github.com/mmr-tortoise/envforge/internal/model"
)

// ToolSession owns the connection to one MCP server process: the stdio
// transport, the protocol handshake, and the tool inventory loaded at
// startup. Close terminates the child process.
type ToolSession struct {
	client *client.Client
	tools  []mcp.Tool
}

// StartSession spawns the MCP server described by the manifest entry,
// performs the protocol handshake, and loads the tool inventory.
//
// Environment variable values in the server config may reference host
// variables with ${VAR} syntax; they are expanded here, at spawn time.
//
// Returns a model.CLIError with ExitAgentError on any startup failure.
func StartSession(ctx context.Context, name string, srv manifest.MCPServer, version string) (*ToolSession, error) {
	env := make([]string, 0, len(srv.Env))
	for k, v := range srv.Env {
		env = append(env, k+"="+os.ExpandEnv(v))
	}

	c, err := client.NewStdioMCPClient(srv.Command, env, srv.Args...)
	if err != nil {
		return nil, model.WrapCLIError(
			model.ExitAgentError,
			fmt.Sprintf("failed to start MCP server %q (%s)", name, srv.Command),
			err,
		)
	}

	// Protocol handshake: exchange versions and capabilities before any
	// tool traffic is allowed.
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "envforge",
		Version: version,
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, model.WrapCLIError(
			model.ExitAgentError,
			fmt.Sprintf("MCP handshake with server %q failed", name),
			err,
		)
	}

	toolsResult, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return nil, model.WrapCLIError(
			model.ExitAgentError,
			fmt.Sprintf("failed to list tools from MCP server %q", name),
			err,
		)
	}

	return &ToolSession{client: c, tools: toolsResult.Tools}, nil
}

// ToolNames returns the names of all tools the server advertised,
// in the order the server listed them.
func (s *ToolSession) ToolNames() []string {
	names := make([]string, 0, len(s.tools))
	for _, t := range s.tools {
		names = append(names, t.Name)
	}
	return names
}

// LLMTools converts the server's tool inventory into langchaingo
// function-tool definitions for the chat model.
func (s *ToolSession) LLMTools() []llms.Tool {
	tools := make([]llms.Tool, 0, len(s.tools))
	for _, t := range s.tools {
		tools = append(tools, ConvertTool(t))
	}
	return tools
}

// ConvertTool maps one MCP tool definition to a langchaingo function tool.
// The MCP input schema is already JSON Schema, which is exactly what the
// OpenAI function-calling API expects as parameters.
func ConvertTool(t mcp.Tool) llms.Tool {
	properties := t.InputSchema.Properties
	if properties == nil {
		// The OpenAI API rejects a missing properties object on type
		// "object" schemas.
		properties = map[string]any{}
	}

	return llms.Tool{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters: map[string]any{
				"type":       "object",
				"properties": properties,
				"required":   t.InputSchema.Required,
			},
		},
	}
}

// Call invokes one tool on the MCP server. The arguments arrive as the
// JSON string the model produced; they are decoded into the map form the
// protocol expects.
//
// The result's text content blocks are concatenated into a single string
// for the model. A tool-level error result (IsError) is returned as a Go
// error so the caller can feed the failure back to the model.
func (s *ToolSession) Call(ctx context.Context, name, argumentsJSON string) (string, error) {
	args := map[string]any{}
	if strings.TrimSpace(argumentsJSON) != "" {
		if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
			return "", fmt.Errorf("tool %s: invalid arguments from model: %w", name, err)
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := s.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("tool %s call failed: %w", name, err)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		return "", fmt.Errorf("tool %s reported an error: %s", name, text)
	}
	return text, nil
}

// Close shuts down the MCP client and terminates the server process.
func (s *ToolSession) Close() error {
	return s.client.Close()
}

// flattenContent joins the text blocks of a tool result. Non-text content
// (images, resources) is represented by a placeholder naming its type so
// the model knows something was omitted.
func flattenContent(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
			continue
		}
		parts = append(parts, fmt.Sprintf("[unsupported %T content omitted]", c))
	}
	return strings.Join(parts, "\n")
}
