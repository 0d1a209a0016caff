package agent

import (
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConvertTool verifies the mapping from an MCP tool definition to a
// langchaingo function tool: the input schema passes through as the
// function parameters.
func TestConvertTool(t *testing.T) {
	tool := mcp.Tool{
		Name:        "firecrawl_scrape",
		Description: "Scrape a single page",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"url": map[string]any{"type": "string"},
			},
			Required: []string{"url"},
		},
	}

	converted := ConvertTool(tool)

	assert.Equal(t, "function", converted.Type)
	require.NotNil(t, converted.Function)
	assert.Equal(t, "firecrawl_scrape", converted.Function.Name)
	assert.Equal(t, "Scrape a single page", converted.Function.Description)

	params, ok := converted.Function.Parameters.(map[string]any)
	require.True(t, ok, "parameters should be a JSON schema object")
	assert.Equal(t, "object", params["type"])
	assert.Equal(t, tool.InputSchema.Properties, params["properties"])
	assert.Equal(t, []string{"url"}, params["required"])
}

// TestConvertTool_NoProperties verifies that a tool without input
// properties still produces an empty properties object, which the OpenAI
// API requires on object schemas.
func TestConvertTool_NoProperties(t *testing.T) {
	converted := ConvertTool(mcp.Tool{
		Name:        "list_sources",
		InputSchema: mcp.ToolInputSchema{Type: "object"},
	})

	params, ok := converted.Function.Parameters.(map[string]any)
	require.True(t, ok)

	properties, ok := params["properties"].(map[string]any)
	require.True(t, ok, "properties must be present even when the tool takes no input")
	assert.Empty(t, properties)
}

// TestFlattenContent verifies text block concatenation and the
// placeholder for unsupported content types.
func TestFlattenContent(t *testing.T) {
	t.Run("text blocks joined", func(t *testing.T) {
		result := flattenContent([]mcp.Content{
			mcp.TextContent{Type: "text", Text: "first"},
			mcp.TextContent{Type: "text", Text: "second"},
		})
		assert.Equal(t, "first\nsecond", result)
	})

	t.Run("non-text gets a placeholder", func(t *testing.T) {
		result := flattenContent([]mcp.Content{
			mcp.TextContent{Type: "text", Text: "before"},
			mcp.ImageContent{Type: "image"},
		})
		assert.Contains(t, result, "before")
		assert.Contains(t, result, "omitted",
			"the model should be told that non-text content was dropped")
	})

	t.Run("empty content", func(t *testing.T) {
		assert.Empty(t, flattenContent(nil))
	})
}

// TestTruncateInput verifies the input cap: short inputs pass through
// unchanged, oversized inputs are cut at the limit.
func TestTruncateInput(t *testing.T) {
	assert.Equal(t, "hello", TruncateInput("hello"))

	exact := strings.Repeat("a", maxInputChars)
	assert.Equal(t, exact, TruncateInput(exact), "input at the limit should not be cut")

	over := strings.Repeat("a", maxInputChars+100)
	truncated := TruncateInput(over)
	assert.Len(t, truncated, maxInputChars)
}
