// loop.go implements the interactive chat loop: reading user queries,
// running the model's tool-calling rounds against the MCP session, and
// printing final answers.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/llms"

	"github.com/mmr-tortoise/envforge/internal/model"
)

// SystemPrompt seeds every conversation. It mirrors the prompt the agent
// environment was originally built around.
const SystemPrompt = "You are a helpful assistant that can scrape websites, crawl pages, " +
	"and extract data using Firecrawl tools. Think step by step and use the " +
	"appropriate tools to help the user."

// maxInputChars caps a single user message. Very large pastes would blow
// the model's context window; truncating keeps the session alive.
const maxInputChars = 175000

// defaultMaxToolRounds bounds how many tool-calling rounds one user turn
// may trigger. A model stuck re-invoking the same tool would otherwise
// loop forever on the user's API bill.
const defaultMaxToolRounds = 8

// quitSentinel ends the session when typed as a whole line.
const quitSentinel = "quit"

// Agent runs the interactive loop, holding the chat model, the MCP tool
// session, and the growing conversation history.
type Agent struct {
	llm     llms.Model
	session *ToolSession

	// maxToolRounds bounds tool-calling rounds per user turn.
	maxToolRounds int

	// history is the full conversation, starting with the system prompt.
	history []llms.MessageContent
}

// New creates an Agent over an initialized model and tool session.
func New(llm llms.Model, session *ToolSession) *Agent {
	return &Agent{
		llm:           llm,
		session:       session,
		maxToolRounds: defaultMaxToolRounds,
		history: []llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, SystemPrompt),
		},
	}
}

// Run executes the interactive loop until the user types "quit" or input
// is exhausted. Tool and model errors are printed and the loop continues,
// so one failed query does not end the session.
func (a *Agent) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "Available Tools -", strings.Join(a.session.ToolNames(), " "))
	fmt.Fprintln(out, strings.Repeat("-", 60))

	reader := bufio.NewReader(in)

	for {
		fmt.Fprint(out, "\nYou: ")
		input, readErr := readLine(reader)
		if readErr != nil {
			if readErr == io.EOF {
				// EOF (e.g., piped input ran out) ends the session cleanly.
				return nil
			}
			return readErr
		}
		if input == quitSentinel {
			fmt.Fprintln(out, "Goodbye")
			return nil
		}
		if strings.TrimSpace(input) == "" {
			continue
		}

		answer, err := a.processTurn(ctx, TruncateInput(input))
		if err != nil {
			// Match the original behavior: report and keep going.
			fmt.Fprintln(out, "Error:", err)
			continue
		}

		fmt.Fprintln(out, "\nAgent:", answer)
	}
}

// processTurn appends the user message to the history and runs model
// generations until the model stops requesting tools, returning its final
// text answer. Every intermediate message (assistant tool calls, tool
// responses) is appended to the history so follow-up questions have full
// context.
func (a *Agent) processTurn(ctx context.Context, input string) (string, error) {
	a.history = append(a.history, llms.TextParts(llms.ChatMessageTypeHuman, input))

	for round := 0; round < a.maxToolRounds; round++ {
		resp, err := a.llm.GenerateContent(ctx, a.history,
			llms.WithTools(a.session.LLMTools()),
			llms.WithTemperature(0),
		)
		if err != nil {
			return "", fmt.Errorf("model generation failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("model returned no choices")
		}

		choice := resp.Choices[0]
		if len(choice.ToolCalls) == 0 {
			// Final answer: record it and hand it back.
			a.history = append(a.history, llms.TextParts(llms.ChatMessageTypeAI, choice.Content))
			return choice.Content, nil
		}

		// The assistant turn carrying the tool calls must be recorded
		// before the tool responses, or the API rejects the transcript.
		assistantParts := make([]llms.ContentPart, 0, len(choice.ToolCalls))
		for _, tc := range choice.ToolCalls {
			assistantParts = append(assistantParts, tc)
		}
		a.history = append(a.history, llms.MessageContent{
			Role:  llms.ChatMessageTypeAI,
			Parts: assistantParts,
		})

		for _, tc := range choice.ToolCalls {
			content, callErr := a.session.Call(ctx, tc.FunctionCall.Name, tc.FunctionCall.Arguments)
			if callErr != nil {
				// Feed the failure back to the model instead of aborting;
				// it can often recover with different arguments.
				content = "error: " + callErr.Error()
			}

			a.history = append(a.history, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{
					llms.ToolCallResponse{
						ToolCallID: tc.ID,
						Name:       tc.FunctionCall.Name,
						Content:    content,
					},
				},
			})
		}
	}

	return "", model.NewCLIError(
		model.ExitAgentError,
		fmt.Sprintf("tool-calling did not converge within %d rounds", a.maxToolRounds),
	)
}

// readLine reads the next input line from the reader, clipping it at
// roughly maxInputChars. The remainder of an oversized line is consumed
// and discarded so the next read starts on a fresh line; a line of any
// length therefore never kills the session. io.EOF is returned only when
// no bytes preceded it.
func readLine(r *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			if err == io.EOF && b.Len() > 0 {
				// Unterminated final line: hand it back, EOF surfaces
				// on the next call.
				return b.String(), nil
			}
			return "", err
		}
		if b.Len() < maxInputChars {
			b.Write(chunk)
		}
		if !isPrefix {
			return b.String(), nil
		}
	}
}

// TruncateInput caps a user message at maxInputChars bytes, backing up to
// the previous rune boundary so the cut never splits a multi-byte
// character into invalid UTF-8.
func TruncateInput(s string) string {
	if len(s) <= maxInputChars {
		return s
	}
	cut := maxInputChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
