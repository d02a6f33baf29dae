// Package agentrt implements the generic ReAct agent runtime: given a
// system prompt, a model, and a tool bridge, it drives a reason/act loop
// until a model turn issues no tool calls, the model stream fails, ctx is
// done, or the recursion limit is exceeded. Tool errors do not end the
// loop: they are fed back to the model as the tool's result text.
//
// Every agent role (planning, coding, testing, review) is the same loop
// with a different system prompt and tool subset; role-specific behavior
// lives in pkg/executor, not here.
package agentrt

import (
	"context"
	"fmt"

	"github.com/kadirpekel/conductor/pkg/llmprovider"
	"github.com/kadirpekel/conductor/pkg/orcherr"
	"github.com/kadirpekel/conductor/pkg/toolbridge"
)

// DefaultRecursionLimit bounds the number of model round-trips in one Run,
// overridable via AGENT_RECURSION_LIMIT (see pkg/config).
const DefaultRecursionLimit = 500

// OutputFunc receives streamed chunks of agent output as they arrive, for
// forwarding to the WebSocket bridge. It must not block.
type OutputFunc func(text string)

// Bridge is the subset of toolbridge.Bridge the runtime depends on,
// narrowed for testability.
type Bridge interface {
	ListTools() []toolbridge.ToolDescriptor
	RunTool(ctx context.Context, name string, args map[string]interface{}) (string, error)
}

// Runtime executes the ReAct loop for one agent role.
type Runtime struct {
	RecursionLimit int
}

// New creates a Runtime with the given recursion limit; 0 uses the default.
func New(recursionLimit int) *Runtime {
	if recursionLimit <= 0 {
		recursionLimit = DefaultRecursionLimit
	}
	return &Runtime{RecursionLimit: recursionLimit}
}

// Run drives one ReAct loop: it sends systemPrompt and userInstruction to
// model, dispatches any tool calls the model issues against bridge, feeds
// results back as tool messages, and repeats until the model stops issuing
// tool calls or the recursion limit is hit. It returns the concatenation of
// every text chunk the model produced across the whole loop.
func (r *Runtime) Run(ctx context.Context, model llmprovider.Provider, bridge Bridge, systemPrompt, userInstruction string, onOutput OutputFunc) (string, error) {
	tools := convertTools(bridge.ListTools())

	messages := []llmprovider.Message{
		{Role: llmprovider.RoleSystem, Content: systemPrompt},
		{Role: llmprovider.RoleUser, Content: userInstruction},
	}

	var finalText string

	for round := 0; round < r.RecursionLimit; round++ {
		if err := ctx.Err(); err != nil {
			return finalText, err
		}

		roundText, toolCalls, err := r.runOneRound(ctx, model, messages, tools, onOutput)
		if err != nil {
			return finalText, err
		}
		finalText += roundText

		if len(toolCalls) == 0 {
			return finalText, nil
		}

		messages = append(messages, llmprovider.Message{Role: llmprovider.RoleAssistant, Content: roundText})
		for _, tc := range toolCalls {
			result, err := bridge.RunTool(ctx, tc.Name, tc.Arguments)
			if err != nil {
				result = fmt.Sprintf("tool error: %v", err)
			}
			messages = append(messages, llmprovider.Message{
				Role:       llmprovider.RoleTool,
				Content:    result,
				ToolCallID: tc.ID,
			})
		}
	}

	return finalText, orcherr.ErrAgentRuntimeExceeded
}

func (r *Runtime) runOneRound(ctx context.Context, model llmprovider.Provider, messages []llmprovider.Message, tools []llmprovider.ToolDefinition, onOutput OutputFunc) (string, []llmprovider.ToolCall, error) {
	stream, err := model.Stream(ctx, llmprovider.Request{Messages: messages, Tools: tools, Temperature: 0.2})
	if err != nil {
		return "", nil, fmt.Errorf("model stream: %w", err)
	}

	var text string
	var toolCalls []llmprovider.ToolCall

	for chunk := range stream {
		switch chunk.Kind {
		case llmprovider.ChunkText:
			text += chunk.Text
			if onOutput != nil {
				onOutput(chunk.Text)
			}
		case llmprovider.ChunkToolCall:
			if chunk.ToolCall != nil {
				toolCalls = append(toolCalls, *chunk.ToolCall)
			}
		case llmprovider.ChunkEnd:
			if chunk.Err != nil {
				return text, toolCalls, chunk.Err
			}
		}
	}

	return text, toolCalls, nil
}

func convertTools(descs []toolbridge.ToolDescriptor) []llmprovider.ToolDefinition {
	out := make([]llmprovider.ToolDefinition, 0, len(descs))
	for _, d := range descs {
		out = append(out, llmprovider.ToolDefinition{Name: d.Name, Schema: d.Schema})
	}
	return out
}
