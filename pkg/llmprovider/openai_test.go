package llmprovider

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamOpenAISSE_TextAndToolCall(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"hello "}}]}`,
		"",
		`data: {"choices":[{"delta":{"content":"world"}}]}`,
		"",
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"list_issues","arguments":""}}]}}]}`,
		"",
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"state\":"}}]}}}]}`,
		"",
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"opened\"}"}}]}}]}`,
		"",
		`data: [DONE]`,
		"",
	}, "\n")

	out := make(chan Chunk, 16)
	streamOpenAISSE(nopCloser{strings.NewReader(sse)}, out)

	var chunks []Chunk
	for c := range out {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 4)
	assert.Equal(t, "hello ", chunks[0].Text)
	assert.Equal(t, "world", chunks[1].Text)
	require.Equal(t, ChunkToolCall, chunks[2].Kind)
	assert.Equal(t, "list_issues", chunks[2].ToolCall.Name)
	assert.Equal(t, "opened", chunks[2].ToolCall.Arguments["state"])
	assert.Equal(t, ChunkEnd, chunks[3].Kind)
}

func TestBuildOpenAIBodyIncludesToolDefinitions(t *testing.T) {
	req := Request{
		Tools: []ToolDefinition{
			{Name: "list_issues", Description: "list open issues", Schema: map[string]interface{}{"type": "object"}},
		},
	}
	body := buildOpenAIBody("gpt-4o", req)
	require.Len(t, body.Tools, 1)
	assert.Equal(t, "function", body.Tools[0].Type)
	assert.Equal(t, "list_issues", body.Tools[0].Function.Name)
}
