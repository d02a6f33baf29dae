package llmprovider

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopCloser struct{ io.Reader }

func (nopCloser) Close() error { return nil }

func TestStreamAnthropicSSE_TextAndToolCall(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		"",
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello "}}`,
		"",
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"world"}}`,
		"",
		`data: {"type":"content_block_stop","index":0}`,
		"",
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tc_1","name":"list_issues"}}`,
		"",
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"state\":"}}`,
		"",
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"opened\"}"}}`,
		"",
		`data: {"type":"content_block_stop","index":1}`,
		"",
		`data: {"type":"message_stop"}`,
		"",
	}, "\n")

	out := make(chan Chunk, 16)
	streamAnthropicSSE(nopCloser{strings.NewReader(sse)}, out)

	var chunks []Chunk
	for c := range out {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 4)
	assert.Equal(t, ChunkText, chunks[0].Kind)
	assert.Equal(t, "hello ", chunks[0].Text)
	assert.Equal(t, ChunkText, chunks[1].Kind)
	assert.Equal(t, "world", chunks[1].Text)
	require.Equal(t, ChunkToolCall, chunks[2].Kind)
	assert.Equal(t, "list_issues", chunks[2].ToolCall.Name)
	assert.Equal(t, "opened", chunks[2].ToolCall.Arguments["state"])
	assert.Equal(t, ChunkEnd, chunks[3].Kind)
	assert.NoError(t, chunks[3].Err)
}

func TestBuildAnthropicBodySeparatesSystemMessages(t *testing.T) {
	req := Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "you are an agent"},
			{Role: RoleUser, Content: "resolve issue 42"},
		},
		Temperature: 0.3,
	}
	body := buildAnthropicBody("claude-sonnet-4-20250514", req)
	assert.Equal(t, "you are an agent", body.System)
	require.Len(t, body.Messages, 1)
	assert.Equal(t, "user", body.Messages[0].Role)
}
