package toolbridge

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"

	"github.com/kadirpekel/conductor/pkg/orcherr"
)

func TestRunToolFailsFastWhenDead(t *testing.T) {
	b := New(Config{Command: "unused"})
	b.dead = true

	_, err := b.RunTool(context.Background(), "list_issues", nil)
	assert.True(t, errors.Is(err, orcherr.ErrConnectionLost))
}

func TestExtractTextConcatenatesTextContent(t *testing.T) {
	resp := &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: "hello "},
			mcp.TextContent{Type: "text", Text: "world"},
		},
	}
	assert.Equal(t, "hello world", extractText(resp))
}

func TestConvertSchemaIncludesRequiredAndProperties(t *testing.T) {
	schema := mcp.ToolInputSchema{
		Type:     "object",
		Required: []string{"iid"},
		Properties: map[string]interface{}{
			"iid": map[string]interface{}{"type": "integer"},
		},
	}
	out := convertSchema(schema)
	assert.Equal(t, "object", out["type"])
	assert.Contains(t, out, "required")
	assert.Contains(t, out, "properties")
}

func TestNewAppliesDefaultTimeout(t *testing.T) {
	b := New(Config{Command: "unused"})
	assert.Equal(t, DefaultToolTimeout, b.timeout)
}
