package llmprovider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/kadirpekel/conductor/pkg/httpclient"
)

const anthropicAPIURL = "https://api.anthropic.com/v1/messages"
const anthropicAPIVersion = "2023-06-01"

// AnthropicProvider streams chat completions from the Anthropic Messages
// API, converting its SSE content-block events into Chunks.
type AnthropicProvider struct {
	apiKey string
	model  string
	client *httpclient.Client
}

// NewAnthropicProvider builds a provider bound to one model. apiKey
// defaults to ANTHROPIC_API_KEY when empty.
func NewAnthropicProvider(model, apiKey string) *AnthropicProvider {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return &AnthropicProvider{
		apiKey: apiKey,
		model:  model,
		client: httpclient.New(httpclient.WithHeaderParser(httpclient.ParseAnthropicRateLimitHeaders)),
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicRequestBody struct {
	Model       string              `json:"model"`
	Messages    []anthropicMessage  `json:"messages"`
	System      string              `json:"system,omitempty"`
	Tools       []anthropicTool     `json:"tools,omitempty"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens"`
	Stream      bool                `json:"stream"`
}

// Stream implements Provider.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	body := buildAnthropicBody(p.model, req)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicAPIURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build anthropic request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.client.Raw().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		buf := new(bytes.Buffer)
		buf.ReadFrom(resp.Body)
		return nil, &httpclient.RetryableError{StatusCode: resp.StatusCode, Message: buf.String()}
	}

	out := make(chan Chunk, 8)
	go streamAnthropicSSE(resp.Body, out)
	return out, nil
}

func buildAnthropicBody(model string, req Request) anthropicRequestBody {
	var system string
	messages := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}
		role := "user"
		if m.Role == RoleAssistant {
			role = "assistant"
		}
		messages = append(messages, anthropicMessage{Role: role, Content: m.Content})
	}

	tools := make([]anthropicTool, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Schema})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	return anthropicRequestBody{
		Model:       model,
		Messages:    messages,
		System:      system,
		Tools:       tools,
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
		Stream:      true,
	}
}

// anthropicEvent mirrors the subset of Anthropic's SSE content-block event
// shapes this provider needs to reassemble text and tool-call chunks.
type anthropicEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock struct {
		Type  string `json:"type"`
		ID    string `json:"id"`
		Name  string `json:"name"`
		Input map[string]interface{} `json:"input"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

func streamAnthropicSSE(body io.ReadCloser, out chan<- Chunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var pendingToolID, pendingToolName string
	var pendingArgsJSON strings.Builder
	inToolBlock := false

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var ev anthropicEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "content_block_start":
			if ev.ContentBlock.Type == "tool_use" {
				inToolBlock = true
				pendingToolID = ev.ContentBlock.ID
				pendingToolName = ev.ContentBlock.Name
				pendingArgsJSON.Reset()
			}
		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				out <- Chunk{Kind: ChunkText, Text: ev.Delta.Text}
			case "input_json_delta":
				pendingArgsJSON.WriteString(ev.Delta.PartialJSON)
			}
		case "content_block_stop":
			if inToolBlock {
				args := map[string]interface{}{}
				if pendingArgsJSON.Len() > 0 {
					_ = json.Unmarshal([]byte(pendingArgsJSON.String()), &args)
				}
				out <- Chunk{Kind: ChunkToolCall, ToolCall: &ToolCall{
					ID:        pendingToolID,
					Name:      pendingToolName,
					Arguments: args,
				}}
				inToolBlock = false
			}
		case "message_stop":
			out <- Chunk{Kind: ChunkEnd}
			return
		case "error":
			out <- Chunk{Kind: ChunkEnd, Err: fmt.Errorf("anthropic stream error: %s", data)}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("anthropic stream scanner error", "error", err)
		out <- Chunk{Kind: ChunkEnd, Err: err}
		return
	}
	out <- Chunk{Kind: ChunkEnd}
}
