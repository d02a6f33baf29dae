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

const openaiAPIURL = "https://api.openai.com/v1/chat/completions"

// OpenAIProvider streams chat completions from the OpenAI chat-completions
// API, converting its SSE delta events into Chunks.
type OpenAIProvider struct {
	apiKey string
	model  string
	client *httpclient.Client
}

// NewOpenAIProvider builds a provider bound to one model. apiKey defaults
// to OPENAI_API_KEY when empty.
func NewOpenAIProvider(model, apiKey string) *OpenAIProvider {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return &OpenAIProvider{
		apiKey: apiKey,
		model:  model,
		client: httpclient.New(httpclient.WithHeaderParser(httpclient.ParseOpenAIRateLimitHeaders)),
	}
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description,omitempty"`
		Parameters  map[string]interface{} `json:"parameters"`
	} `json:"function"`
}

type openaiRequestBody struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Tools       []openaiTool    `json:"tools,omitempty"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream"`
}

// Stream implements Provider.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	body := buildOpenAIBody(p.model, req)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode openai request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, openaiAPIURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build openai request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Raw().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		buf := new(bytes.Buffer)
		buf.ReadFrom(resp.Body)
		return nil, &httpclient.RetryableError{StatusCode: resp.StatusCode, Message: buf.String()}
	}

	out := make(chan Chunk, 8)
	go streamOpenAISSE(resp.Body, out)
	return out, nil
}

func buildOpenAIBody(model string, req Request) openaiRequestBody {
	messages := make([]openaiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := string(m.Role)
		messages = append(messages, openaiMessage{
			Role:       role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		})
	}

	tools := make([]openaiTool, 0, len(req.Tools))
	for _, t := range req.Tools {
		tool := openaiTool{Type: "function"}
		tool.Function.Name = t.Name
		tool.Function.Description = t.Description
		tool.Function.Parameters = t.Schema
		tools = append(tools, tool)
	}

	return openaiRequestBody{
		Model:       model,
		Messages:    messages,
		Tools:       tools,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	}
}

// openaiStreamChunk mirrors the subset of an OpenAI streaming chunk this
// provider needs: incremental text and incremental tool-call arguments,
// indexed by tool-call slot since a single delta can carry a partial name
// and a partial arguments string across multiple chunks.
type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type pendingToolCall struct {
	id   string
	name string
	args strings.Builder
}

func streamOpenAISSE(body io.ReadCloser, out chan<- Chunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	pending := map[int]*pendingToolCall{}

	flushToolCalls := func() {
		for i := 0; i < len(pending); i++ {
			pc, ok := pending[i]
			if !ok || pc.name == "" {
				continue
			}
			args := map[string]interface{}{}
			if pc.args.Len() > 0 {
				_ = json.Unmarshal([]byte(pc.args.String()), &args)
			}
			out <- Chunk{Kind: ChunkToolCall, ToolCall: &ToolCall{ID: pc.id, Name: pc.name, Arguments: args}}
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			flushToolCalls()
			out <- Chunk{Kind: ChunkEnd}
			return
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			out <- Chunk{Kind: ChunkText, Text: delta.Content}
		}
		for _, tc := range delta.ToolCalls {
			pc, exists := pending[tc.Index]
			if !exists {
				pc = &pendingToolCall{}
				pending[tc.Index] = pc
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("openai stream scanner error", "error", err)
		out <- Chunk{Kind: ChunkEnd, Err: err}
		return
	}
	flushToolCalls()
	out <- Chunk{Kind: ChunkEnd}
}
