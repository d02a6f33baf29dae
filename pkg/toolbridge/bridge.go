// Package toolbridge implements the tool bridge client.
//
// It holds one long-lived connection to the remote tool service — an MCP
// server subprocess that proxies calls against the GitLab-compatible API —
// using github.com/mark3labs/mcp-go's stdio transport. Calls are
// serialized per connection; reconnection follows a fixed 1s/2s/4s backoff
// for up to 3 attempts before failing fast.
package toolbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/conductor/pkg/orcherr"
)

// DefaultToolTimeout is the default per-call timeout.
const DefaultToolTimeout = 60 * time.Second

var reconnectDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// ToolDescriptor describes one tool exposed by the bridge.
type ToolDescriptor struct {
	Name   string
	Schema map[string]interface{}
}

// LogFunc forwards tool traffic to the UI ('s onLog callback).
type LogFunc func(message string, level string)

// Config configures a Bridge.
type Config struct {
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration
	OnLog   LogFunc
}

// Bridge is the single, long-lived connection to the remote tool service.
type Bridge struct {
	cfg Config

	mu      sync.Mutex // serializes all calls per connection
	client  *client.Client
	tools   []ToolDescriptor
	dead    bool // set once reconnection is exhausted; fails fast thereafter
	timeout time.Duration
}

// New creates a Bridge; it does not connect until Connect is called.
func New(cfg Config) *Bridge {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultToolTimeout
	}
	return &Bridge{cfg: cfg, timeout: timeout}
}

func (b *Bridge) log(msg, level string) {
	if b.cfg.OnLog != nil {
		b.cfg.OnLog(msg, level)
	}
	slog.Debug("tool bridge log", "message", msg, "level", level)
}

// Connect establishes the subprocess connection and caches the tool list.
// It is called once at startup.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectLocked(ctx)
}

func (b *Bridge) connectLocked(ctx context.Context) error {
	env := make([]string, 0, len(b.cfg.Env))
	for k, v := range b.cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	c, err := client.NewStdioMCPClient(b.cfg.Command, env, b.cfg.Args...)
	if err != nil {
		return fmt.Errorf("create mcp client: %w", err)
	}

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("start mcp client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "conductor", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return fmt.Errorf("initialize mcp: %w", err)
	}

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	tools := make([]ToolDescriptor, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		tools = append(tools, ToolDescriptor{Name: t.Name, Schema: convertSchema(t.InputSchema)})
	}

	if b.client != nil {
		b.client.Close()
	}
	b.client = c
	b.tools = tools
	b.dead = false

	b.log(fmt.Sprintf("connected to tool bridge, %d tools available", len(tools)), "info")
	return nil
}

// ListTools returns the cached tool descriptors from the last successful
// connect or reconnect.
func (b *Bridge) ListTools() []ToolDescriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ToolDescriptor, len(b.tools))
	copy(out, b.tools)
	return out
}

// RunTool invokes one tool call, serialized against any other in-flight
// call on this connection. On connection loss it reconnects with up to 3
// attempts (1s/2s/4s); once exhausted, the bridge is marked dead and every
// subsequent call fails fast with ErrConnectionLost.
func (b *Bridge) RunTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dead {
		return "", orcherr.ErrConnectionLost
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	result, err := b.callLocked(callCtx, name, args)
	if err == nil {
		return result, nil
	}

	if callCtx.Err() != nil {
		return "", orcherr.ErrTimeout
	}

	// A tool-reported failure means the connection is fine; pass it on.
	var toolErr *orcherr.ToolError
	if errors.As(err, &toolErr) {
		return "", err
	}

	b.log(fmt.Sprintf("tool call %q failed, attempting reconnect: %v", name, err), "warn")
	if reconErr := b.reconnectLocked(ctx); reconErr != nil {
		b.dead = true
		return "", orcherr.ErrConnectionLost
	}

	callCtx2, cancel2 := context.WithTimeout(ctx, b.timeout)
	defer cancel2()
	result, err = b.callLocked(callCtx2, name, args)
	if err != nil {
		if callCtx2.Err() != nil {
			return "", orcherr.ErrTimeout
		}
		return "", &orcherr.ToolError{Tool: name, Message: err.Error()}
	}
	return result, nil
}

func (b *Bridge) callLocked(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := b.client.CallTool(ctx, req)
	if err != nil {
		return "", err
	}

	text := extractText(resp)
	b.log(fmt.Sprintf("tool %q -> %d bytes", name, len(text)), "info")

	if resp.IsError {
		return "", &orcherr.ToolError{Tool: name, Message: text}
	}
	return text, nil
}

func (b *Bridge) reconnectLocked(ctx context.Context) error {
	var lastErr error
	for _, delay := range reconnectDelays {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if err := b.connectLocked(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("reconnect exhausted after %d attempts: %w", len(reconnectDelays), lastErr)
}

// Close releases the subprocess connection.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

func extractText(resp *mcp.CallToolResult) string {
	var sb strings.Builder
	for _, c := range resp.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

func convertSchema(schema mcp.ToolInputSchema) map[string]interface{} {
	out := map[string]interface{}{
		"type": schema.Type,
	}
	if len(schema.Properties) > 0 {
		out["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		out["required"] = schema.Required
	}
	return out
}
