package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"ensemble-ai/internal/domain"
	"ensemble-ai/internal/infra/config"
)

// mcpCallTimeout bounds a single MCP tool execution.
const mcpCallTimeout = 30 * time.Second

// mcpClient abstracts the MCP client for testability.
type mcpClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// connectFunc dials one MCP server. Swappable in tests.
type connectFunc func(ctx context.Context, srv config.MCPServer) (mcpClient, error)

// MCPRuntime manages reconnectable MCP server sessions and exposes their
// tools as domain.Tool values. Unlike a connect-once bridge, the runtime can
// tear down and re-establish every session at any time via Refresh; the
// resilient executor relies on this when a session's credentials expire
// mid-conversation. Tool values handed out before a refresh keep working
// against the refreshed client.
type MCPRuntime struct {
	servers []config.MCPServer
	logger  *slog.Logger
	bus     domain.EventBus
	connect connectFunc

	mu          sync.Mutex
	conns       map[string]mcpClient
	tools       []domain.Tool
	binders     []domain.ToolBinder
	refreshing  bool
	refreshDone chan struct{}
	lastErr     error
}

// NewMCPRuntime creates the runtime and establishes the initial sessions.
// Discovery failure of an individual server is logged and skipped; the
// runtime fails only when every configured server is unreachable.
func NewMCPRuntime(ctx context.Context, servers []config.MCPServer, bus domain.EventBus, logger *slog.Logger) (*MCPRuntime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &MCPRuntime{
		servers: servers,
		logger:  logger,
		bus:     bus,
		connect: dialMCPServer,
		conns:   map[string]mcpClient{},
	}
	if err := r.establish(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Tools returns the current tool snapshot. Use this as a domain.ToolSource
// so every tool batch sees post-refresh clients.
func (r *MCPRuntime) Tools() []domain.Tool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Tool, len(r.tools))
	copy(out, r.tools)
	return out
}

// Schemas returns the tool schemas of the current snapshot.
func (r *MCPRuntime) Schemas() []domain.ToolSchema {
	tools := r.Tools()
	schemas := make([]domain.ToolSchema, 0, len(tools))
	for _, t := range tools {
		schemas = append(schemas, t.Schema())
	}
	return schemas
}

// RegisterBinder adds a model whose bound tool set must track refreshes.
func (r *MCPRuntime) RegisterBinder(b domain.ToolBinder) {
	r.mu.Lock()
	r.binders = append(r.binders, b)
	r.mu.Unlock()
	b.BindTools(r.Schemas())
}

// RefreshAndBind tears down all sessions, reconnects, rediscovers tools, and
// rebinds every registered model. Concurrent callers coalesce into a single
// refresh and share its result.
func (r *MCPRuntime) RefreshAndBind(ctx context.Context) error {
	r.mu.Lock()
	if r.refreshing {
		done := r.refreshDone
		r.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		r.mu.Lock()
		err := r.lastErr
		r.mu.Unlock()
		return err
	}
	r.refreshing = true
	r.refreshDone = make(chan struct{})
	r.mu.Unlock()

	r.logger.Info("mcp refresh started", "servers", len(r.servers))
	r.publishRefresh(ctx, "started", nil)

	r.closeAll()
	err := r.establish(ctx)
	if err == nil {
		r.rebind()
		r.logger.Info("mcp refresh complete", "tools", len(r.Tools()))
	} else {
		r.logger.Error("mcp refresh failed", "error", err)
	}
	r.publishRefresh(ctx, "finished", err)

	r.mu.Lock()
	r.lastErr = err
	r.refreshing = false
	close(r.refreshDone)
	r.mu.Unlock()
	return err
}

// Close shuts down every session.
func (r *MCPRuntime) Close() {
	r.closeAll()
}

func (r *MCPRuntime) closeAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = map[string]mcpClient{}
	r.tools = nil
	r.mu.Unlock()

	for name, c := range conns {
		if err := c.Close(); err != nil {
			r.logger.Warn("mcp session close error", "server", name, "error", err)
		}
	}
}

func (r *MCPRuntime) establish(ctx context.Context) error {
	var (
		conns = map[string]mcpClient{}
		tools []domain.Tool
		errs  []string
	)

	for _, srv := range r.servers {
		client, err := r.connect(ctx, srv)
		if err != nil {
			r.logger.Warn("mcp server connect failed, skipping",
				"server", srv.Name, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", srv.Name, err))
			continue
		}

		result, err := client.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			r.logger.Warn("mcp tool discovery failed, skipping",
				"server", srv.Name, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", srv.Name, err))
			client.Close()
			continue
		}

		conns[srv.Name] = client
		for _, t := range result.Tools {
			tools = append(tools, newMCPTool(srv.Name, r, t, r.logger))
		}
		r.logger.Info("mcp server ready", "server", srv.Name, "tools", len(result.Tools))
	}

	if len(conns) == 0 && len(r.servers) > 0 {
		return domain.NewDomainError("MCPRuntime.establish", domain.ErrMCPConnect, strings.Join(errs, "; "))
	}

	r.mu.Lock()
	r.conns = conns
	r.tools = tools
	r.mu.Unlock()
	return nil
}

// client returns the live client for a server, post-refresh safe.
func (r *MCPRuntime) client(server string) (mcpClient, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[server]
	return c, ok
}

func (r *MCPRuntime) rebind() {
	r.mu.Lock()
	binders := make([]domain.ToolBinder, len(r.binders))
	copy(binders, r.binders)
	r.mu.Unlock()

	schemas := r.Schemas()
	for _, b := range binders {
		b.BindTools(schemas)
	}
}

func (r *MCPRuntime) publishRefresh(ctx context.Context, phase string, err error) {
	if r.bus == nil {
		return
	}
	body := map[string]string{"phase": phase}
	if err != nil {
		body["error"] = err.Error()
	}
	payload, _ := json.Marshal(body)
	r.bus.Publish(ctx, domain.Event{
		Type:      domain.EventToolRefresh,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// dialMCPServer connects and initializes one MCP server session.
func dialMCPServer(ctx context.Context, srv config.MCPServer) (mcpClient, error) {
	var c mcpClient

	switch srv.Transport {
	case "stdio":
		stdioClient, err := mcpclient.NewStdioMCPClient(srv.Command, envSlice(srv.Env), srv.Args...)
		if err != nil {
			return nil, fmt.Errorf("create stdio client: %w", err)
		}
		c = stdioClient
	case "http":
		t, err := transport.NewStreamableHTTP(srv.URL)
		if err != nil {
			return nil, fmt.Errorf("create http transport: %w", err)
		}
		httpClient := mcpclient.NewClient(t)
		if err := httpClient.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http client: %w", err)
		}
		c = httpClient
	default:
		return nil, fmt.Errorf("unsupported transport %q", srv.Transport)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "ensemble-ai",
		Version: "1.0.0",
	}
	if ic, ok := c.(interface {
		Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	}); ok {
		if _, err := ic.Initialize(ctx, initReq); err != nil {
			c.Close()
			return nil, domain.WrapOp("initialize", err)
		}
	}
	return c, nil
}

// mcpTool exposes one remote MCP tool as a domain.Tool. The tool resolves
// its client through the runtime on every call, so a refresh transparently
// swaps the underlying session.
type mcpTool struct {
	server   string
	runtime  *MCPRuntime
	remote   mcp.Tool
	fullName string
	logger   *slog.Logger
}

func newMCPTool(server string, runtime *MCPRuntime, t mcp.Tool, logger *slog.Logger) *mcpTool {
	return &mcpTool{
		server:   server,
		runtime:  runtime,
		remote:   t,
		fullName: fmt.Sprintf("mcp_%s_%s", sanitizeName(server), sanitizeName(t.Name)),
		logger:   logger,
	}
}

func (t *mcpTool) Name() string { return t.fullName }

func (t *mcpTool) Description() string {
	if t.remote.Description != "" {
		return t.remote.Description
	}
	return fmt.Sprintf("MCP tool %q from server %q", t.remote.Name, t.server)
}

func (t *mcpTool) Schema() domain.ToolSchema {
	params := json.RawMessage(`{"type": "object"}`)
	if t.remote.InputSchema.Properties != nil || t.remote.InputSchema.Required != nil {
		if data, err := json.Marshal(t.remote.InputSchema); err == nil {
			params = data
		}
	}
	return domain.ToolSchema{
		Name:        t.fullName,
		Description: t.Description(),
		Parameters:  params,
	}
}

func (t *mcpTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	var args map[string]any
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &args); err != nil {
			return &domain.ToolResult{
				Content: fmt.Sprintf("invalid arguments: %v", err),
				IsError: true,
			}, nil
		}
	}

	client, ok := t.runtime.client(t.server)
	if !ok {
		return nil, domain.NewDomainError("mcpTool.Execute", domain.ErrStreamClosed, t.server)
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = t.remote.Name
	callReq.Params.Arguments = args

	t.logger.Debug("mcp tool call", "server", t.server, "tool", t.remote.Name)

	callCtx, cancel := context.WithTimeout(ctx, mcpCallTimeout)
	defer cancel()

	result, err := client.CallTool(callCtx, callReq)
	if err != nil {
		return &domain.ToolResult{
			Content:     fmt.Sprintf("MCP tool error: %v", err),
			IsError:     true,
			IsRetryable: true,
		}, nil
	}
	return &domain.ToolResult{
		Content: extractMCPContent(result),
		IsError: result.IsError,
	}, nil
}

// extractMCPContent flattens MCP result content to a string.
func extractMCPContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// sanitizeName replaces characters that aren't valid in tool names.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// envSlice converts an env map to KEY=VALUE form.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
