package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	sdkclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	sdkmcp "github.com/mark3labs/mcp-go/mcp"
)

// ToolInfo captures the metadata of a single tool exposed by an MCP server.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Client wraps the mcp-go SDK client for a single upstream server.
// It is safe for concurrent use by multiple goroutines. For stdio servers the
// Client records the child process id so the pool can run its shutdown ladder.
type Client struct {
	mu    sync.RWMutex
	cfg   ServerConfig
	inner *sdkclient.Client
	pid   int
}

// NewClient creates an unconnected Client for the given server config.
// Call Connect to establish the transport and complete the MCP handshake.
func NewClient(cfg ServerConfig) *Client {
	return &Client{cfg: cfg}
}

// Connect establishes the transport and performs the MCP initialize
// handshake. Streaming-HTTP servers are tried on the modern streamable
// transport first and fall back to SSE when that fails.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.cfg.Validate(); err != nil {
		return err
	}
	if c.cfg.IsHTTP() {
		return c.connectHTTP(ctx)
	}
	return c.connectStdio(ctx)
}

func (c *Client) connectStdio(ctx context.Context) error {
	// WithCommandFunc lets us keep the exec.Cmd we build, so the child pid is
	// known to the pool for graceful shutdown.
	var cmd *exec.Cmd
	tr := transport.NewStdioWithOptions(
		c.cfg.Command,
		c.cfg.EnvSlice(),
		c.cfg.Args,
		transport.WithCommandFunc(func(ctx context.Context, command string, args []string, env []string) (*exec.Cmd, error) {
			cmd = exec.CommandContext(ctx, command, args...)
			cmd.Env = append(os.Environ(), env...)
			return cmd, nil
		}),
	)
	inner := sdkclient.NewClient(tr)
	if err := inner.Start(ctx); err != nil {
		return fmt.Errorf("upstream: start stdio server %q: %w", c.cfg.Name, err)
	}
	if err := c.initialize(ctx, inner); err != nil {
		_ = inner.Close()
		return err
	}

	c.mu.Lock()
	c.inner = inner
	if cmd != nil && cmd.Process != nil {
		c.pid = cmd.Process.Pid
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) connectHTTP(ctx context.Context) error {
	inner, httpErr := c.connectStreamable(ctx)
	if httpErr != nil {
		var sseErr error
		inner, sseErr = c.connectSSE(ctx)
		if sseErr != nil {
			return fmt.Errorf("upstream: connect %q: streamable HTTP failed (%v), SSE fallback failed: %w",
				c.cfg.Name, httpErr, sseErr)
		}
	}
	c.mu.Lock()
	c.inner = inner
	c.mu.Unlock()
	return nil
}

func (c *Client) connectStreamable(ctx context.Context) (*sdkclient.Client, error) {
	var opts []transport.StreamableHTTPCOption
	if len(c.cfg.Headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(c.cfg.Headers))
	}
	inner, err := sdkclient.NewStreamableHttpClient(c.cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	if err := inner.Start(ctx); err != nil {
		return nil, err
	}
	if err := c.initialize(ctx, inner); err != nil {
		_ = inner.Close()
		return nil, err
	}
	return inner, nil
}

func (c *Client) connectSSE(ctx context.Context) (*sdkclient.Client, error) {
	var opts []transport.ClientOption
	if len(c.cfg.Headers) > 0 {
		opts = append(opts, transport.WithHeaders(c.cfg.Headers))
	}
	inner, err := sdkclient.NewSSEMCPClient(c.cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	if err := inner.Start(ctx); err != nil {
		return nil, err
	}
	if err := c.initialize(ctx, inner); err != nil {
		_ = inner.Close()
		return nil, err
	}
	return inner, nil
}

func (c *Client) initialize(ctx context.Context, inner *sdkclient.Client) error {
	_, err := inner.Initialize(ctx, sdkmcp.InitializeRequest{
		Params: sdkmcp.InitializeParams{
			ProtocolVersion: sdkmcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: sdkmcp.Implementation{
				Name:    "code-broker",
				Version: "0.1.0",
			},
		},
	})
	if err != nil {
		return fmt.Errorf("upstream: initialize server %q: %w", c.cfg.Name, err)
	}
	return nil
}

// ListTools returns metadata for all tools exposed by this server.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	inner := c.connected()
	if inner == nil {
		return nil, fmt.Errorf("upstream: client %q not connected", c.cfg.Name)
	}

	result, err := inner.ListTools(ctx, sdkmcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("upstream: list tools %q: %w", c.cfg.Name, err)
	}

	tools := make([]ToolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = json.RawMessage("{}")
		}
		tools = append(tools, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

// CallTool invokes the named tool on the upstream server. The first textual
// content block is returned when present; otherwise the full result is.
//
// A server-reported tool error (IsError=true) is returned as a non-nil error
// wrapping the server-supplied message, so callers can distinguish tool
// failures from transport failures by message only, as both surface the same
// way through the proxy.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	inner := c.connected()
	if inner == nil {
		return nil, fmt.Errorf("upstream: client %q not connected", c.cfg.Name)
	}

	req := sdkmcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := inner.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("upstream: call tool %q on %q: %w", name, c.cfg.Name, err)
	}

	var firstText string
	for _, content := range result.Content {
		if tc, ok := content.(sdkmcp.TextContent); ok {
			firstText = tc.Text
			break
		}
	}

	if result.IsError {
		return nil, fmt.Errorf("upstream: tool %q returned error: %s", name, firstText)
	}
	if firstText != "" {
		return firstText, nil
	}
	return result, nil
}

// PID returns the stdio child's process id, or 0 for HTTP servers.
func (c *Client) PID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pid
}

// Name returns the configured server name.
func (c *Client) Name() string {
	return c.cfg.Name
}

// Close terminates the connection and releases transport resources.
func (c *Client) Close() error {
	c.mu.Lock()
	inner := c.inner
	c.inner = nil
	c.mu.Unlock()

	if inner == nil {
		return nil
	}
	return inner.Close()
}

func (c *Client) connected() *sdkclient.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inner
}
