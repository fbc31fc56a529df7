// Package broker exposes the agent-facing MCP surface: exactly two
// executable tools (execute_typescript, execute_python) and one health tool.
// Discovery helpers are injected into the sandbox by the orchestrator and
// are deliberately never published as top-level MCP tools — progressive
// disclosure keeps the agent's tool list at three entries no matter how many
// upstream tools exist.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/codebroker/code-broker/internal/sandbox"
)

// executeSchema is the input contract of both execute tools.
const executeSchema = `{
	"type": "object",
	"required": ["code"],
	"properties": {
		"code": {"type": "string", "description": "Source code to run in the sandbox"},
		"allowedTools": {"type": "array", "items": {"type": "string"}, "description": "Fully-qualified MCP tool names (mcp__server__tool) the code may invoke"},
		"timeoutMs": {"type": "integer", "minimum": 1, "description": "Execution deadline in milliseconds"},
		"networkHosts": {"type": "array", "items": {"type": "string"}, "description": "Extra hosts the sandbox may reach"}
	},
	"additionalProperties": false
}`

// Server is the outer MCP server.
type Server struct {
	orchestrator *sandbox.Orchestrator
	mcpServer    *mcpserver.MCPServer
	startedAt    time.Time
}

// NewServer registers the three-tool surface on top of the orchestrator.
func NewServer(name, version string, orchestrator *sandbox.Orchestrator) *Server {
	s := &Server{
		orchestrator: orchestrator,
		mcpServer: mcpserver.NewMCPServer(
			name,
			version,
			mcpserver.WithToolCapabilities(true),
			mcpserver.WithRecovery(),
		),
		startedAt: time.Now(),
	}

	s.mcpServer.AddTool(
		mcp.NewToolWithRawSchema("execute_typescript",
			"Run TypeScript in a restricted sandbox with access to allowlisted MCP tools",
			json.RawMessage(executeSchema)),
		s.executeHandler("typescript"),
	)
	s.mcpServer.AddTool(
		mcp.NewToolWithRawSchema("execute_python",
			"Run Python in a restricted sandbox with access to allowlisted MCP tools",
			json.RawMessage(executeSchema)),
		s.executeHandler("python"),
	)
	s.mcpServer.AddTool(
		mcp.NewToolWithRawSchema("health",
			"Report broker liveness and uptime",
			json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`)),
		s.healthHandler,
	)
	return s
}

// Serve runs the stdio transport until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

type executeArgs struct {
	Code         string   `json:"code"`
	AllowedTools []string `json:"allowedTools"`
	TimeoutMs    int64    `json:"timeoutMs"`
	NetworkHosts []string `json:"networkHosts"`
}

func (s *Server) executeHandler(language string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := json.Marshal(request.GetArguments())
		if err != nil {
			return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		var args executeArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		if args.Code == "" {
			return errorResult("code is required"), nil
		}

		result := s.orchestrator.Execute(ctx, sandbox.Request{
			Language:     language,
			Code:         args.Code,
			AllowedTools: args.AllowedTools,
			TimeoutMs:    args.TimeoutMs,
			NetworkHosts: args.NetworkHosts,
		})
		payload, err := json.Marshal(result)
		if err != nil {
			return errorResult(fmt.Sprintf("encode result: %v", err)), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
			IsError: !result.Success,
		}, nil
	}
}

func (s *Server) healthHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	payload, _ := json.Marshal(map[string]any{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
	})
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(payload))},
	}, nil
}

func errorResult(message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(message)},
		IsError: true,
	}
}
