package broker

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/codebroker/code-broker/internal/sandbox"
	"github.com/codebroker/code-broker/internal/schemacache"
	"github.com/codebroker/code-broker/internal/upstream"
)

type nullPool struct{}

func (nullPool) CallTool(ctx context.Context, fullName string, params map[string]any) (any, error) {
	return "ok", nil
}

func (nullPool) ListAllToolSchemas(ctx context.Context, cache upstream.SchemaSource) []upstream.ToolDescriptor {
	return nil
}

type nullCache struct{}

func (nullCache) GetToolSchema(ctx context.Context, fullName string) (*schemacache.ToolSchema, error) {
	return nil, nil
}

func (nullCache) PrePopulate(ctx context.Context) error { return nil }

type echoRunner struct{}

func (echoRunner) Run(ctx context.Context, spec sandbox.RunSpec) (sandbox.RunOutput, error) {
	return sandbox.RunOutput{Stdout: spec.Language + ": " + spec.Code}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	orchestrator, err := sandbox.NewOrchestrator(sandbox.Config{
		Pool:   nullPool{},
		Cache:  nullCache{},
		Runner: echoRunner{},
	})
	if err != nil {
		t.Fatal(err)
	}
	return NewServer("code-broker", "test", orchestrator)
}

func callArgs(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func TestExecuteHandler_RunsCode(t *testing.T) {
	s := newTestServer(t)
	handler := s.executeHandler("python")

	result, err := handler(context.Background(), callArgs(map[string]any{"code": "print(1)"}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result.IsError {
		t.Fatalf("result = %+v", result)
	}
	text := result.Content[0].(mcp.TextContent).Text
	var decoded sandbox.Result
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		t.Fatalf("payload not JSON: %q", text)
	}
	if !decoded.Success || decoded.Output != "python: print(1)" {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.ToolCallsMade == nil || decoded.ToolCallSummary == nil {
		t.Error("result must always carry tool-call accounting fields")
	}
}

func TestExecuteHandler_RequiresCode(t *testing.T) {
	s := newTestServer(t)
	handler := s.executeHandler("typescript")

	result, err := handler(context.Background(), callArgs(map[string]any{}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !result.IsError {
		t.Error("missing code should produce a tool error")
	}
	if text := result.Content[0].(mcp.TextContent).Text; !strings.Contains(text, "code") {
		t.Errorf("error text = %q", text)
	}
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t)
	result, err := s.healthHandler(context.Background(), callArgs(nil))
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	text := result.Content[0].(mcp.TextContent).Text
	var decoded map[string]any
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["status"] != "ok" {
		t.Errorf("health = %v", decoded)
	}
}
