// Package sandbox orchestrates one code execution: it vets the requested
// network permissions, brings up the per-execution proxy with a fresh bearer
// token, stamps the runner environment, runs the code under the caller's
// timeout, and aggregates output and tool-call accounting into the result
// returned to the agent. Teardown of every per-execution resource is
// guaranteed on all exit paths.
package sandbox

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codebroker/code-broker/internal/audit"
	"github.com/codebroker/code-broker/internal/connpool"
	"github.com/codebroker/code-broker/internal/netfilter"
	"github.com/codebroker/code-broker/internal/proxy"
	"github.com/codebroker/code-broker/internal/ratelimit"
	"github.com/codebroker/code-broker/internal/track"
)

// DefaultTimeout applies when the caller does not supply timeoutMs.
const DefaultTimeout = 30 * time.Second

// Request is one execution submitted by the agent.
type Request struct {
	Language     string
	Code         string
	AllowedTools []string
	TimeoutMs    int64
	NetworkHosts []string // extra hosts the sandbox may reach; vetted for SSRF
}

// Result is returned to the outer MCP tool handler.
type Result struct {
	Success         bool            `json:"success"`
	Output          string          `json:"output"`
	Error           string          `json:"error,omitempty"`
	ExecutionTimeMs int64           `json:"executionTimeMs"`
	ToolCallsMade   []string        `json:"toolCallsMade"`
	ToolCallSummary []track.Summary `json:"toolCallSummary"`
}

// Config wires an Orchestrator. Pool, Cache, and Runner are required.
type Config struct {
	Pool             proxy.UpstreamPool
	Cache            proxy.SchemaCache
	Audit            *audit.Logger
	ConnPool         *connpool.Pool
	Runner           Runner
	DiscoveryTimeout time.Duration
	RateLimit        ratelimit.Config            // default budget for endpoints without an override
	RateOverrides    map[string]ratelimit.Config // per-endpoint replacements
}

// Orchestrator runs executions against the shared upstream pool and schema
// cache. Everything else — proxy, allowlist, tracker, rate limiter — is
// created fresh per execution and never shared.
type Orchestrator struct {
	cfg Config
}

// NewOrchestrator validates cfg and creates an orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Pool == nil || cfg.Cache == nil || cfg.Runner == nil {
		return nil, fmt.Errorf("sandbox: pool, cache, and runner are required")
	}
	if cfg.RateLimit.MaxRequests == 0 {
		cfg.RateLimit = ratelimit.Config{MaxRequests: 1000, Window: time.Minute}
	}
	if cfg.RateOverrides == nil {
		cfg.RateOverrides = map[string]ratelimit.Config{
			"/mcp/tools": ratelimit.DefaultDiscovery,
		}
	}
	return &Orchestrator{cfg: cfg}, nil
}

// Execute runs one request end to end. It never returns an error: every
// failure mode is folded into the Result so the agent always gets the
// tool-call accounting gathered so far.
func (o *Orchestrator) Execute(ctx context.Context, req Request) Result {
	start := time.Now()

	if perm := netfilter.ValidateNetworkPermissions(req.NetworkHosts); !perm.Valid {
		return Result{
			Success: false,
			Error: fmt.Sprintf("blocked network hosts: %s (internal and metadata addresses are not reachable from the sandbox)",
				strings.Join(perm.BlockedHosts, ", ")),
			ExecutionTimeMs: time.Since(start).Milliseconds(),
			ToolCallsMade:   []string{},
			ToolCallSummary: []track.Summary{},
		}
	}

	execID := uuid.NewString()
	tracker := track.NewTracker()
	limiter := ratelimit.New(o.cfg.RateLimit, o.cfg.RateOverrides)

	srv := proxy.NewServer(proxy.Config{
		Pool:             o.cfg.Pool,
		Cache:            o.cfg.Cache,
		Allowlist:        proxy.NewAllowlist(req.AllowedTools),
		Limiter:          limiter,
		Tracker:          tracker,
		Audit:            o.cfg.Audit,
		ConnPool:         o.cfg.ConnPool,
		DiscoveryTimeout: o.cfg.DiscoveryTimeout,
		ClientID:         execID,
	})
	handle, err := srv.Start(ctx)
	if err != nil {
		return Result{
			Success:         false,
			Error:           fmt.Sprintf("failed to start tool proxy: %v", err),
			ExecutionTimeMs: time.Since(start).Milliseconds(),
			ToolCallsMade:   []string{},
			ToolCallSummary: []track.Summary{},
		}
	}
	defer func() {
		if err := srv.Stop(context.Background()); err != nil {
			log.Printf("[Sandbox] proxy stop: %v", err)
		}
	}()

	timeout := DefaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, runErr := o.cfg.Runner.Run(runCtx, RunSpec{
		Language: req.Language,
		Code:     req.Code,
		Env: map[string]string{
			"MCP_PROXY_PORT":       strconv.Itoa(handle.Port),
			"MCP_PROXY_AUTH_TOKEN": handle.AuthToken,
			"MCP_TIMEOUT_MS":       strconv.FormatInt(timeout.Milliseconds(), 10),
		},
	})

	result := Result{
		Output:          out.Stdout,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		ToolCallsMade:   tracker.GetUniqueCalls(),
		ToolCallSummary: tracker.GetSummary(),
	}
	if result.ToolCallsMade == nil {
		result.ToolCallsMade = []string{}
	}
	if result.ToolCallSummary == nil {
		result.ToolCallSummary = []track.Summary{}
	}

	switch {
	case runErr != nil && runCtx.Err() != nil:
		result.Error = fmt.Sprintf("execution timed out after %dms", timeout.Milliseconds())
	case runErr != nil:
		result.Error = runErr.Error()
	case out.ExitCode != 0:
		result.Error = fmt.Sprintf("code exited with status %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	default:
		result.Success = true
	}
	return result
}
