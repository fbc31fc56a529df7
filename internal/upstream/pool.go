package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codebroker/code-broker/internal/schemacache"
)

// terminateGrace is how long a stdio child gets between SIGTERM and the
// liveness probe that decides on SIGKILL.
const terminateGrace = 2 * time.Second

// ToolRef is one entry of the pool's tool descriptor cache, built by
// enumerating each upstream's tools once at init.
type ToolRef struct {
	FullName    string
	Server      string
	ShortName   string
	Description string
}

// ToolDescriptor is the normalized discovery shape handed to the proxy.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// SchemaSource is the slice of the schema cache the pool needs for
// ListAllToolSchemas.
type SchemaSource interface {
	GetToolSchema(ctx context.Context, fullName string) (*schemacache.ToolSchema, error)
}

// toolClient is the per-server connection surface the pool routes through.
// *Client implements it; tests substitute fakes.
type toolClient interface {
	ListTools(ctx context.Context) ([]ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)
	Close() error
	PID() int
	Name() string
}

// Pool owns the connections to every configured upstream MCP server and
// routes tool calls to the right one.
//
// Concurrency model: state changes are guarded by mu; network I/O always
// happens outside the lock so a hung server cannot block Disconnect or
// unrelated calls.
type Pool struct {
	brokerName string
	newClient  func(ServerConfig) toolClient

	mu      sync.Mutex
	clients map[string]toolClient // server name → connection
	tools   map[string]ToolRef    // full tool name → descriptor
}

// NewPool creates an empty pool. brokerName is the broker's own entry name in
// the shared config; a matching entry is skipped at Connect time to prevent
// the broker from recursing into itself.
func NewPool(brokerName string) *Pool {
	return &Pool{
		brokerName: brokerName,
		newClient:  func(cfg ServerConfig) toolClient { return NewClient(cfg) },
		clients:    make(map[string]toolClient),
		tools:      make(map[string]ToolRef),
	}
}

// Connect brings up every configured server in parallel and enumerates each
// one's tools once. Partial failures are logged and tolerated; if every
// server of a non-empty config failed, Connect fails with the aggregated
// errors.
func (p *Pool) Connect(ctx context.Context, configs map[string]ServerConfig) error {
	type connResult struct {
		name  string
		cli   toolClient
		tools []ToolInfo
		err   error
	}

	pending := make([]ServerConfig, 0, len(configs))
	for name, cfg := range configs {
		if name == p.brokerName {
			log.Printf("[Upstream] skipping own entry %q to prevent self-recursion", name)
			continue
		}
		pending = append(pending, cfg)
	}
	if len(pending) == 0 {
		log.Printf("[Upstream] no upstream servers configured, running standalone")
		return nil
	}

	results := make([]connResult, len(pending))
	var wg sync.WaitGroup
	for i, cfg := range pending {
		i, cfg := i, cfg
		wg.Add(1)
		go func() {
			defer wg.Done()
			cli := p.newClient(cfg)
			if connector, ok := cli.(interface {
				Connect(context.Context) error
			}); ok {
				if err := connector.Connect(ctx); err != nil {
					results[i] = connResult{name: cfg.Name, err: err}
					return
				}
			}
			tools, err := cli.ListTools(ctx)
			if err != nil {
				_ = cli.Close()
				results[i] = connResult{name: cfg.Name, err: err}
				return
			}
			results[i] = connResult{name: cfg.Name, cli: cli, tools: tools}
		}()
	}
	wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	connected := 0
	for _, r := range results {
		if r.err != nil {
			errs = append(errs, fmt.Errorf("server %q: %w", r.name, r.err))
			log.Printf("[Upstream] connect failed: %s: %v", r.name, r.err)
			continue
		}
		p.clients[r.name] = r.cli
		for _, ti := range r.tools {
			full := FullToolName(r.name, ti.Name)
			p.tools[full] = ToolRef{
				FullName:    full,
				Server:      r.name,
				ShortName:   ti.Name,
				Description: ti.Description,
			}
		}
		connected++
		log.Printf("[Upstream] connected: %s (%d tool(s))", r.name, len(r.tools))
	}

	if connected == 0 {
		return fmt.Errorf("upstream: every configured server failed to connect: %w", errors.Join(errs...))
	}
	return nil
}

// ListAllTools enumerates the tool descriptor cache. No I/O.
func (p *Pool) ListAllTools() []ToolRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ToolRef, 0, len(p.tools))
	for _, ref := range p.tools {
		out = append(out, ref)
	}
	return out
}

// ListToolNames enumerates every known fully-qualified tool name.
// Part of the schemacache.Provider contract.
func (p *Pool) ListToolNames(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.tools))
	for name := range p.tools {
		names = append(names, name)
	}
	return names, nil
}

// FetchToolSchema returns the input schema of one tool by asking its owning
// server for a fresh tool list, or nil when the tool is unknown.
// Part of the schemacache.Provider contract.
func (p *Pool) FetchToolSchema(ctx context.Context, fullName string) (*schemacache.ToolSchema, error) {
	p.mu.Lock()
	ref, known := p.tools[fullName]
	cli := p.clients[ref.Server]
	p.mu.Unlock()

	if !known || cli == nil {
		return nil, nil
	}
	tools, err := cli.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("upstream: fetch schema for %s: %w", fullName, err)
	}
	for _, ti := range tools {
		if ti.Name == ref.ShortName {
			return &schemacache.ToolSchema{
				Name:        fullName,
				Description: ti.Description,
				InputSchema: ti.InputSchema,
			}, nil
		}
	}
	return nil, nil
}

// CallTool validates the name shape, routes to the owning server, and
// invokes the upstream tool.
func (p *Pool) CallTool(ctx context.Context, fullName string, params map[string]any) (any, error) {
	server, short, err := ParseToolName(fullName)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	cli := p.clients[server]
	p.mu.Unlock()
	if cli == nil {
		return nil, fmt.Errorf("upstream: no connected server %q for tool %s", server, fullName)
	}

	result, err := cli.CallTool(ctx, short, params)
	if err != nil {
		return nil, fmt.Errorf("failed to execute tool %s: %w", fullName, err)
	}
	return result, nil
}

// ListAllToolSchemas fans out schema lookups over every known tool in
// parallel through the given cache. Per-tool failures are logged and the
// entry is omitted, so one sick server cannot empty the discovery response.
func (p *Pool) ListAllToolSchemas(ctx context.Context, cache SchemaSource) []ToolDescriptor {
	p.mu.Lock()
	names := make([]string, 0, len(p.tools))
	descriptions := make(map[string]string, len(p.tools))
	for name, ref := range p.tools {
		names = append(names, name)
		descriptions[name] = ref.Description
	}
	p.mu.Unlock()

	var (
		outMu sync.Mutex
		out   = make([]ToolDescriptor, 0, len(names))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, name := range names {
		name := name
		g.Go(func() error {
			schema, err := cache.GetToolSchema(gctx, name)
			if err != nil {
				log.Printf("[Upstream] schema lookup failed for %s: %v", name, err)
				return nil
			}
			if schema == nil {
				return nil
			}
			desc := schema.Description
			if desc == "" {
				desc = descriptions[name]
			}
			outMu.Lock()
			out = append(out, ToolDescriptor{
				Name:        name,
				Description: desc,
				Parameters:  schema.InputSchema,
			})
			outMu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // goroutines never return errors; Wait only synchronizes
	return out
}

// Disconnect closes every client concurrently. Each stdio child gets a
// graceful SIGTERM, a 2-second grace period, a liveness probe, and a SIGKILL
// if it is still running. Vanished processes are ignored.
func (p *Pool) Disconnect() {
	p.mu.Lock()
	clients := make([]toolClient, 0, len(p.clients))
	for _, cli := range p.clients {
		clients = append(clients, cli)
	}
	p.clients = make(map[string]toolClient)
	p.tools = make(map[string]ToolRef)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, cli := range clients {
		cli := cli
		wg.Add(1)
		go func() {
			defer wg.Done()
			if pid := cli.PID(); pid > 0 {
				terminateChild(pid)
			}
			if err := cli.Close(); err != nil {
				log.Printf("[Upstream] close %q: %v", cli.Name(), err)
			}
		}()
	}
	wg.Wait()
	log.Printf("[Upstream] all connections closed")
}

// terminateChild runs the shutdown ladder for one child process:
// SIGTERM → wait → probe with signal 0 → SIGKILL. Errors from already-gone
// processes are ignored.
func terminateChild(pid int) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = proc.Kill()
		return
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return // already exited
	}
	time.Sleep(terminateGrace)
	if proc.Signal(syscall.Signal(0)) == nil {
		_ = proc.Signal(syscall.SIGKILL)
	}
}
