// Package proxy implements the per-execution loopback HTTP server that
// mediates tool invocation and tool discovery for sandboxed code. Every
// request is bearer-authenticated; execution is gated by the allowlist and
// the tool's schema, discovery by the sliding-window rate limiter.
package proxy

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/codebroker/code-broker/internal/audit"
	"github.com/codebroker/code-broker/internal/connpool"
	"github.com/codebroker/code-broker/internal/ratelimit"
	"github.com/codebroker/code-broker/internal/schemacache"
	"github.com/codebroker/code-broker/internal/track"
	"github.com/codebroker/code-broker/internal/upstream"
)

// DefaultDiscoveryTimeout bounds the schema fan-out behind GET /mcp/tools.
const DefaultDiscoveryTimeout = 500 * time.Millisecond

// UpstreamPool is the slice of the upstream client pool the proxy uses.
type UpstreamPool interface {
	CallTool(ctx context.Context, fullName string, params map[string]any) (any, error)
	ListAllToolSchemas(ctx context.Context, cache upstream.SchemaSource) []upstream.ToolDescriptor
}

// SchemaCache is the slice of the schema cache the proxy uses.
type SchemaCache interface {
	GetToolSchema(ctx context.Context, fullName string) (*schemacache.ToolSchema, error)
	PrePopulate(ctx context.Context) error
}

// Config wires a Server. Pool, Cache, Allowlist, Limiter and Tracker are
// required; Audit and ConnPool are optional.
type Config struct {
	Pool             UpstreamPool
	Cache            SchemaCache
	Allowlist        *Allowlist
	Limiter          *ratelimit.Limiter
	Tracker          *track.Tracker
	Audit            *audit.Logger
	ConnPool         *connpool.Pool
	DiscoveryTimeout time.Duration
	ClientID         string // fixed client key; the proxy is single-client per execution
}

// Handle is what Start resolves with: where the proxy listens and the bearer
// token the sandbox must present.
type Handle struct {
	Port      int
	AuthToken string
}

// Server is one execution's proxy. Create with NewServer, run with Start,
// always tear down with Stop.
type Server struct {
	pool             UpstreamPool
	cache            SchemaCache
	allow            *Allowlist
	limiter          *ratelimit.Limiter
	tracker          *track.Tracker
	auditor          *audit.Logger
	connPool         *connpool.Pool
	discoveryTimeout time.Duration
	clientID         string

	token    string
	httpSrv  *http.Server
	listener net.Listener
	port     int
}

// NewServer builds a proxy from cfg, applying defaults for the discovery
// timeout and client key.
func NewServer(cfg Config) *Server {
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "sandbox"
	}
	return &Server{
		pool:             cfg.Pool,
		cache:            cfg.Cache,
		allow:            cfg.Allowlist,
		limiter:          cfg.Limiter,
		tracker:          cfg.Tracker,
		auditor:          cfg.Audit,
		connPool:         cfg.ConnPool,
		discoveryTimeout: cfg.DiscoveryTimeout,
		clientID:         cfg.ClientID,
	}
}

// Start pre-populates the schema cache (best-effort), binds an ephemeral
// port on loopback — never 0.0.0.0 — and begins serving. A bind failure
// fails Start rather than hanging the caller.
func (s *Server) Start(ctx context.Context) (Handle, error) {
	if err := s.cache.PrePopulate(ctx); err != nil {
		log.Printf("[Proxy] schema cache pre-populate: %v", err)
	}

	token, err := newAuthToken()
	if err != nil {
		return Handle{}, err
	}
	s.token = token

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return Handle{}, fmt.Errorf("proxy: bind loopback: %w", err)
	}
	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port

	s.httpSrv = &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("[Proxy] serve: %v", err)
		}
	}()

	log.Printf("[Proxy] listening on 127.0.0.1:%d", s.port)
	return Handle{Port: s.port, AuthToken: token}, nil
}

// Stop closes the server gracefully, force-closing lingering keep-alive
// connections after one second.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return s.httpSrv.Close()
	}
	return nil
}

// Port returns the bound port (0 before Start).
func (s *Server) Port() int {
	return s.port
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleExecute).Methods(http.MethodPost)
	r.HandleFunc("/mcp/tools", s.handleDiscovery).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(s.handleNotFound)
	return r
}

// auditLog writes entry when an audit logger is wired, logging failures.
func (s *Server) auditLog(entry audit.Entry) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Log(entry); err != nil {
		log.Printf("[Proxy] audit write: %v", err)
	}
}
