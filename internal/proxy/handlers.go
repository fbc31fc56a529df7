package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codebroker/code-broker/internal/audit"
	"github.com/codebroker/code-broker/internal/schema"
	"github.com/codebroker/code-broker/internal/schemacache"
	"github.com/codebroker/code-broker/internal/track"
	"github.com/codebroker/code-broker/internal/upstream"
)

const (
	maxSearchTermLength = 100
	maxBodyBytes        = 1 << 20
)

// searchTermPattern is the only alphabet accepted for ?q= values.
var searchTermPattern = regexp.MustCompile(`^[A-Za-z0-9 _\-]+$`)

type executeRequest struct {
	ToolName string         `json:"toolName"`
	Params   map[string]any `json:"params"`
}

// handleExecute runs one upstream tool on behalf of the sandbox:
// authn → allowlist → rate limit (only with a "/" override) → schema
// validation → forward → respond. The tracker record and the tool_call audit
// entry are written only after the forwarding attempt; auth failures and
// rate-limit rejections get their own audit entries.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	correlationID := uuid.NewString()
	if !s.authenticated(w, r, correlationID) {
		return
	}

	var req executeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": fmt.Sprintf("invalid request body: %v", err),
		})
		return
	}
	if req.ToolName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "toolName is required",
		})
		return
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}

	if !s.allow.IsAllowed(req.ToolName) {
		var allowed any = s.allow.GetAllowedTools()
		if len(s.allow.GetAllowedTools()) == 0 {
			allowed = "(empty — no tools allowed)"
		}
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":        fmt.Sprintf("Tool '%s' not in allowlist", req.ToolName),
			"allowedTools": allowed,
			"suggestion":   fmt.Sprintf("Add '%s' to allowedTools array", req.ToolName),
		})
		return
	}

	// Tool execution is unlimited unless an override for "/" is configured.
	if s.limiter.HasOverride("/") {
		if d := s.limiter.CheckLimit(s.clientID, "/"); !d.Allowed {
			s.auditLog(audit.Entry{
				CorrelationID: correlationID,
				EventType:     audit.EventRateLimited,
				ClientID:      audit.HashValue(s.clientID),
				ToolName:      req.ToolName,
				Status:        audit.StatusRejected,
			})
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":      "rate limit exceeded for tool execution",
				"retryAfter": d.RetryAfter,
				"limit":      d.Limit,
				"window":     d.WindowSeconds,
			})
			return
		}
	}

	// Validate against the cached schema when one is available. A cache
	// failure downgrades to forwarding unvalidated: the upstream server
	// still enforces its own schema.
	if cached, err := s.cache.GetToolSchema(r.Context(), req.ToolName); err == nil && cached != nil && len(cached.InputSchema) > 0 {
		if v, err := schema.Compile(cached.InputSchema); err == nil {
			if res := v.Validate(req.Params); !res.Valid {
				writeJSON(w, http.StatusBadRequest, map[string]any{
					"error": schema.FormatErrors(req.ToolName, res, req.Params),
				})
				return
			}
		}
	}

	start := time.Now()
	var result any
	call := func() error {
		var err error
		result, err = s.pool.CallTool(r.Context(), req.ToolName, req.Params)
		return err
	}
	var callErr error
	if s.connPool != nil {
		callErr = s.connPool.Execute(r.Context(), call)
	} else {
		callErr = call()
	}
	durationMs := time.Since(start).Milliseconds()

	entry := audit.Entry{
		CorrelationID: correlationID,
		EventType:     audit.EventToolCall,
		ClientID:      audit.HashValue(s.clientID),
		ClientIP:      clientIP(r),
		ToolName:      req.ToolName,
		ParamsHash:    audit.HashParams(req.Params),
		LatencyMs:     durationMs,
	}
	record := track.Call{
		ToolName:   req.ToolName,
		DurationMs: durationMs,
		Timestamp:  start,
	}

	if callErr != nil {
		record.Status = track.StatusError
		record.ErrorMessage = callErr.Error()
		s.tracker.Record(record)
		entry.Status = audit.StatusFailure
		entry.ErrorMessage = callErr.Error()
		s.auditLog(entry)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": callErr.Error(),
		})
		return
	}

	record.Status = track.StatusSuccess
	s.tracker.Record(record)
	entry.Status = audit.StatusSuccess
	s.auditLog(entry)
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

// handleDiscovery lists the tools reachable through the proxy.
//
// The allowlist is intentionally bypassed here: this endpoint returns
// read-only metadata (name, description, parameter schema) and never
// executes anything. The sandbox is expected to discover broadly and then be
// stopped at POST / for tools it may not invoke — that separation is what
// lets an agent ask "what could I request access to?".
func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	correlationID := uuid.NewString()
	if !s.authenticated(w, r, correlationID) {
		return
	}

	d := s.limiter.CheckLimit(s.clientID, "/mcp/tools")
	if !d.Allowed {
		s.auditLog(audit.Entry{
			CorrelationID: correlationID,
			EventType:     audit.EventRateLimited,
			ClientID:      audit.HashValue(s.clientID),
			ClientIP:      clientIP(r),
			Status:        audit.StatusRejected,
		})
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":      "rate limit exceeded for tool discovery",
			"retryAfter": d.RetryAfter,
			"limit":      d.Limit,
			"window":     d.WindowSeconds,
		})
		return
	}

	terms := r.URL.Query()["q"]
	for _, term := range terms {
		if len(term) > maxSearchTermLength || !searchTermPattern.MatchString(term) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error": fmt.Sprintf("invalid search term %q: up to %d characters from [A-Za-z0-9 _-]", term, maxSearchTermLength),
			})
			return
		}
	}

	// Race the schema fan-out against the discovery timeout. The fan-out
	// keeps a detached context so that on timeout the pending fetches still
	// land in the cache for the next request.
	fetchCtx := context.WithoutCancel(r.Context())
	resultCh := make(chan []upstream.ToolDescriptor, 1)
	go func() {
		resultCh <- s.pool.ListAllToolSchemas(fetchCtx, s.cache)
	}()

	timer := time.NewTimer(s.discoveryTimeout)
	defer timer.Stop()

	var tools []upstream.ToolDescriptor
	select {
	case tools = <-resultCh:
	case <-timer.C:
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": "tool discovery timed out",
		})
		return
	}

	tools = filterTools(tools, terms)
	s.auditLog(audit.Entry{
		CorrelationID: correlationID,
		EventType:     audit.EventDiscovery,
		ClientID:      audit.HashValue(s.clientID),
		ClientIP:      clientIP(r),
		Status:        audit.StatusSuccess,
		Metadata: map[string]any{
			"searchTerms": terms,
			"resultCount": len(tools),
		},
	})
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

// filterTools keeps tools whose name or description contains at least one of
// the keywords (OR semantics, case-insensitive substring match). No keywords
// means no filtering.
func filterTools(tools []upstream.ToolDescriptor, terms []string) []upstream.ToolDescriptor {
	if tools == nil {
		tools = []upstream.ToolDescriptor{}
	}
	if len(terms) == 0 {
		return tools
	}
	lowered := make([]string, len(terms))
	for i, t := range terms {
		lowered[i] = strings.ToLower(t)
	}
	kept := make([]upstream.ToolDescriptor, 0, len(tools))
	for _, tool := range tools {
		haystack := strings.ToLower(tool.Name + " " + tool.Description)
		for _, term := range lowered {
			if strings.Contains(haystack, term) {
				kept = append(kept, tool)
				break
			}
		}
	}
	return kept
}

// handleMetrics is the optional authenticated observability snapshot.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	correlationID := uuid.NewString()
	if !s.authenticated(w, r, correlationID) {
		return
	}

	snapshot := map[string]any{
		"rateLimiter": s.limiter.GetStats(s.clientID),
		"toolCalls":   s.tracker.GetSummary(),
	}
	if s.connPool != nil {
		snapshot["connectionPool"] = s.connPool.GetStats()
	}
	if statser, ok := s.cache.(interface{ GetStats() schemacache.Stats }); ok {
		snapshot["schemaCache"] = statser.GetStats()
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error":  fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path),
		"routes": []string{"POST /", "GET /mcp/tools", "GET /metrics"},
	})
}

// authenticated verifies the bearer token, answering 401 and recording an
// auth_failure audit entry on mismatch. The 401 body explains the expected
// header but never echoes the token or any cache state.
func (s *Server) authenticated(w http.ResponseWriter, r *http.Request, correlationID string) bool {
	if checkAuth(r, s.token) {
		return true
	}
	s.auditLog(audit.Entry{
		CorrelationID: correlationID,
		EventType:     audit.EventAuthFailure,
		ClientIP:      clientIP(r),
		Status:        audit.StatusRejected,
	})
	writeJSON(w, http.StatusUnauthorized, map[string]any{
		"error": "unauthorized",
		"hint":  "send the execution's bearer token as: Authorization: Bearer <token>",
	})
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[Proxy] encode response: %v", err)
	}
}
