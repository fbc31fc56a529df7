package upstream

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// configFile mirrors the top-level structure of the MCP servers config.
type configFile struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// ServerConfig describes one upstream MCP server. It is a tagged variant:
// a stdio server carries Command/Args/Env, a streaming-HTTP server carries
// URL/Headers (Type "http"). The Name field is populated from the map key,
// not from any JSON field.
type ServerConfig struct {
	Name    string            `json:"-"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Type    string            `json:"type,omitempty"`
}

// IsHTTP reports whether the descriptor selects the streaming-HTTP transport.
func (c ServerConfig) IsHTTP() bool {
	return c.URL != ""
}

// EnvSlice renders the environment overlay as KEY=VALUE pairs in a stable
// order, the form the stdio transport expects.
func (c ServerConfig) EnvSlice() []string {
	if len(c.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+c.Env[k])
	}
	return out
}

// Validate rejects descriptors that select neither or both transports.
func (c ServerConfig) Validate() error {
	switch {
	case c.Command == "" && c.URL == "":
		return fmt.Errorf("upstream: server %q has neither command nor url", c.Name)
	case c.Command != "" && c.URL != "":
		return fmt.Errorf("upstream: server %q has both command and url", c.Name)
	}
	return nil
}

// LoadConfig reads and parses the mcpServers config file. Each entry's Name
// is populated from its map key.
func LoadConfig(path string) (map[string]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("upstream: read config %q: %w", path, err)
	}

	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("upstream: parse config %q: %w", path, err)
	}
	if file.MCPServers == nil {
		return map[string]ServerConfig{}, nil
	}

	for key, cfg := range file.MCPServers {
		cfg.Name = key
		file.MCPServers[key] = cfg
	}
	return file.MCPServers, nil
}
