// Package config loads the broker's environment and settings file.
package config

import (
	"log"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadEnv loads environment variables from a .env file.
//
// Search order (stops at the first file found):
//  1. Explicit paths passed as arguments (test use).
//  2. The running executable's directory and up to three parents — so a
//     bin/code-broker binary finds the project-root .env.
//  3. Current working directory — fallback for `go run ./cmd/broker`.
//
// If no .env is found anywhere, the process continues with system env vars.
func LoadEnv(paths ...string) {
	if len(paths) > 0 {
		if err := godotenv.Load(paths...); err != nil {
			log.Printf("[Config] no .env at specified path(s), using system environment")
		}
		return
	}

	for _, p := range envCandidates() {
		if _, err := os.Stat(p); err == nil {
			if err := godotenv.Load(p); err != nil {
				log.Printf("[Config] load .env from %s: %v", p, err)
			} else {
				log.Printf("[Config] loaded .env from %s", p)
			}
			return
		}
	}
	log.Printf("[Config] no .env file found, using system environment")
}

// envCandidates returns the ordered list of .env paths to probe.
func envCandidates() []string {
	var candidates []string
	seen := map[string]bool{}
	add := func(p string) {
		p = filepath.Clean(p)
		if !seen[p] {
			seen[p] = true
			candidates = append(candidates, p)
		}
	}

	if exe, err := os.Executable(); err == nil {
		if real, err := filepath.EvalSymlinks(exe); err == nil {
			exe = real
		}
		dir := filepath.Dir(exe)
		for i := 0; i <= 3; i++ {
			add(filepath.Join(dir, ".env"))
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	if cwd, err := os.Getwd(); err == nil {
		add(filepath.Join(cwd, ".env"))
	}
	return candidates
}

// MCPConfigPath resolves the upstream servers config file: MCP_CONFIG when
// set, otherwise mcp.json in the working directory.
func MCPConfigPath() string {
	if p := os.Getenv("MCP_CONFIG"); p != "" {
		return p
	}
	return "mcp.json"
}

// StateDir resolves the user state directory holding the schema cache file
// and audit logs: XDG_STATE_HOME when set, else ~/.code-broker.
func StateDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "code-broker")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".code-broker"
	}
	return filepath.Join(home, ".code-broker")
}
