package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// WindowConfig is one rate-limit window in broker.yaml.
type WindowConfig struct {
	MaxRequests   int `yaml:"maxRequests"`
	WindowSeconds int `yaml:"windowSeconds"`
}

// Settings are the broker tunables read from broker.yaml. A missing file
// yields the defaults; a malformed file is a startup failure.
type Settings struct {
	DiscoveryTimeoutMs int `yaml:"discoveryTimeoutMs"`

	RateLimit struct {
		Default   WindowConfig            `yaml:"default"`
		Overrides map[string]WindowConfig `yaml:"overrides"`
	} `yaml:"rateLimit"`

	ConnPool struct {
		Max            int `yaml:"max"`
		QueueTimeoutMs int `yaml:"queueTimeoutMs"`
	} `yaml:"connPool"`

	SchemaCache struct {
		TTLHours   int `yaml:"ttlHours"`
		MaxEntries int `yaml:"maxEntries"`
	} `yaml:"schemaCache"`

	Audit struct {
		RetentionDays int `yaml:"retentionDays"`
	} `yaml:"audit"`
}

// DefaultSettings returns the stock configuration.
func DefaultSettings() Settings {
	var s Settings
	s.DiscoveryTimeoutMs = 500
	s.RateLimit.Default = WindowConfig{MaxRequests: 1000, WindowSeconds: 60}
	s.RateLimit.Overrides = map[string]WindowConfig{
		"/mcp/tools": {MaxRequests: 30, WindowSeconds: 60},
	}
	s.ConnPool.Max = 10
	s.ConnPool.QueueTimeoutMs = 5000
	s.SchemaCache.TTLHours = 24
	s.SchemaCache.MaxEntries = 1000
	s.Audit.RetentionDays = 30
	return s
}

// LoadSettings reads broker.yaml from path, overlaying the defaults.
// A missing file is fine; a malformed one fails startup.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("config: read settings %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("config: parse settings %q: %w", path, err)
	}
	return s, nil
}

// DiscoveryTimeout returns the discovery deadline as a duration.
func (s Settings) DiscoveryTimeout() time.Duration {
	return time.Duration(s.DiscoveryTimeoutMs) * time.Millisecond
}

// QueueTimeout returns the connection-queue deadline as a duration.
func (s Settings) QueueTimeout() time.Duration {
	return time.Duration(s.ConnPool.QueueTimeoutMs) * time.Millisecond
}

// CacheTTL returns the schema-cache freshness window as a duration.
func (s Settings) CacheTTL() time.Duration {
	return time.Duration(s.SchemaCache.TTLHours) * time.Hour
}
