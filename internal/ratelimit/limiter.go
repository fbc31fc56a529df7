// Package ratelimit implements a per-client sliding-window request counter
// with optional per-endpoint overrides. The window genuinely slides: each
// decision prunes timestamps older than the window before counting, so a
// burst straddling a fixed boundary cannot double the budget.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Config is one window definition.
type Config struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultDiscovery is the stock budget for the discovery endpoint.
var DefaultDiscovery = Config{MaxRequests: 30, Window: 60 * time.Second}

// Decision is the outcome of a single CheckLimit call.
type Decision struct {
	Allowed       bool
	Remaining     int
	RetryAfter    int // seconds until the oldest request leaves the window; 0 when allowed
	Limit         int
	WindowSeconds int
}

// Stats is a read-only snapshot of one client's buckets.
type Stats struct {
	// Requests maps bucket key (clientID or clientID:endpoint) to the number
	// of requests currently inside the window.
	Requests map[string]int
}

// Limiter tracks request timestamps per (client, endpoint) bucket.
// Buckets are independent and each carries its own lock so a hot client
// cannot serialize unrelated clients.
type Limiter struct {
	defaults  Config
	overrides map[string]Config // endpoint path → replacement config

	mu      sync.RWMutex
	buckets map[string]*bucket

	now func() time.Time // injectable for tests
}

type bucket struct {
	mu     sync.Mutex
	stamps []time.Time
}

// New creates a Limiter with the given default window. Overrides, when
// present for an endpoint, fully replace the defaults for that endpoint.
func New(defaults Config, overrides map[string]Config) *Limiter {
	return &Limiter{
		defaults:  defaults,
		overrides: overrides,
		buckets:   make(map[string]*bucket),
		now:       time.Now,
	}
}

// CheckLimit decides whether clientID may issue one more request against
// endpoint (empty string selects the default budget).
func (l *Limiter) CheckLimit(clientID, endpoint string) Decision {
	cfg := l.defaults
	key := clientID
	if endpoint != "" {
		key = clientID + ":" + endpoint
		if o, ok := l.overrides[endpoint]; ok {
			cfg = o
		}
	}
	if cfg.MaxRequests <= 0 {
		// Unlimited endpoint: nothing to record.
		return Decision{Allowed: true, Remaining: math.MaxInt32, Limit: 0}
	}

	b := l.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-cfg.Window)
	live := b.stamps[:0]
	for _, ts := range b.stamps {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}
	b.stamps = live

	if len(b.stamps) < cfg.MaxRequests {
		b.stamps = append(b.stamps, now)
		return Decision{
			Allowed:       true,
			Remaining:     cfg.MaxRequests - len(b.stamps),
			Limit:         cfg.MaxRequests,
			WindowSeconds: int(cfg.Window.Seconds()),
		}
	}

	oldest := b.stamps[0]
	retry := int(math.Ceil(oldest.Add(cfg.Window).Sub(now).Seconds()))
	if retry < 1 {
		retry = 1
	}
	return Decision{Allowed: false, Remaining: 0, RetryAfter: retry, Limit: cfg.MaxRequests, WindowSeconds: int(cfg.Window.Seconds())}
}

// HasOverride reports whether a per-endpoint override is configured for
// endpoint. Callers use this to decide whether an endpoint participates in
// rate limiting at all.
func (l *Limiter) HasOverride(endpoint string) bool {
	_, ok := l.overrides[endpoint]
	return ok
}

// Reset drops every bucket belonging to clientID, including all of its
// per-endpoint buckets.
func (l *Limiter) Reset(clientID string) {
	prefix := clientID + ":"
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.buckets {
		if key == clientID || len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(l.buckets, key)
		}
	}
}

// GetStats returns the live in-window request counts for clientID's buckets.
func (l *Limiter) GetStats(clientID string) Stats {
	prefix := clientID + ":"
	now := l.now()
	stats := Stats{Requests: make(map[string]int)}

	l.mu.RLock()
	keys := make([]string, 0, len(l.buckets))
	for key := range l.buckets {
		if key == clientID || len(key) > len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}
	l.mu.RUnlock()

	for _, key := range keys {
		b := l.bucket(key)
		cfg := l.configFor(key, clientID)
		b.mu.Lock()
		n := 0
		cutoff := now.Add(-cfg.Window)
		for _, ts := range b.stamps {
			if ts.After(cutoff) {
				n++
			}
		}
		b.mu.Unlock()
		stats.Requests[key] = n
	}
	return stats
}

func (l *Limiter) configFor(key, clientID string) Config {
	if len(key) > len(clientID)+1 {
		endpoint := key[len(clientID)+1:]
		if o, ok := l.overrides[endpoint]; ok {
			return o
		}
	}
	return l.defaults
}

func (l *Limiter) bucket(key string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	b = &bucket{}
	l.buckets[key] = b
	return b
}
