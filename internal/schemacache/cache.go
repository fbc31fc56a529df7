// Package schemacache stores upstream tool schemas with a TTL, an LRU size
// bound, disk persistence, and request coalescing. It sits between the
// per-execution proxy and the upstream client pool so repeated validations
// do not fan out to the MCP fleet.
package schemacache

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL bounds how long a fetched schema is considered fresh.
	DefaultTTL = 24 * time.Hour
	// DefaultMaxEntries caps the cache size; least-recently-used entries are
	// evicted beyond it.
	DefaultMaxEntries = 1000
)

// ToolSchema is the cached shape of one tool's metadata.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Provider fetches schemas from the upstream pool on cache misses.
type Provider interface {
	// FetchToolSchema returns the schema for a fully-qualified tool name, or
	// nil when the tool is unknown upstream.
	FetchToolSchema(ctx context.Context, fullName string) (*ToolSchema, error)
	// ListToolNames enumerates every known fully-qualified tool name.
	ListToolNames(ctx context.Context) ([]string, error)
}

// Stats is a read-only snapshot of cache counters.
type Stats struct {
	Entries     int           `json:"entries"`
	MaxEntries  int           `json:"maxEntries"`
	TTL         time.Duration `json:"ttl"`
	Hits        int64         `json:"hits"`
	Misses      int64         `json:"misses"`
	Evictions   int64         `json:"evictions"`
	StaleServed int64         `json:"staleServed"`
}

type cacheEntry struct {
	Schema    ToolSchema `json:"schema"`
	FetchedAt int64      `json:"fetchedAt"` // unix milliseconds
	ExpiresAt int64      `json:"expiresAt"`
}

// Cache is the process-wide schema store. Safe for concurrent use.
type Cache struct {
	provider Provider
	ttl      time.Duration
	max      int
	path     string // disk persistence location; empty disables persistence

	mu      sync.Mutex
	entries map[string]*list.Element // full tool name → LRU element
	lru     *list.List               // front = most recently used; values are *lruItem

	persistMu sync.Mutex // serializes file writes so snapshots never interleave
	group     singleflight.Group

	hits, misses, evictions, staleServed int64

	now func() time.Time
}

type lruItem struct {
	name  string
	entry *cacheEntry
}

// Option tweaks a Cache at construction.
type Option func(*Cache)

// WithTTL overrides the default freshness window.
func WithTTL(ttl time.Duration) Option { return func(c *Cache) { c.ttl = ttl } }

// WithMaxEntries overrides the LRU capacity.
func WithMaxEntries(n int) Option { return func(c *Cache) { c.max = n } }

// New creates a cache backed by provider, persisting to path (empty path
// keeps the cache memory-only).
func New(provider Provider, path string, opts ...Option) *Cache {
	c := &Cache{
		provider: provider,
		ttl:      DefaultTTL,
		max:      DefaultMaxEntries,
		path:     path,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetToolSchema returns the schema for fullName, fetching on miss. Concurrent
// callers for the same name share one upstream fetch. When the upstream fetch
// fails and an expired entry is still present, the stale entry is served.
func (c *Cache) GetToolSchema(ctx context.Context, fullName string) (*ToolSchema, error) {
	if schema, ok := c.lookupFresh(fullName); ok {
		return schema, nil
	}

	v, err, _ := c.group.Do(fullName, func() (any, error) {
		// Re-check: an earlier flight may have landed while we queued.
		if schema, ok := c.lookupFresh(fullName); ok {
			return schema, nil
		}
		c.countMiss()

		schema, fetchErr := c.provider.FetchToolSchema(ctx, fullName)
		if fetchErr != nil {
			if stale := c.lookupStale(fullName); stale != nil {
				log.Printf("[Cache] serving stale schema for %s: upstream fetch failed: %v", fullName, fetchErr)
				c.countStale()
				return stale, nil
			}
			return nil, fmt.Errorf("schemacache: fetch schema for %s: %w", fullName, fetchErr)
		}
		if schema == nil {
			return (*ToolSchema)(nil), nil
		}
		c.insert(fullName, schema)
		go c.persistSnapshot() // fire-and-forget; serialized by persistMu
		return schema, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ToolSchema), nil
}

// lookupFresh returns the entry when present and unexpired, bumping its LRU
// position.
func (c *Cache) lookupFresh(fullName string) (*ToolSchema, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[fullName]
	if !ok {
		return nil, false
	}
	item := elem.Value.(*lruItem)
	if c.nowMillis() >= item.entry.ExpiresAt {
		return nil, false
	}
	c.lru.MoveToFront(elem)
	c.hits++
	schema := item.entry.Schema
	return &schema, true
}

// lookupStale returns a present-but-expired entry, or nil.
func (c *Cache) lookupStale(fullName string) *ToolSchema {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[fullName]
	if !ok {
		return nil
	}
	schema := elem.Value.(*lruItem).entry.Schema
	return &schema
}

func (c *Cache) insert(fullName string, schema *ToolSchema) {
	now := c.nowMillis()
	entry := &cacheEntry{
		Schema:    *schema,
		FetchedAt: now,
		ExpiresAt: now + c.ttl.Milliseconds(),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[fullName]; ok {
		elem.Value.(*lruItem).entry = entry
		c.lru.MoveToFront(elem)
		return
	}
	c.entries[fullName] = c.lru.PushFront(&lruItem{name: fullName, entry: entry})
	for c.lru.Len() > c.max {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*lruItem).name)
		c.evictions++
	}
}

// Invalidate drops the named entry, or every entry when fullName is empty.
// An invalidate-all also flushes the now-empty cache to disk synchronously.
func (c *Cache) Invalidate(fullName string) {
	c.mu.Lock()
	if fullName == "" {
		c.entries = make(map[string]*list.Element)
		c.lru.Init()
	} else if elem, ok := c.entries[fullName]; ok {
		c.lru.Remove(elem)
		delete(c.entries, fullName)
	}
	c.mu.Unlock()

	if fullName == "" {
		if err := c.writeSnapshot(); err != nil {
			log.Printf("[Cache] flush after invalidate: %v", err)
		}
	}
}

// Cleanup synchronously drops every expired entry and returns the count.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowMillis()
	removed := 0
	for name, elem := range c.entries {
		if elem.Value.(*lruItem).entry.ExpiresAt <= now {
			c.lru.Remove(elem)
			delete(c.entries, name)
			removed++
		}
	}
	return removed
}

// PrePopulate loads the persisted cache, then fetches the schemas of every
// known tool that is missing or expired, in parallel. Per-tool failures are
// logged and skipped.
func (c *Cache) PrePopulate(ctx context.Context) error {
	if err := c.loadFromDisk(); err != nil {
		log.Printf("[Cache] load persisted cache: %v", err)
	}

	names, err := c.provider.ListToolNames(ctx)
	if err != nil {
		return fmt.Errorf("schemacache: list tool names: %w", err)
	}

	var stale []string
	c.mu.Lock()
	now := c.nowMillis()
	for _, name := range names {
		elem, ok := c.entries[name]
		if !ok || elem.Value.(*lruItem).entry.ExpiresAt <= now {
			stale = append(stale, name)
		}
	}
	c.mu.Unlock()
	if len(stale) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, name := range stale {
		name := name
		g.Go(func() error {
			if _, err := c.GetToolSchema(gctx, name); err != nil {
				log.Printf("[Cache] pre-populate %s: %v", name, err)
			}
			return nil // best-effort: never abort the group
		})
	}
	return g.Wait()
}

// GetStats returns current counters.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:     len(c.entries),
		MaxEntries:  c.max,
		TTL:         c.ttl,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		StaleServed: c.staleServed,
	}
}

func (c *Cache) countMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

func (c *Cache) countStale() {
	c.mu.Lock()
	c.staleServed++
	c.mu.Unlock()
}

func (c *Cache) nowMillis() int64 {
	return c.now().UnixMilli()
}
