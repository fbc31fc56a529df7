package schemacache

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
)

// persistSnapshot writes the current cache to disk, logging failures.
// Intended for fire-and-forget use after an insert.
func (c *Cache) persistSnapshot() {
	if err := c.writeSnapshot(); err != nil {
		log.Printf("[Cache] persist: %v", err)
	}
}

// writeSnapshot serializes the whole cache as a single JSON object keyed by
// tool name. Writes are serialized by persistMu so two snapshots can never
// interleave into a corrupt file.
func (c *Cache) writeSnapshot() error {
	if c.path == "" {
		return nil
	}

	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	snapshot := make(map[string]cacheEntry, len(c.entries))
	for name, elem := range c.entries {
		snapshot[name] = *elem.Value.(*lruItem).entry
	}
	c.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("schemacache: marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("schemacache: create state directory: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("schemacache: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("schemacache: publish snapshot: %w", err)
	}
	return nil
}

// loadFromDisk merges the persisted file into the in-memory cache, keeping
// only the newest max entries by fetchedAt. Names already in memory are left
// alone: the live entry is at least as fresh as its snapshot. A missing file
// is not an error; a malformed file starts the cache empty.
func (c *Cache) loadFromDisk() error {
	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("schemacache: read %q: %w", c.path, err)
	}

	var persisted map[string]cacheEntry
	if err := json.Unmarshal(data, &persisted); err != nil {
		return fmt.Errorf("schemacache: parse %q: %w", c.path, err)
	}

	type named struct {
		name  string
		entry cacheEntry
	}
	ordered := make([]named, 0, len(persisted))
	for name, entry := range persisted {
		ordered = append(ordered, named{name: name, entry: entry})
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].entry.FetchedAt > ordered[j].entry.FetchedAt
	})
	if len(ordered) > c.max {
		ordered = ordered[:c.max] // drop the oldest beyond capacity, silently
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Insert oldest-first so the newest persisted entry ends up at the front
	// of the LRU, matching recency on disk.
	for i := len(ordered) - 1; i >= 0; i-- {
		item := ordered[i]
		if _, exists := c.entries[item.name]; exists {
			continue
		}
		entry := item.entry
		c.entries[item.name] = c.lru.PushFront(&lruItem{name: item.name, entry: &entry})
	}
	for c.lru.Len() > c.max {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*lruItem).name)
	}
	return nil
}
