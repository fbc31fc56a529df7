package schemacache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeProvider is a controllable upstream for cache tests.
type fakeProvider struct {
	mu      sync.Mutex
	fetches map[string]int
	fail    bool
	block   chan struct{} // when non-nil, FetchToolSchema waits on it
	names   []string
}

func newFakeProvider(names ...string) *fakeProvider {
	return &fakeProvider{fetches: make(map[string]int), names: names}
}

func (p *fakeProvider) FetchToolSchema(ctx context.Context, fullName string) (*ToolSchema, error) {
	p.mu.Lock()
	p.fetches[fullName]++
	fail := p.fail
	block := p.block
	p.mu.Unlock()
	if block != nil {
		<-block
	}
	if fail {
		return nil, errors.New("upstream unavailable")
	}
	return &ToolSchema{
		Name:        fullName,
		Description: "schema for " + fullName,
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}, nil
}

func (p *fakeProvider) ListToolNames(ctx context.Context) ([]string, error) {
	return p.names, nil
}

func (p *fakeProvider) fetchCount(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetches[name]
}

func (p *fakeProvider) setFail(fail bool) {
	p.mu.Lock()
	p.fail = fail
	p.mu.Unlock()
}

func TestGetToolSchema_FetchesOnMissAndCaches(t *testing.T) {
	p := newFakeProvider()
	c := New(p, "")

	s, err := c.GetToolSchema(context.Background(), "mcp__fs__read")
	if err != nil {
		t.Fatalf("GetToolSchema: %v", err)
	}
	if s == nil || s.Name != "mcp__fs__read" {
		t.Fatalf("schema = %+v", s)
	}
	if _, err := c.GetToolSchema(context.Background(), "mcp__fs__read"); err != nil {
		t.Fatal(err)
	}
	if n := p.fetchCount("mcp__fs__read"); n != 1 {
		t.Errorf("fetches = %d, want 1 (second call served from cache)", n)
	}
	stats := c.GetStats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestGetToolSchema_CoalescesConcurrentFetches(t *testing.T) {
	p := newFakeProvider()
	p.block = make(chan struct{})
	c := New(p, "")

	const n = 8
	var wg sync.WaitGroup
	var failures atomic.Int32
	results := make([]*ToolSchema, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := c.GetToolSchema(context.Background(), "mcp__srv__tool")
			if err != nil {
				failures.Add(1)
				return
			}
			results[i] = s
		}()
	}
	time.Sleep(50 * time.Millisecond) // let every caller join the flight
	close(p.block)
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("%d callers failed", failures.Load())
	}
	if got := p.fetchCount("mcp__srv__tool"); got != 1 {
		t.Errorf("upstream fetches = %d, want exactly 1", got)
	}
	for i, s := range results {
		if s == nil || s.Name != "mcp__srv__tool" {
			t.Errorf("caller %d got %+v", i, s)
		}
	}
}

func TestGetToolSchema_StaleOnError(t *testing.T) {
	p := newFakeProvider()
	c := New(p, "", WithTTL(time.Hour))
	base := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return base }

	if _, err := c.GetToolSchema(context.Background(), "mcp__a__b"); err != nil {
		t.Fatal(err)
	}

	// Entry expires, upstream starts failing.
	c.now = func() time.Time { return base.Add(2 * time.Hour) }
	p.setFail(true)

	s, err := c.GetToolSchema(context.Background(), "mcp__a__b")
	if err != nil {
		t.Fatalf("expected stale value, got error: %v", err)
	}
	if s == nil || s.Name != "mcp__a__b" {
		t.Errorf("stale schema = %+v", s)
	}
	if c.GetStats().StaleServed != 1 {
		t.Errorf("StaleServed = %d, want 1", c.GetStats().StaleServed)
	}
}

func TestGetToolSchema_ErrorWithoutStaleEntry(t *testing.T) {
	p := newFakeProvider()
	p.setFail(true)
	c := New(p, "")
	if _, err := c.GetToolSchema(context.Background(), "mcp__a__b"); err == nil {
		t.Fatal("expected error when no cached value exists")
	}
}

func TestCache_LRUEviction(t *testing.T) {
	p := newFakeProvider()
	c := New(p, "", WithMaxEntries(2))
	ctx := context.Background()

	c.GetToolSchema(ctx, "mcp__s__a")
	c.GetToolSchema(ctx, "mcp__s__b")
	// Access a so that b becomes the least recently used.
	c.GetToolSchema(ctx, "mcp__s__a")
	c.GetToolSchema(ctx, "mcp__s__c") // evicts b

	c.GetToolSchema(ctx, "mcp__s__b")
	if n := p.fetchCount("mcp__s__b"); n != 2 {
		t.Errorf("b fetched %d times, want 2 (evicted then refetched)", n)
	}
	if n := p.fetchCount("mcp__s__a"); n != 1 {
		t.Errorf("a fetched %d times, want 1 (kept by LRU access)", n)
	}
	if ev := c.GetStats().Evictions; ev != 2 {
		t.Errorf("evictions = %d, want 2", ev)
	}
}

func TestInvalidate_AllDropsEverythingAndFlushes(t *testing.T) {
	p := newFakeProvider()
	path := filepath.Join(t.TempDir(), "schemas.json")
	c := New(p, path)
	ctx := context.Background()

	c.GetToolSchema(ctx, "mcp__s__a")
	c.Invalidate("")
	if got := c.GetStats().Entries; got != 0 {
		t.Errorf("entries after invalidate-all = %d, want 0", got)
	}

	// Flushed file must reflect the empty cache.
	other := New(p, path)
	if err := other.loadFromDisk(); err != nil {
		t.Fatalf("loadFromDisk: %v", err)
	}
	if got := other.GetStats().Entries; got != 0 {
		t.Errorf("persisted entries = %d, want 0", got)
	}
}

func TestCleanup_DropsExpiredEntries(t *testing.T) {
	p := newFakeProvider()
	c := New(p, "", WithTTL(time.Hour))
	base := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return base }
	ctx := context.Background()

	c.GetToolSchema(ctx, "mcp__s__old")
	c.now = func() time.Time { return base.Add(30 * time.Minute) }
	c.GetToolSchema(ctx, "mcp__s__new")

	c.now = func() time.Time { return base.Add(time.Hour + time.Minute) }
	if removed := c.Cleanup(); removed != 1 {
		t.Errorf("Cleanup removed %d, want 1", removed)
	}
	if got := c.GetStats().Entries; got != 1 {
		t.Errorf("entries = %d, want 1", got)
	}
}

func TestPersistence_RoundTripAndCapOnLoad(t *testing.T) {
	p := newFakeProvider()
	path := filepath.Join(t.TempDir(), "schemas.json")
	c := New(p, path)
	base := time.Unix(1_700_000_000, 0)
	tick := 0
	c.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := c.GetToolSchema(ctx, fmt.Sprintf("mcp__s__t%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.writeSnapshot(); err != nil {
		t.Fatalf("writeSnapshot: %v", err)
	}

	// A smaller cache loading the same file keeps only the newest entries.
	small := New(newFakeProvider(), path, WithMaxEntries(2))
	small.now = func() time.Time { return base.Add(10 * time.Second) }
	if err := small.loadFromDisk(); err != nil {
		t.Fatalf("loadFromDisk: %v", err)
	}
	if got := small.GetStats().Entries; got != 2 {
		t.Errorf("entries after capped load = %d, want 2", got)
	}
	// The newest entry must have survived and be served without a fetch.
	if _, err := small.GetToolSchema(ctx, "mcp__s__t4"); err != nil {
		t.Fatal(err)
	}
	if n := small.provider.(*fakeProvider).fetchCount("mcp__s__t4"); n != 0 {
		t.Errorf("t4 fetched %d times, want 0 (persisted)", n)
	}
}

func TestLoadFromDisk_MissingFileIsFine(t *testing.T) {
	c := New(newFakeProvider(), filepath.Join(t.TempDir(), "absent.json"))
	if err := c.loadFromDisk(); err != nil {
		t.Errorf("missing file should not be an error: %v", err)
	}
}

func TestPrePopulate_FetchesMissingAndExpiredOnly(t *testing.T) {
	p := newFakeProvider("mcp__s__a", "mcp__s__b", "mcp__s__c")
	c := New(p, "", WithTTL(time.Hour))
	base := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return base }
	ctx := context.Background()

	// a is fresh, b is expired, c is missing.
	c.GetToolSchema(ctx, "mcp__s__b")
	c.now = func() time.Time { return base.Add(2 * time.Hour) }
	c.GetToolSchema(ctx, "mcp__s__a")

	if err := c.PrePopulate(ctx); err != nil {
		t.Fatalf("PrePopulate: %v", err)
	}
	if n := p.fetchCount("mcp__s__a"); n != 1 {
		t.Errorf("fresh entry refetched (%d), want 1", n)
	}
	if n := p.fetchCount("mcp__s__b"); n != 2 {
		t.Errorf("expired entry fetches = %d, want 2", n)
	}
	if n := p.fetchCount("mcp__s__c"); n != 1 {
		t.Errorf("missing entry fetches = %d, want 1", n)
	}
}

func TestEntryInvariants(t *testing.T) {
	p := newFakeProvider()
	c := New(p, "", WithTTL(time.Hour))
	ctx := context.Background()
	if _, err := c.GetToolSchema(ctx, "mcp__s__a"); err != nil {
		t.Fatal(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, elem := range c.entries {
		e := elem.Value.(*lruItem).entry
		if e.FetchedAt > e.ExpiresAt {
			t.Errorf("%s: fetchedAt after expiresAt", name)
		}
		if e.ExpiresAt-e.FetchedAt != time.Hour.Milliseconds() {
			t.Errorf("%s: TTL span = %d ms", name, e.ExpiresAt-e.FetchedAt)
		}
	}
}
