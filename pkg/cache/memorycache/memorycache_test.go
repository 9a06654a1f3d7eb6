package memorycache

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"
)

func newMembershipCache(t *testing.T, maxSize int64) *Cache[[]string] {
	t.Helper()

	c, err := New(&Config[[]string]{
		MaxSizeBytes:  maxSize,
		DefaultTTL:    time.Minute,
		EnableMetrics: true,
	})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	return c
}

func TestCache_SetAndGet(t *testing.T) {
	c := newMembershipCache(t, 1024*1024)
	ctx := context.Background()

	if err := c.Set(ctx, "role_habilitation:R1", []string{"H1", "H2"}, time.Minute); err != nil {
		t.Fatalf("failed to set value: %v", err)
	}

	value, found := c.Get(ctx, "role_habilitation:R1")
	if !found {
		t.Fatal("expected to find role_habilitation:R1")
	}
	if !reflect.DeepEqual(value, []string{"H1", "H2"}) {
		t.Errorf("expected [H1 H2], got %v", value)
	}

	value, found = c.Get(ctx, "nonexistent")
	if found {
		t.Error("expected not to find nonexistent key")
	}
	if value != nil {
		t.Errorf("expected zero value for a miss, got %v", value)
	}
}

func TestCache_TTLExpiration(t *testing.T) {
	c := newMembershipCache(t, 1024*1024)
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set(ctx, "user_role:U1", []string{"admin"}, 50*time.Millisecond)

	if _, found := c.Get(ctx, "user_role:U1"); !found {
		t.Error("expected to find user_role:U1 before expiration")
	}

	now = now.Add(100 * time.Millisecond)

	if _, found := c.Get(ctx, "user_role:U1"); found {
		t.Error("expected not to find user_role:U1 after expiration")
	}
	if c.Len() != 0 {
		t.Errorf("expected expired entry to be removed, got %d items", c.Len())
	}
}

func TestCache_DefaultTTL(t *testing.T) {
	c := newMembershipCache(t, 1024*1024)
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set(ctx, "k", []string{"v"}, 0)

	now = now.Add(30 * time.Second)
	if _, found := c.Get(ctx, "k"); !found {
		t.Error("expected entry to live for the default TTL")
	}

	now = now.Add(time.Minute)
	if _, found := c.Get(ctx, "k"); found {
		t.Error("expected entry to expire after the default TTL")
	}
}

func TestCache_LRUEviction(t *testing.T) {
	// Each entry costs 100 + len(key) = 101 bytes, so two fit
	c := newMembershipCache(t, 210)
	ctx := context.Background()

	c.Set(ctx, "a", []string{"1"}, time.Minute)
	c.Set(ctx, "b", []string{"2"}, time.Minute)

	// Touch "a" so that "b" becomes the least recently used entry
	c.Get(ctx, "a")

	c.Set(ctx, "c", []string{"3"}, time.Minute)

	if _, found := c.Get(ctx, "b"); found {
		t.Error("expected least recently used entry 'b' to be evicted")
	}
	if _, found := c.Get(ctx, "a"); !found {
		t.Error("expected recently used entry 'a' to survive")
	}
	if _, found := c.Get(ctx, "c"); !found {
		t.Error("expected newest entry 'c' to be present")
	}
	if got := c.Metrics().KeysEvicted; got != 1 {
		t.Errorf("expected 1 eviction, got %d", got)
	}
}

func TestCache_CustomSizer(t *testing.T) {
	c, err := New(&Config[[]string]{
		MaxSizeBytes: 100,
		DefaultTTL:   time.Minute,
		Sizer: func(key string, value []string) int64 {
			return int64(len(value)) * 10
		},
	})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	ctx := context.Background()

	c.Set(ctx, "small", []string{"a", "b"}, time.Minute)
	if c.Size() != 20 {
		t.Errorf("expected size 20, got %d", c.Size())
	}

	c.Set(ctx, "small", []string{"a", "b", "c"}, time.Minute)
	if c.Size() != 30 {
		t.Errorf("expected size 30 after update, got %d", c.Size())
	}

	huge := make([]string, 11)
	c.Set(ctx, "huge", huge, time.Minute)
	if c.Len() != 0 {
		t.Errorf("expected every entry evicted by an oversized value, got %d", c.Len())
	}
}

func TestCache_Delete(t *testing.T) {
	c := newMembershipCache(t, 1024*1024)
	ctx := context.Background()

	c.Set(ctx, "key1", []string{"value1"}, time.Minute)

	if err := c.Delete(ctx, "key1"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if _, found := c.Get(ctx, "key1"); found {
		t.Error("expected not to find key1 after deletion")
	}
	if c.Size() != 0 {
		t.Errorf("expected size 0 after deletion, got %d", c.Size())
	}

	if err := c.Delete(ctx, "nonexistent"); err != nil {
		t.Fatalf("delete of non-existent key should not error: %v", err)
	}
}

func TestCache_Clear(t *testing.T) {
	c := newMembershipCache(t, 1024*1024)
	ctx := context.Background()

	c.Set(ctx, "key1", []string{"value1"}, time.Minute)
	c.Set(ctx, "key2", []string{"value2"}, time.Minute)
	c.Set(ctx, "key3", []string{"value3"}, time.Minute)

	if c.Len() != 3 {
		t.Errorf("expected 3 items, got %d", c.Len())
	}

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("failed to clear: %v", err)
	}

	if c.Len() != 0 || c.Size() != 0 {
		t.Errorf("expected empty cache after clear, got %d items / %d bytes", c.Len(), c.Size())
	}
}

func TestCache_Metrics(t *testing.T) {
	c := newMembershipCache(t, 1024*1024)
	ctx := context.Background()

	metrics := c.Metrics()
	if metrics.Hits != 0 || metrics.Misses != 0 {
		t.Errorf("expected 0 hits and misses initially, got %d hits and %d misses", metrics.Hits, metrics.Misses)
	}

	c.Set(ctx, "key1", []string{"value1"}, time.Minute)
	c.Get(ctx, "key1")
	c.Get(ctx, "nonexistent")

	metrics = c.Metrics()
	if metrics.Hits != 1 {
		t.Errorf("expected 1 hit, got %d", metrics.Hits)
	}
	if metrics.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", metrics.Misses)
	}
	if metrics.KeysCurrent != 1 {
		t.Errorf("expected 1 current key, got %d", metrics.KeysCurrent)
	}
	if metrics.HitRate() != 0.5 {
		t.Errorf("expected hit rate 0.5, got %f", metrics.HitRate())
	}
}

func TestCache_MetricsDisabled(t *testing.T) {
	c, err := New(&Config[[]string]{MaxSizeBytes: 1024, DefaultTTL: time.Minute})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	ctx := context.Background()

	c.Set(ctx, "key1", []string{"value1"}, time.Minute)
	c.Get(ctx, "key1")

	metrics := c.Metrics()
	if metrics.Hits != 0 {
		t.Errorf("expected hit counting disabled, got %d", metrics.Hits)
	}
	if metrics.KeysCurrent != 1 {
		t.Errorf("expected current keys to be reported, got %d", metrics.KeysCurrent)
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := newMembershipCache(t, 1024*1024)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		key := string(rune('a' + i))
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set(ctx, key, []string{key}, time.Minute)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Get(ctx, key)
			}
		}()
	}
	wg.Wait()

	if c.Len() != 10 {
		t.Errorf("expected 10 keys after concurrent writes, got %d", c.Len())
	}
}
