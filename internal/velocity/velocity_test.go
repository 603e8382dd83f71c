package velocity

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/syncutil"
)

var defaultWindows = []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute, 120 * time.Minute}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"
	base := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	t.Run("CountAfterRecord", func(t *testing.T) {
		store := NewMemoryStore(defaultWindows, 0, 0)
		defer store.Close()

		if err := store.Record(ctx, tenantID, "card:c1", "", 40, base); err != nil {
			t.Fatalf("Record failed: %v", err)
		}

		count, err := store.WindowCount(ctx, tenantID, "card:c1", time.Minute, base)
		if err != nil {
			t.Fatalf("WindowCount failed: %v", err)
		}
		if count < 1 {
			t.Errorf("expected count >= 1 right after record, got %d", count)
		}

		count, _ = store.WindowCount(ctx, tenantID, "card:c1", time.Minute, base.Add(time.Minute+time.Millisecond))
		if count != 0 {
			t.Errorf("expected 0 once the window has passed, got %d", count)
		}
	})

	t.Run("WindowBoundariesInclusive", func(t *testing.T) {
		store := NewMemoryStore(defaultWindows, 0, 0)
		defer store.Close()

		_ = store.Record(ctx, tenantID, "card:c1", "", 10, base)
		count, _ := store.WindowCount(ctx, tenantID, "card:c1", time.Minute, base.Add(time.Minute))
		if count != 1 {
			t.Errorf("event exactly one window old should count, got %d", count)
		}
	})

	t.Run("WindowSum", func(t *testing.T) {
		store := NewMemoryStore(defaultWindows, 0, 0)
		defer store.Close()

		_ = store.Record(ctx, tenantID, "card:c1", "", 25.5, base)
		_ = store.Record(ctx, tenantID, "card:c1", "", 74.5, base.Add(10*time.Second))
		_ = store.Record(ctx, tenantID, "card:c1", "", 100, base.Add(3*time.Minute))

		sum, err := store.WindowSum(ctx, tenantID, "card:c1", time.Minute, base.Add(30*time.Second))
		if err != nil {
			t.Fatalf("WindowSum failed: %v", err)
		}
		if sum != 100 {
			t.Errorf("expected 1m sum 100, got %v", sum)
		}

		sum, _ = store.WindowSum(ctx, tenantID, "card:c1", 5*time.Minute, base.Add(3*time.Minute))
		if sum != 200 {
			t.Errorf("expected 5m sum 200, got %v", sum)
		}
	})

	t.Run("ObserveExcludesCurrentEvent", func(t *testing.T) {
		store := NewMemoryStore(defaultWindows, 0, 0)
		defer store.Close()

		for i := 0; i < 5; i++ {
			ts := base.Add(time.Duration(i*10) * time.Second)
			stats, err := store.Observe(ctx, tenantID, "card:c1", "", 50, ts)
			if err != nil {
				t.Fatalf("Observe failed: %v", err)
			}
			if len(stats) != 4 {
				t.Fatalf("expected 4 windows, got %d", len(stats))
			}
			if stats[0].Window != time.Minute {
				t.Errorf("expected shortest window first, got %v", stats[0].Window)
			}
			if stats[0].Count != int64(i) {
				t.Errorf("tx %d: expected 1m count %d, got %d", i+1, i, stats[0].Count)
			}
			if stats[0].Sum != float64(i)*50 {
				t.Errorf("tx %d: expected 1m sum %v, got %v", i+1, float64(i)*50, stats[0].Sum)
			}
		}
	})

	t.Run("ConcurrentBurstIsAtomic", func(t *testing.T) {
		store := NewMemoryStore(defaultWindows, 0, 0)
		defer store.Close()

		const n = 50
		counts := make([]int, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				stats, err := store.Observe(ctx, tenantID, "card:burst", "", 10, base)
				if err != nil {
					t.Errorf("Observe failed: %v", err)
					return
				}
				counts[i] = int(stats[0].Count)
			}(i)
		}
		wg.Wait()

		sort.Ints(counts)
		for i, c := range counts {
			if c != i {
				t.Fatalf("expected each in-flight transaction to see a distinct prior count, got %v", counts)
			}
		}
	})

	t.Run("OutOfOrderEvents", func(t *testing.T) {
		store := NewMemoryStore(defaultWindows, 0, 0)
		defer store.Close()

		_ = store.Record(ctx, tenantID, "card:c1", "", 1, base.Add(40*time.Second))
		_ = store.Record(ctx, tenantID, "card:c1", "", 2, base)
		_ = store.Record(ctx, tenantID, "card:c1", "", 4, base.Add(20*time.Second))

		count, _ := store.WindowCount(ctx, tenantID, "card:c1", 30*time.Second, base.Add(30*time.Second))
		if count != 2 {
			t.Errorf("expected 2 events in [0s,30s], got %d", count)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		store := NewMemoryStore(defaultWindows, 0, 0)
		defer store.Close()

		_ = store.Record(ctx, "tenant-a", "card:c1", "", 10, base)

		count, _ := store.WindowCount(ctx, "tenant-b", "card:c1", time.Minute, base)
		if count != 0 {
			t.Errorf("expected tenant-b to see 0, got %d", count)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		store := NewMemoryStore(defaultWindows, 0, 0)
		defer store.Close()

		if err := store.Record(ctx, "", "card:c1", "", 10, base); !errors.Is(err, domain.ErrTenantRequired) {
			t.Errorf("expected ErrTenantRequired, got %v", err)
		}
	})

	t.Run("RequiresEntityID", func(t *testing.T) {
		store := NewMemoryStore(defaultWindows, 0, 0)
		defer store.Close()

		if _, err := store.Observe(ctx, tenantID, "", "", 10, base); err == nil {
			t.Error("expected error for empty entityID")
		}
	})

	t.Run("ReaperDropsIdleEntities", func(t *testing.T) {
		store := NewMemoryStore(defaultWindows, 0, 0)
		defer store.Close()

		now := base
		store.now = func() time.Time { return now }

		_ = store.Record(ctx, tenantID, "card:old", "", 10, base)
		now = base.Add(3 * time.Hour)
		_ = store.Record(ctx, tenantID, "card:new", "", 10, now)

		if dropped := store.reap(2 * time.Hour); dropped != 1 {
			t.Errorf("expected 1 idle entity dropped, got %d", dropped)
		}
		if store.Entities() != 1 {
			t.Errorf("expected 1 entity left, got %d", store.Entities())
		}
	})

	t.Run("ReaperLifecycle", func(t *testing.T) {
		store := NewMemoryStore(defaultWindows, 10*time.Millisecond, time.Hour)
		if err := store.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
		// second close is a no-op
		_ = store.Close()
	})

	t.Run("PrunesBeyondLongestWindow", func(t *testing.T) {
		store := NewMemoryStore([]time.Duration{time.Minute}, 0, 0)
		defer store.Close()

		_ = store.Record(ctx, tenantID, "card:c1", "", 10, base)
		_ = store.Record(ctx, tenantID, "card:c1", "", 10, base.Add(5*time.Minute))

		key, _ := entityKey(tenantID, "card:c1")
		if n := len(store.shards[syncutil.Shard(key)][key].events); n != 1 {
			t.Errorf("expected pruned log of 1 event, got %d", n)
		}
	})

	t.Run("RetriedEventCountsOnce", func(t *testing.T) {
		store := NewMemoryStore(defaultWindows, 0, 0)
		defer store.Close()

		for i := 0; i < 4; i++ {
			stats, err := store.Observe(ctx, tenantID, "card:c1", "tx-retry", 30, base)
			if err != nil {
				t.Fatalf("Observe failed: %v", err)
			}
			if stats[0].Count != 0 || stats[0].Sum != 0 {
				t.Fatalf("attempt %d: retry must not see itself, got %+v", i+1, stats[0])
			}
		}

		stats, _ := store.Observe(ctx, tenantID, "card:c1", "tx-next", 30, base.Add(10*time.Second))
		if stats[0].Count != 1 || stats[0].Sum != 30 {
			t.Errorf("expected one prior event after retries, got %+v", stats[0])
		}
		if err := store.Record(ctx, tenantID, "card:c1", "tx-next", 30, base.Add(10*time.Second)); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
		count, _ := store.WindowCount(ctx, tenantID, "card:c1", time.Minute, base.Add(10*time.Second))
		if count != 2 {
			t.Errorf("expected 2 events, got %d", count)
		}
	})

	t.Run("PruneForgetsEventIDs", func(t *testing.T) {
		store := NewMemoryStore([]time.Duration{time.Minute}, 0, 0)
		defer store.Close()

		_ = store.Record(ctx, tenantID, "card:c1", "tx-1", 10, base)
		_ = store.Record(ctx, tenantID, "card:c1", "tx-2", 10, base.Add(5*time.Minute))

		key, _ := entityKey(tenantID, "card:c1")
		log := store.shards[syncutil.Shard(key)][key]
		if _, ok := log.ids["tx-1"]; ok {
			t.Error("pruned event id should be forgotten")
		}
		if _, ok := log.ids["tx-2"]; !ok {
			t.Error("live event id should be indexed")
		}
	})
}

func TestNew(t *testing.T) {
	t.Run("MemoryBackend", func(t *testing.T) {
		store, err := New(domain.VelocityConfig{Backend: "memory", Windows: []int{5, 1}})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer store.Close()

		ws := store.Windows()
		if len(ws) != 2 || ws[0] != time.Minute || ws[1] != 5*time.Minute {
			t.Errorf("expected sorted windows [1m 5m], got %v", ws)
		}
	})

	t.Run("NoWindows", func(t *testing.T) {
		if _, err := New(domain.VelocityConfig{Backend: "memory"}); err == nil {
			t.Error("expected error without windows")
		}
	})

	t.Run("UnsupportedBackend", func(t *testing.T) {
		if _, err := New(domain.VelocityConfig{Backend: "etcd", Windows: []int{1}}); err == nil {
			t.Error("expected error for unsupported backend")
		}
	})
}

// flakyStore fails while down is set.
type flakyStore struct {
	*MemoryStore
	mu   sync.Mutex
	down bool
}

func (f *flakyStore) setDown(v bool) {
	f.mu.Lock()
	f.down = v
	f.mu.Unlock()
}

func (f *flakyStore) Observe(ctx context.Context, tenantID, entityID, eventID string, amount float64, ts time.Time) ([]domain.WindowStat, error) {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down {
		return nil, errors.New("connection refused")
	}
	return f.MemoryStore.Observe(ctx, tenantID, entityID, eventID, amount, ts)
}

// slowStore blocks until the context is done.
type slowStore struct {
	*MemoryStore
}

func (s *slowStore) Observe(ctx context.Context, tenantID, entityID, eventID string, amount float64, ts time.Time) ([]domain.WindowStat, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestGuard(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	t.Run("HealthyStore", func(t *testing.T) {
		g := NewGuard(NewMemoryStore(defaultWindows, 0, 0), 50*time.Millisecond, 100)
		defer g.Close()

		stats, degraded := g.Observe(ctx, "t1", "card:c1", "", 10, base)
		if degraded {
			t.Error("healthy store should not be degraded")
		}
		if len(stats) != 4 || stats[0].Count != 0 {
			t.Errorf("unexpected stats %+v", stats)
		}
	})

	t.Run("ZeroFallback", func(t *testing.T) {
		fs := &flakyStore{MemoryStore: NewMemoryStore(defaultWindows, 0, 0), down: true}
		g := NewGuard(fs, 50*time.Millisecond, 100)
		defer g.Close()

		stats, degraded := g.Observe(ctx, "t1", "card:c1", "", 10, base)
		if !degraded {
			t.Error("expected degraded")
		}
		if len(stats) != 4 {
			t.Fatalf("expected a stat per window, got %d", len(stats))
		}
		for _, s := range stats {
			if s.Count != 0 || s.Sum != 0 {
				t.Errorf("expected zero fallback, got %+v", s)
			}
		}
	})

	t.Run("LastKnownFallback", func(t *testing.T) {
		fs := &flakyStore{MemoryStore: NewMemoryStore(defaultWindows, 0, 0)}
		g := NewGuard(fs, 50*time.Millisecond, 100)
		defer g.Close()

		g.Observe(ctx, "t1", "card:c1", "", 10, base)
		g.Observe(ctx, "t1", "card:c1", "", 20, base.Add(time.Second))

		fs.setDown(true)
		stats, degraded := g.Observe(ctx, "t1", "card:c1", "", 30, base.Add(2*time.Second))
		if !degraded {
			t.Error("expected degraded")
		}
		if stats[0].Count != 2 || stats[0].Sum != 30 {
			t.Errorf("expected last known count 2 sum 30, got %+v", stats[0])
		}
	})

	t.Run("TimeoutNeverBlocks", func(t *testing.T) {
		g := NewGuard(&slowStore{MemoryStore: NewMemoryStore(defaultWindows, 0, 0)}, 20*time.Millisecond, 100)
		defer g.Close()

		start := time.Now()
		_, degraded := g.Observe(ctx, "t1", "card:c1", "", 10, base)
		if !degraded {
			t.Error("expected degraded after timeout")
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("guard blocked for %v", elapsed)
		}
	})
}

func TestMemberAmount(t *testing.T) {
	if got := memberAmount("0b6f|125.5"); got != 125.5 {
		t.Errorf("expected 125.5, got %v", got)
	}
	if got := memberAmount("garbage"); got != 0 {
		t.Errorf("expected 0 for malformed member, got %v", got)
	}
}
