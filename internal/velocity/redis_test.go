package velocity

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
)

// newTestRedisStore connects to KESTREL_TEST_REDIS_ADDR and skips when unset.
func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("KESTREL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("KESTREL_TEST_REDIS_ADDR not set")
	}
	client, err := cache.NewRedisClient(addr, "", 0)
	if err != nil {
		t.Fatalf("failed to connect to redis: %v", err)
	}
	store := NewRedisStore(client, defaultWindows)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t)
	tenantID := fmt.Sprintf("redis-test-%d", time.Now().UnixNano())
	base := time.Now().UTC().Truncate(time.Second)

	t.Run("RetriedEventCountsOnce", func(t *testing.T) {
		for i := 0; i < 4; i++ {
			stats, err := store.Observe(ctx, tenantID, "card:retry", "tx-retry", 30, base)
			if err != nil {
				t.Fatalf("Observe failed: %v", err)
			}
			if stats[0].Count != 0 {
				t.Fatalf("attempt %d: retry must not see itself, got %+v", i+1, stats[0])
			}
		}

		stats, err := store.Observe(ctx, tenantID, "card:retry", "tx-next", 30, base.Add(10*time.Second))
		if err != nil {
			t.Fatalf("Observe failed: %v", err)
		}
		if stats[0].Count != 1 || stats[0].Sum != 30 {
			t.Errorf("expected one prior event after retries, got %+v", stats[0])
		}
	})

	t.Run("SumKeepsFullPrecision", func(t *testing.T) {
		amounts := []float64{123456.789012345, 0.000000001, 98765.4321987654}
		var want float64
		for i, amt := range amounts {
			id := fmt.Sprintf("tx-%d", i)
			if err := store.Record(ctx, tenantID, "card:precise", id, amt, base.Add(time.Duration(i)*time.Second)); err != nil {
				t.Fatalf("Record failed: %v", err)
			}
			want += amt
		}

		stats, err := store.Observe(ctx, tenantID, "card:precise", "tx-sum", 1, base.Add(5*time.Second))
		if err != nil {
			t.Fatalf("Observe failed: %v", err)
		}
		if stats[0].Count != 3 || stats[0].Sum != want {
			t.Errorf("expected count 3 sum %v, got %+v", want, stats[0])
		}
	})

	t.Run("PipeInEventID", func(t *testing.T) {
		if err := store.Record(ctx, tenantID, "card:pipe", "a|b", 12.5, base); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
		sum, err := store.WindowSum(ctx, tenantID, "card:pipe", time.Minute, base)
		if err != nil {
			t.Fatalf("WindowSum failed: %v", err)
		}
		if sum != 12.5 {
			t.Errorf("expected sum 12.5, got %v", sum)
		}
	})
}
