// Package velocity provides sliding-window transaction counters per entity.
package velocity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates a velocity store based on configuration.
func New(cfg domain.VelocityConfig) (domain.VelocityStore, error) {
	windows := cfg.WindowDurations()
	if len(windows) == 0 {
		return nil, fmt.Errorf("velocity: at least one window is required")
	}

	switch cfg.Backend {
	case "memory", "":
		return NewMemoryStore(windows, cfg.ReapInterval, cfg.IdleHorizon), nil

	case "redis":
		client, err := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, windows), nil

	default:
		return nil, fmt.Errorf("unsupported velocity backend: %s", cfg.Backend)
	}
}

func entityKey(tenantID, entityID string) (string, error) {
	if tenantID == "" {
		return "", domain.ErrTenantRequired
	}
	if entityID == "" {
		return "", fmt.Errorf("velocity: entityID is required")
	}
	return tenantID + ":" + entityID, nil
}

func normalizeWindows(windows []time.Duration) []time.Duration {
	ws := make([]time.Duration, 0, len(windows))
	for _, w := range windows {
		if w > 0 {
			ws = append(ws, w)
		}
	}
	if len(ws) == 0 {
		ws = append(ws, time.Minute)
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i] < ws[j] })
	return ws
}

// Guard bounds every store call with a timeout. When the store fails it
// serves the entity's last known stats, or zeros, and reports degraded.
type Guard struct {
	store     domain.VelocityStore
	timeout   time.Duration
	lastKnown *cache.LRUCache
	ttl       time.Duration
}

// NewGuard wraps store. lastKnownSize bounds the fallback cache.
func NewGuard(store domain.VelocityStore, timeout time.Duration, lastKnownSize int) *Guard {
	ttl := 2 * time.Hour
	if ws := store.Windows(); len(ws) > 0 {
		ttl = ws[len(ws)-1]
	}
	return &Guard{
		store:     store,
		timeout:   timeout,
		lastKnown: cache.NewLRUCache(lastKnownSize),
		ttl:       ttl,
	}
}

// Store returns the wrapped store.
func (g *Guard) Store() domain.VelocityStore {
	return g.store
}

// Observe reads the window stats and records the event. It never fails;
// degraded is true when the stats come from the fallback.
func (g *Guard) Observe(ctx context.Context, tenantID, entityID, eventID string, amount float64, ts time.Time) (stats []domain.WindowStat, degraded bool) {
	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	stats, err := g.store.Observe(callCtx, tenantID, entityID, eventID, amount, ts)
	if err == nil {
		after := make([]domain.WindowStat, len(stats))
		for i, s := range stats {
			after[i] = domain.WindowStat{Window: s.Window, Count: s.Count + 1, Sum: s.Sum + amount}
		}
		_ = cache.SetJSON(ctx, g.lastKnown, tenantID, entityID, after, g.ttl)
		return stats, false
	}

	slog.Warn("velocity store unavailable, using last known value",
		"entity_id", entityID,
		"error", err,
	)

	if last, found, _ := cache.GetJSON[[]domain.WindowStat](ctx, g.lastKnown, tenantID, entityID); found {
		return last, true
	}

	zero := make([]domain.WindowStat, 0, len(g.store.Windows()))
	for _, w := range g.store.Windows() {
		zero = append(zero, domain.WindowStat{Window: w})
	}
	return zero, true
}

// Ping checks the wrapped store.
func (g *Guard) Ping(ctx context.Context) error {
	return g.store.Ping(ctx)
}

// Close closes the wrapped store.
func (g *Guard) Close() error {
	_ = g.lastKnown.Close()
	return g.store.Close()
}
