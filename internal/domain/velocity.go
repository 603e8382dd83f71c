package domain

import (
	"context"
	"time"
)

// WindowStat is the count and summed amount of an entity's events inside
// one trailing window.
type WindowStat struct {
	Window time.Duration `json:"window"`
	Count  int64         `json:"count"`
	Sum    float64       `json:"sum"`
}

// VelocityStore keeps sliding-window counters per entity.
// All methods require tenantID for strict multi-tenancy isolation.
type VelocityStore interface {
	// Observe returns the stats of every configured window as of ts, not
	// counting the new event, and then records the event. Both steps happen
	// atomically for the entity. Events are keyed by eventID: observing an
	// id the entity already holds records nothing and leaves that event out
	// of the stats. An empty eventID is always a new event.
	Observe(ctx context.Context, tenantID, entityID, eventID string, amount float64, ts time.Time) ([]WindowStat, error)

	// Record appends an event unless eventID is already recorded.
	Record(ctx context.Context, tenantID, entityID, eventID string, amount float64, ts time.Time) error

	// WindowCount returns the number of events in [asOf-window, asOf].
	WindowCount(ctx context.Context, tenantID, entityID string, window time.Duration, asOf time.Time) (int64, error)

	// WindowSum returns the summed amount of events in [asOf-window, asOf].
	WindowSum(ctx context.Context, tenantID, entityID string, window time.Duration, asOf time.Time) (float64, error)

	// Windows returns the configured window lengths, shortest first.
	Windows() []time.Duration

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// VelocityConfig holds configuration for the velocity store.
type VelocityConfig struct {
	// Backend is "memory" or "redis"
	Backend string `mapstructure:"backend"`

	// Windows in minutes
	Windows []int `mapstructure:"windows"`

	// Memory backend: drop entities idle for longer than IdleHorizon.
	ReapInterval time.Duration `mapstructure:"reap_interval"`
	IdleHorizon  time.Duration `mapstructure:"idle_horizon"`

	// Redis backend
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// WindowDurations converts the configured minutes into durations.
func (c VelocityConfig) WindowDurations() []time.Duration {
	out := make([]time.Duration, 0, len(c.Windows))
	for _, m := range c.Windows {
		out = append(out, time.Duration(m)*time.Minute)
	}
	return out
}
