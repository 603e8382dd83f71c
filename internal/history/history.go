// Package history keeps per-card activity profiles (running amount
// statistics, recent countries, known merchants and devices) and the set
// of cards seen on each device.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/syncutil"
)

// New creates a history store based on configuration.
func New(cfg domain.HistoryConfig) (domain.HistoryStore, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemoryStore(cfg.TTL), nil

	case "redis":
		client, err := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, cfg.TTL), nil

	default:
		return nil, fmt.Errorf("unsupported history backend: %s", cfg.Backend)
	}
}

func cardKey(tenantID, cardID string) (string, error) {
	if tenantID == "" {
		return "", domain.ErrTenantRequired
	}
	if cardID == "" {
		return "", fmt.Errorf("history: cardID is required")
	}
	return tenantID + ":" + cardID, nil
}

func deviceKey(tenantID, deviceID string) (string, error) {
	if tenantID == "" {
		return "", domain.ErrTenantRequired
	}
	if deviceID == "" {
		return "", fmt.Errorf("history: deviceID is required")
	}
	return "device:" + tenantID + ":" + deviceID, nil
}

// MemoryStore keeps profiles in process. Profiles whose last transaction is
// older than the TTL read as empty and are replaced on the next write.
type MemoryStore struct {
	ttl     time.Duration
	locks   syncutil.ShardedMutex
	shards  [syncutil.ShardCount]map[string]*domain.CardProfile
	devices [syncutil.ShardCount]map[string]*deviceCards
	now     func() time.Time
	once    sync.Once
}

// deviceCards maps card id to the last time it was linked to the device.
type deviceCards struct {
	cards    map[string]time.Time
	lastSeen time.Time
}

// NewMemoryStore creates an in-process store. A zero ttl keeps profiles forever.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	s := &MemoryStore{ttl: ttl, now: time.Now}
	for i := range s.shards {
		s.shards[i] = make(map[string]*domain.CardProfile)
		s.devices[i] = make(map[string]*deviceCards)
	}
	return s
}

// Observe returns the profile before obs, then applies obs.
func (s *MemoryStore) Observe(ctx context.Context, tenantID, cardID string, obs domain.Observation) (*domain.CardProfile, error) {
	key, err := cardKey(tenantID, cardID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	shard := s.shards[syncutil.Shard(key)]
	p := s.liveLocked(shard, key)
	before := p.Clone()
	if p.Apply(obs) {
		shard[key] = p
	}
	return before, nil
}

// Get returns a copy of the current profile.
func (s *MemoryStore) Get(ctx context.Context, tenantID, cardID string) (*domain.CardProfile, error) {
	key, err := cardKey(tenantID, cardID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	return s.liveLocked(s.shards[syncutil.Shard(key)], key).Clone(), nil
}

// LinkDevice records the card on the device and returns the distinct card
// count. Past MaxDeviceCards the least recently linked card is dropped.
func (s *MemoryStore) LinkDevice(ctx context.Context, tenantID, deviceID, cardID string) (int, error) {
	key, err := deviceKey(tenantID, deviceID)
	if err != nil {
		return 0, err
	}
	if cardID == "" {
		return 0, fmt.Errorf("history: cardID is required")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	now := s.now()
	shard := s.devices[syncutil.Shard(key)]
	dc, ok := shard[key]
	if !ok || (s.ttl > 0 && now.Sub(dc.lastSeen) > s.ttl) {
		dc = &deviceCards{cards: make(map[string]time.Time)}
		shard[key] = dc
	}
	dc.cards[cardID] = now
	dc.lastSeen = now
	if len(dc.cards) > domain.MaxDeviceCards {
		oldest, at := "", now
		for id, seen := range dc.cards {
			if id != cardID && !seen.After(at) {
				oldest, at = id, seen
			}
		}
		delete(dc.cards, oldest)
	}
	return len(dc.cards), nil
}

// Ping checks store health.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close drops all profiles.
func (s *MemoryStore) Close() error {
	s.once.Do(func() {
		for i := range s.shards {
			unlock := s.locks.LockShard(i)
			s.shards[i] = make(map[string]*domain.CardProfile)
			s.devices[i] = make(map[string]*deviceCards)
			unlock()
		}
	})
	return nil
}

// Caller must hold the shard lock of key.
func (s *MemoryStore) liveLocked(shard map[string]*domain.CardProfile, key string) *domain.CardProfile {
	p, ok := shard[key]
	if !ok {
		return &domain.CardProfile{}
	}
	if s.ttl > 0 && !p.LastTxAt.IsZero() && s.now().Sub(p.LastTxAt) > s.ttl {
		return &domain.CardProfile{}
	}
	return p
}
