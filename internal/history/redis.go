package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/retry"
	"github.com/redis/go-redis/v9"
)

// maxWatchAttempts bounds optimistic retries when concurrent writers race
// on the same card.
const maxWatchAttempts = 8

// RedisStore keeps each profile as a JSON value updated under WATCH, so
// read-modify-write is atomic per card across nodes.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Observe returns the profile before obs, then applies obs.
func (s *RedisStore) Observe(ctx context.Context, tenantID, cardID string, obs domain.Observation) (*domain.CardProfile, error) {
	key, err := redisCardKey(tenantID, cardID)
	if err != nil {
		return nil, err
	}

	var before *domain.CardProfile
	txf := func(tx *redis.Tx) error {
		p, err := load(ctx, tx.Get, key)
		if err != nil {
			return err
		}
		before = p.Clone()
		if !p.Apply(obs) {
			return nil
		}

		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}

	err = retry.Do(ctx, maxWatchAttempts, 2*time.Millisecond, func() error {
		err := s.client.Watch(ctx, txf, key)
		if err == nil || errors.Is(err, redis.TxFailedErr) {
			return err
		}
		return retry.Permanent(err)
	})
	if err != nil {
		return nil, fmt.Errorf("history observe: %w", err)
	}
	return before, nil
}

// Get returns the current profile.
func (s *RedisStore) Get(ctx context.Context, tenantID, cardID string) (*domain.CardProfile, error) {
	key, err := redisCardKey(tenantID, cardID)
	if err != nil {
		return nil, err
	}
	return load(ctx, s.client.Get, key)
}

// LinkDevice adds the card to the device's card set and returns its size.
func (s *RedisStore) LinkDevice(ctx context.Context, tenantID, deviceID, cardID string) (int, error) {
	key, err := deviceKey(tenantID, deviceID)
	if err != nil {
		return 0, err
	}
	if cardID == "" {
		return 0, fmt.Errorf("history: cardID is required")
	}
	key = cache.KeyPrefix + "history:" + key

	var size *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, cardID)
		size = pipe.SCard(ctx, key)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("history link device: %w", err)
	}
	return int(size.Val()), nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func load(ctx context.Context, get func(context.Context, string) *redis.StringCmd, key string) (*domain.CardProfile, error) {
	data, err := get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return &domain.CardProfile{}, nil
	}
	if err != nil {
		return nil, err
	}
	var p domain.CardProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode card profile: %w", err)
	}
	return &p, nil
}

func redisCardKey(tenantID, cardID string) (string, error) {
	key, err := cardKey(tenantID, cardID)
	if err != nil {
		return "", err
	}
	return cache.KeyPrefix + "history:" + key, nil
}
