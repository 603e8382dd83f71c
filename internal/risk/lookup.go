// Package risk resolves entity risk records, locations and calendar facts
// for feature generation.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Default TTL for cached "not found" answers.
const defaultNegativeTTL = 30 * time.Second

// Lookup implements domain.RiskLookup over the repository with a
// read-through cache. Every repository call is bounded by timeout.
type Lookup struct {
	repo        domain.Repository
	cache       domain.Cache
	ttl         time.Duration
	negativeTTL time.Duration
	timeout     time.Duration
}

// NewLookup creates a lookup. c may be nil to disable caching.
func NewLookup(repo domain.Repository, c domain.Cache, ttl, timeout time.Duration) *Lookup {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	neg := defaultNegativeTTL
	if ttl < neg {
		neg = ttl
	}
	return &Lookup{repo: repo, cache: c, ttl: ttl, negativeTTL: neg, timeout: timeout}
}

// entry is the cached form. Known does not survive JSON on the records
// themselves, so it travels alongside.
type entry[T any] struct {
	Record *T   `json:"record,omitempty"`
	Known  bool `json:"known"`
}

// Card returns the card record, or the unknown sentinel when none is stored.
func (l *Lookup) Card(ctx context.Context, tenantID, cardID string) (*domain.CardRecord, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}
	if cardID == "" {
		return domain.UnknownCard(cardID), nil
	}
	rec, known, err := readThrough(ctx, l, tenantID, cardKey(cardID), func(ctx context.Context) (*domain.CardRecord, error) {
		return l.repo.GetCard(ctx, tenantID, cardID)
	})
	if err != nil {
		return nil, err
	}
	if !known {
		return domain.UnknownCard(cardID), nil
	}
	rec.Known = true
	return rec, nil
}

// Merchant returns the merchant record, or the unknown sentinel.
func (l *Lookup) Merchant(ctx context.Context, tenantID, merchantID string) (*domain.MerchantRecord, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}
	if merchantID == "" {
		return domain.UnknownMerchant(merchantID), nil
	}
	rec, known, err := readThrough(ctx, l, tenantID, merchantKey(merchantID), func(ctx context.Context) (*domain.MerchantRecord, error) {
		return l.repo.GetMerchant(ctx, tenantID, merchantID)
	})
	if err != nil {
		return nil, err
	}
	if !known {
		return domain.UnknownMerchant(merchantID), nil
	}
	rec.Known = true
	return rec, nil
}

// Device returns the device record, or the unknown sentinel.
func (l *Lookup) Device(ctx context.Context, tenantID, deviceID string) (*domain.DeviceRecord, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}
	if deviceID == "" {
		return domain.UnknownDevice(deviceID), nil
	}
	rec, known, err := readThrough(ctx, l, tenantID, deviceKey(deviceID), func(ctx context.Context) (*domain.DeviceRecord, error) {
		return l.repo.GetDevice(ctx, tenantID, deviceID)
	})
	if err != nil {
		return nil, err
	}
	if !known {
		return domain.UnknownDevice(deviceID), nil
	}
	rec.Known = true
	return rec, nil
}

// SaveCard stores the card and drops its cached entry.
func (l *Lookup) SaveCard(ctx context.Context, tenantID string, card *domain.CardRecord) error {
	if err := l.repo.SaveCard(ctx, tenantID, card); err != nil {
		return err
	}
	l.Invalidate(ctx, tenantID, cardKey(card.ID))
	return nil
}

// SaveMerchant stores the merchant and drops its cached entry.
func (l *Lookup) SaveMerchant(ctx context.Context, tenantID string, merchant *domain.MerchantRecord) error {
	if err := l.repo.SaveMerchant(ctx, tenantID, merchant); err != nil {
		return err
	}
	l.Invalidate(ctx, tenantID, merchantKey(merchant.ID))
	return nil
}

// SaveDevice stores the device and drops its cached entry.
func (l *Lookup) SaveDevice(ctx context.Context, tenantID string, device *domain.DeviceRecord) error {
	if err := l.repo.SaveDevice(ctx, tenantID, device); err != nil {
		return err
	}
	l.Invalidate(ctx, tenantID, deviceKey(device.ID))
	return nil
}

func cardKey(id string) string     { return "card:" + id }
func merchantKey(id string) string { return "merchant:" + id }
func deviceKey(id string) string   { return "device:" + id }

// Invalidate drops cached records so the next lookup reads the repository.
func (l *Lookup) Invalidate(ctx context.Context, tenantID string, keys ...string) {
	if l.cache == nil {
		return
	}
	for _, k := range keys {
		if err := l.cache.Delete(ctx, tenantID, k); err != nil {
			slog.Warn("risk cache invalidate failed", "key", k, "error", err)
		}
	}
}

func readThrough[T any](ctx context.Context, l *Lookup, tenantID, key string, load func(context.Context) (*T, error)) (*T, bool, error) {
	if l.cache != nil {
		e, found, err := cache.GetJSON[entry[T]](ctx, l.cache, tenantID, key)
		if err != nil {
			slog.Warn("risk cache read failed", "key", key, "error", err)
		} else if found && (!e.Known || e.Record != nil) {
			return e.Record, e.Known, nil
		}
	}

	lctx, cancel := context.WithTimeout(ctx, l.timeout)
	rec, err := load(lctx)
	cancel()

	switch {
	case errors.Is(err, repository.ErrNotFound):
		l.store(ctx, tenantID, key, entry[T]{}, l.negativeTTL)
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("lookup %s: %w", key, err)
	}

	l.store(ctx, tenantID, key, entry[T]{Record: rec, Known: true}, l.ttl)
	return rec, true, nil
}

func (l *Lookup) store(ctx context.Context, tenantID, key string, e any, ttl time.Duration) {
	if l.cache == nil {
		return
	}
	if err := cache.SetJSON(ctx, l.cache, tenantID, key, e, ttl); err != nil {
		slog.Warn("risk cache write failed", "key", key, "error", err)
	}
}
