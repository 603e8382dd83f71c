package risk

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) domain.Repository {
	t.Helper()
	f, err := os.CreateTemp("", "kestrel-risk-*.db")
	require.NoError(t, err)
	path := f.Name()
	f.Close()
	t.Cleanup(func() {
		os.Remove(path)
		os.Remove(path + "-wal")
		os.Remove(path + "-shm")
	})

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: path})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

// countingRepo counts entity reads.
type countingRepo struct {
	domain.Repository
	cardReads atomic.Int32
}

func (r *countingRepo) GetCard(ctx context.Context, tenantID, cardID string) (*domain.CardRecord, error) {
	r.cardReads.Add(1)
	return r.Repository.GetCard(ctx, tenantID, cardID)
}

// slowRepo blocks entity reads until the context is done.
type slowRepo struct {
	domain.Repository
}

func (slowRepo) GetMerchant(ctx context.Context, _, _ string) (*domain.MerchantRecord, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	base := newRepo(t)
	require.NoError(t, base.SaveCard(ctx, "t1", &domain.CardRecord{
		ID: "card-1", HomeCountry: "US", HomeCity: "New York", RiskBucket: domain.RiskLow,
	}))
	require.NoError(t, base.SaveMerchant(ctx, "t1", &domain.MerchantRecord{
		ID: "m-1", MCC: "5411", RiskBucket: domain.RiskLow, AvgTicket: 45,
	}))
	require.NoError(t, base.SaveDevice(ctx, "t1", &domain.DeviceRecord{
		ID: "d-1", IsProxy: true, CardCount: 2, RiskBucket: domain.RiskMedium,
	}))

	t.Run("known records", func(t *testing.T) {
		l := NewLookup(base, nil, time.Minute, time.Second)

		card, err := l.Card(ctx, "t1", "card-1")
		require.NoError(t, err)
		assert.True(t, card.Known)
		assert.Equal(t, "New York", card.HomeCity)

		m, err := l.Merchant(ctx, "t1", "m-1")
		require.NoError(t, err)
		assert.True(t, m.Known)
		assert.Equal(t, 45.0, m.AvgTicket)

		d, err := l.Device(ctx, "t1", "d-1")
		require.NoError(t, err)
		assert.True(t, d.Known)
		assert.True(t, d.IsProxy)
	})

	t.Run("missing entity is the unknown sentinel", func(t *testing.T) {
		l := NewLookup(base, nil, time.Minute, time.Second)

		card, err := l.Card(ctx, "t1", "nope")
		require.NoError(t, err)
		assert.False(t, card.Known)
		assert.Equal(t, domain.RiskUnknown, card.RiskBucket)

		d, err := l.Device(ctx, "t1", "")
		require.NoError(t, err)
		assert.False(t, d.Known)
	})

	t.Run("cache serves repeat reads and keeps Known", func(t *testing.T) {
		repo := &countingRepo{Repository: base}
		l := NewLookup(repo, cache.NewLRUCache(100), time.Minute, time.Second)

		for i := 0; i < 3; i++ {
			card, err := l.Card(ctx, "t1", "card-1")
			require.NoError(t, err)
			assert.True(t, card.Known)
		}
		assert.Equal(t, int32(1), repo.cardReads.Load())

		for i := 0; i < 2; i++ {
			card, err := l.Card(ctx, "t1", "ghost")
			require.NoError(t, err)
			assert.False(t, card.Known)
		}
		assert.Equal(t, int32(2), repo.cardReads.Load())

		l.Invalidate(ctx, "t1", "card:card-1")
		_, err := l.Card(ctx, "t1", "card-1")
		require.NoError(t, err)
		assert.Equal(t, int32(3), repo.cardReads.Load())
	})

	t.Run("save replaces cached answers", func(t *testing.T) {
		l := NewLookup(base, cache.NewLRUCache(100), time.Minute, time.Second)

		d, err := l.Device(ctx, "t1", "d-new")
		require.NoError(t, err)
		assert.False(t, d.Known, "negative answer is cached")
		require.NoError(t, l.SaveDevice(ctx, "t1", &domain.DeviceRecord{ID: "d-new", CardCount: 4, RiskBucket: domain.RiskHigh}))
		d, err = l.Device(ctx, "t1", "d-new")
		require.NoError(t, err)
		assert.True(t, d.Known)
		assert.Equal(t, 4, d.CardCount)

		_, err = l.Card(ctx, "t1", "card-1")
		require.NoError(t, err)
		require.NoError(t, l.SaveCard(ctx, "t1", &domain.CardRecord{ID: "card-1", HomeCountry: "US", HomeCity: "Boston", RiskBucket: domain.RiskLow}))
		card, err := l.Card(ctx, "t1", "card-1")
		require.NoError(t, err)
		assert.Equal(t, "Boston", card.HomeCity)

		require.NoError(t, l.SaveMerchant(ctx, "t1", &domain.MerchantRecord{ID: "m-2", MCC: "7995", RiskBucket: domain.RiskHigh}))
		m, err := l.Merchant(ctx, "t1", "m-2")
		require.NoError(t, err)
		assert.True(t, m.Known)

		assert.Error(t, l.SaveCard(ctx, "", &domain.CardRecord{ID: "card-1"}))
	})

	t.Run("tenant isolation", func(t *testing.T) {
		l := NewLookup(base, cache.NewLRUCache(100), time.Minute, time.Second)
		card, err := l.Card(ctx, "t2", "card-1")
		require.NoError(t, err)
		assert.False(t, card.Known)
	})

	t.Run("timeout is an error", func(t *testing.T) {
		l := NewLookup(slowRepo{Repository: base}, nil, time.Minute, 10*time.Millisecond)
		start := time.Now()
		_, err := l.Merchant(ctx, "t1", "m-1")
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("tenant required", func(t *testing.T) {
		l := NewLookup(base, nil, time.Minute, time.Second)
		_, err := l.Card(ctx, "", "card-1")
		assert.ErrorIs(t, err, domain.ErrTenantRequired)
	})
}

func TestGazetteer(t *testing.T) {
	var g Gazetteer

	ny, ok := g.Resolve("us", "new york")
	require.True(t, ok)
	assert.InDelta(t, 40.7128, ny.Latitude, 1e-9)

	fr, ok := g.Resolve("FR", "Somewhere")
	require.True(t, ok)
	assert.Equal(t, "", fr.City)
	assert.InDelta(t, 46.227638, fr.Latitude, 1e-9)

	for _, cc := range []string{"RU", "NG", "AR", "ZA", "KR", "SG", "AE", "UA", "TR", "NZ"} {
		_, ok := g.Resolve(cc, "")
		assert.True(t, ok, cc)
	}
	assert.GreaterOrEqual(t, len(countryCoords), 200)
	for cc := range countryCoords {
		assert.Len(t, cc, 2)
	}

	_, ok = g.Resolve("ZZ", "")
	assert.False(t, ok)
	_, ok = g.Resolve("", "London")
	assert.False(t, ok)
}

func TestDistanceKm(t *testing.T) {
	var g Gazetteer
	ny, _ := g.Resolve("US", "New York")
	london, _ := g.Resolve("GB", "London")
	paris, _ := g.Resolve("FR", "Paris")

	assert.InDelta(t, 5570, DistanceKm(ny, london), 15)
	assert.InDelta(t, 344, DistanceKm(london, paris), 5)
	lagos, _ := g.Resolve("NG", "")
	assert.Greater(t, DistanceKm(ny, lagos), 1000.0)
	assert.Equal(t, 0.0, DistanceKm(ny, ny))
	assert.InDelta(t, DistanceKm(ny, london), DistanceKm(london, ny), 1e-9)
}

func TestCalendar(t *testing.T) {
	cal, err := NewCalendar([]string{"2024-02-14", "GB:2024-05-06"})
	require.NoError(t, err)

	day := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 12, 0, 0, 0, time.UTC) }

	assert.True(t, cal.IsHoliday("US", day(2024, time.January, 1)))
	assert.True(t, cal.IsHoliday("", day(2024, time.December, 25)))
	assert.True(t, cal.IsHoliday("US", day(2024, time.July, 4)))
	assert.False(t, cal.IsHoliday("GB", day(2024, time.July, 4)))
	assert.True(t, cal.IsHoliday("US", day(2024, time.November, 28)))
	assert.False(t, cal.IsHoliday("US", day(2024, time.November, 21)))
	assert.True(t, cal.IsHoliday("DE", day(2024, time.February, 14)))
	assert.True(t, cal.IsHoliday("GB", day(2024, time.May, 6)))
	assert.False(t, cal.IsHoliday("US", day(2024, time.May, 6)))
	assert.False(t, cal.IsHoliday("US", day(2024, time.March, 12)))

	_, err = NewCalendar([]string{"US:2024-13-01"})
	assert.Error(t, err)
}

func TestIPResolverDisabled(t *testing.T) {
	r, err := OpenIPResolver(domain.GeoIPConfig{HostingKeywords: []string{"AWS"}})
	require.NoError(t, err)
	defer r.Close()

	assert.False(t, r.Enabled())
	_, ok := r.Lookup("8.8.8.8")
	assert.False(t, ok)

	_, err = OpenIPResolver(domain.GeoIPConfig{CityDB: "/nonexistent/GeoLite2-City.mmdb"})
	assert.Error(t, err)
}

func TestIsHostingOrg(t *testing.T) {
	keywords := []string{"amazon", "hetzner", "vpn"}
	assert.True(t, isHostingOrg("AMAZON-02", keywords))
	assert.True(t, isHostingOrg("Hetzner Online GmbH", keywords))
	assert.True(t, isHostingOrg("NordVPN S.A.", keywords))
	assert.False(t, isHostingOrg("Comcast Cable Communications", keywords))
	assert.False(t, isHostingOrg("", keywords))
}
