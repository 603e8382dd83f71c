// Package features turns a transaction into the fixed-schema feature vector.
package features

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/risk"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"golang.org/x/sync/errgroup"
)

// Degraded feature groups.
const (
	GroupVelocity = "velocity"
	GroupHistory  = "history"
	GroupCard     = "card"
	GroupMerchant = "merchant"
	GroupDevice   = "device"
)

var errVelocityDegraded = errors.New("velocity store unavailable, using fallback counters")

// Deps are the collaborators of a Generator.
type Deps struct {
	Velocity *velocity.Guard
	History  domain.HistoryStore
	Lookup   domain.RiskLookup
	IP       *risk.IPResolver // optional
	Calendar *risk.Calendar   // optional

	// Timeout bounds the history call; lookups and velocity carry their own.
	Timeout time.Duration
}

// Generator builds feature vectors. It is safe for concurrent use.
type Generator struct {
	velocity *velocity.Guard
	history  domain.HistoryStore
	lookup   domain.RiskLookup
	ip       *risk.IPResolver
	calendar *risk.Calendar
	geo      risk.Gazetteer
	timeout  time.Duration
}

// New creates a Generator.
func New(d Deps) *Generator {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	return &Generator{
		velocity: d.Velocity,
		history:  d.History,
		lookup:   d.Lookup,
		ip:       d.IP,
		calendar: d.Calendar,
		timeout:  timeout,
	}
}

// inputs gathers everything fetched for one transaction.
type inputs struct {
	card     *domain.CardRecord
	merchant *domain.MerchantRecord
	device   *domain.DeviceRecord
	profile  *domain.CardProfile
	stats    []domain.WindowStat

	// deviceCards is the distinct card count seen on the device; zero when
	// unavailable.
	deviceCards int

	loc       domain.Location
	hasLoc    bool
	ipHosting bool

	failed map[string]error
}

// Generate builds the feature vector for tx. It records the transaction in
// the velocity and history stores as a side effect, after reading them.
// Failures of any sub-computation leave the affected fields at their
// defaults and mark the group degraded; Generate itself never fails.
func (g *Generator) Generate(ctx context.Context, tx *domain.Transaction) *domain.FeatureVector {
	v := domain.NewFeatureVector()
	in := g.gather(ctx, tx)

	g.temporal(v, tx, in)
	g.amount(v, tx, in)
	g.velocityFeatures(v, in)
	g.geographic(v, tx, in)
	g.deviceFeatures(v, tx, in)
	g.merchantFeatures(v, tx, in)
	g.cardFeatures(v, tx, in)

	for _, group := range []string{GroupVelocity, GroupHistory, GroupCard, GroupMerchant, GroupDevice} {
		if err, ok := in.failed[group]; ok {
			v.MarkDegraded(group)
			metrics.DegradedFeatures.WithLabelValues(group).Inc()
			logging.L(ctx).Warn("feature group degraded",
				"tx_id", tx.ID,
				"tenant_id", tx.TenantID,
				"group", group,
				"error", err,
			)
		}
	}
	return v
}

func (g *Generator) gather(ctx context.Context, tx *domain.Transaction) *inputs {
	in := &inputs{failed: make(map[string]error)}
	in.loc, in.hasLoc = g.locate(tx, in)

	var (
		cardErr, merchantErr, deviceErr, historyErr error
		velocityDegraded                            bool
	)

	var eg errgroup.Group
	eg.Go(func() error {
		in.card, cardErr = g.lookup.Card(ctx, tx.TenantID, tx.CardID)
		return nil
	})
	eg.Go(func() error {
		in.merchant, merchantErr = g.lookup.Merchant(ctx, tx.TenantID, tx.MerchantID)
		return nil
	})
	if tx.DeviceID != "" {
		eg.Go(func() error {
			in.device, deviceErr = g.lookup.Device(ctx, tx.TenantID, tx.DeviceID)
			return nil
		})
		eg.Go(func() error {
			hctx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			n, err := g.history.LinkDevice(hctx, tx.TenantID, tx.DeviceID, tx.CardID)
			if err != nil {
				logging.L(ctx).Warn("device card link failed",
					"tx_id", tx.ID,
					"tenant_id", tx.TenantID,
					"error", err,
				)
				return nil
			}
			in.deviceCards = n
			return nil
		})
	}
	eg.Go(func() error {
		in.stats, velocityDegraded = g.velocity.Observe(ctx, tx.TenantID, tx.CardID, tx.ID, tx.Amount, tx.Timestamp)
		return nil
	})
	eg.Go(func() error {
		hctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		in.profile, historyErr = g.history.Observe(hctx, tx.TenantID, tx.CardID, domain.Observation{
			TxID:       tx.ID,
			Amount:     tx.Amount,
			Timestamp:  tx.Timestamp,
			Country:    in.loc.Country,
			City:       in.loc.City,
			MerchantID: tx.MerchantID,
			DeviceID:   tx.DeviceID,
		})
		return nil
	})
	_ = eg.Wait()

	if cardErr != nil {
		in.failed[GroupCard] = cardErr
		in.card = nil
	}
	if merchantErr != nil {
		in.failed[GroupMerchant] = merchantErr
		in.merchant = nil
	}
	if deviceErr != nil {
		in.failed[GroupDevice] = deviceErr
		in.device = nil
	}
	if historyErr != nil {
		in.failed[GroupHistory] = historyErr
		in.profile = nil
	} else if in.profile == nil {
		in.profile = &domain.CardProfile{}
	}
	if velocityDegraded {
		in.failed[GroupVelocity] = errVelocityDegraded
	}
	return in
}

// locate resolves where the transaction happened: the declared country and
// city first, then the IP address.
func (g *Generator) locate(tx *domain.Transaction, in *inputs) (domain.Location, bool) {
	var ipInfo risk.IPInfo
	var ipOK bool
	if tx.IP != "" && g.ip.Enabled() {
		ipInfo, ipOK = g.ip.Lookup(tx.IP)
		in.ipHosting = ipOK && ipInfo.Hosting
	}

	if tx.Country != "" {
		if loc, ok := g.geo.Resolve(tx.Country, tx.City); ok {
			return loc, true
		}
		// The IP position stands in when it agrees on the country.
		if ipOK && strings.EqualFold(ipInfo.Location.Country, tx.Country) {
			loc := ipInfo.Location
			loc.Country = tx.Country
			return loc, true
		}
		return domain.Location{Country: tx.Country, City: tx.City}, false
	}
	if ipOK && ipInfo.Location.Country != "" {
		return ipInfo.Location, true
	}
	return domain.Location{}, false
}

func (g *Generator) temporal(v *domain.FeatureVector, tx *domain.Transaction, in *inputs) {
	ts := tx.Timestamp.UTC()
	hour := float64(ts.Hour())
	dow := (int(ts.Weekday()) + 6) % 7 // Monday = 0

	v.Set(domain.FeatHour, hour)
	v.Set(domain.FeatHourSin, math.Sin(2*math.Pi*hour/24))
	v.Set(domain.FeatHourCos, math.Cos(2*math.Pi*hour/24))
	v.Set(domain.FeatDayOfWeek, float64(dow))
	v.SetBool(domain.FeatIsWeekend, dow >= 5)
	v.Set(domain.FeatMonth, float64(ts.Month()))

	country := in.loc.Country
	if country == "" && in.card != nil {
		country = in.card.HomeCountry
	}
	v.SetBool(domain.FeatIsHoliday, g.calendar.IsHoliday(country, ts))
}

func (g *Generator) amount(v *domain.FeatureVector, tx *domain.Transaction, in *inputs) {
	v.Set(domain.FeatAmount, tx.Amount)
	v.Set(domain.FeatAmountLog, math.Log1p(tx.Amount))

	if _, failed := in.failed[GroupHistory]; failed {
		return
	}
	mean := in.profile.Mean(tx.Amount)
	std := in.profile.StdDev(domain.DefaultAmountStdDevFloor)
	v.Set(domain.FeatAmountZScore, (tx.Amount-mean)/std)
}

func (g *Generator) velocityFeatures(v *domain.FeatureVector, in *inputs) {
	for _, s := range in.stats {
		fs, ok := domain.VelocityFeatures[int(s.Window/time.Minute)]
		if !ok || s.Window%time.Minute != 0 {
			continue
		}
		v.Set(fs[0], float64(s.Count))
		v.Set(fs[1], s.Sum)
	}
}

func (g *Generator) geographic(v *domain.FeatureVector, tx *domain.Transaction, in *inputs) {
	country := in.loc.Country

	if in.card != nil && in.card.HomeCountry != "" && country != "" {
		v.SetBool(domain.FeatCountryChange, in.card.HomeCountry != country)
		if home, ok := g.geo.Resolve(in.card.HomeCountry, in.card.HomeCity); ok && in.hasLoc {
			v.Set(domain.FeatDistanceFromHome, risk.DistanceKm(home, in.loc))
		}
	}

	if _, failed := in.failed[GroupHistory]; failed {
		return
	}
	p := in.profile
	ts := tx.Timestamp

	recent := p.CountriesSince(ts.Add(-domain.CountryHorizon))
	if country != "" {
		if seen, ok := p.Countries[country]; !ok || seen.Before(ts.Add(-domain.CountryHorizon)) {
			recent++
		}
	}
	v.Set(domain.FeatRecentCountryCount, float64(recent))
	v.SetBool(domain.FeatGeographicVelocity, recent > 2)

	if p.TxCount > 0 && !p.LastTxAt.IsZero() {
		gap := ts.Sub(p.LastTxAt)
		v.Set(domain.FeatHoursSinceLastTx, math.Max(gap.Hours(), 0))
		v.SetBool(domain.FeatRapidCountryChange,
			country != "" && p.LastCountry != "" && p.LastCountry != country &&
				gap >= 0 && gap <= domain.RapidCountryHopSpan)
	}
}

func (g *Generator) deviceFeatures(v *domain.FeatureVector, tx *domain.Transaction, in *inputs) {
	if tx.DeviceID == "" {
		v.SetBool(domain.FeatNewDevice, false)
		v.Set(domain.FeatDeviceRiskScore, DeviceRiskScore(0, in.ipHosting))
		return
	}
	d := in.device
	if d == nil {
		// lookup failed: leave defaults
		return
	}

	cards := max(d.CardCount, in.deviceCards, 1)
	v.Set(domain.FeatDeviceCardCount, float64(cards))

	// A device is new when neither the registry nor this card's history
	// has seen it.
	if !d.Known && !in.profile.KnowsDevice(tx.DeviceID) {
		v.SetBool(domain.FeatNewDevice, true)
		v.Set(domain.FeatDeviceRiskScore, domain.DefaultNewDeviceRisk)
		return
	}
	v.SetBool(domain.FeatNewDevice, false)
	v.Set(domain.FeatDeviceRiskScore, DeviceRiskScore(cards, d.IsProxy || d.IsVPN || in.ipHosting))
}

func (g *Generator) merchantFeatures(v *domain.FeatureVector, tx *domain.Transaction, in *inputs) {
	m := in.merchant
	if m == nil {
		return
	}
	if !m.Known {
		v.SetBool(domain.FeatMerchantNovelty, true)
		v.Set(domain.FeatMerchantRiskScore, domain.DefaultUnknownMerchant)
		return
	}

	mcc := tx.MCC
	if mcc == "" {
		mcc = m.MCC
	}
	v.Set(domain.FeatMerchantRiskScore, MerchantRiskScore(mcc, m.RiskBucket))
	v.Set(domain.FeatMerchantAvgTicket, m.AvgTicket)
	if _, failed := in.failed[GroupHistory]; !failed {
		v.SetBool(domain.FeatMerchantNovelty, !in.profile.KnowsMerchant(tx.MerchantID))
	}
}

func (g *Generator) cardFeatures(v *domain.FeatureVector, tx *domain.Transaction, in *inputs) {
	c := in.card
	if c == nil {
		return
	}
	v.Set(domain.FeatCardRiskScore, c.RiskBucket.Score())
	if c.Known && !c.IssuedAt.IsZero() {
		v.Set(domain.FeatCardAgeDays, math.Max(tx.Timestamp.Sub(c.IssuedAt).Hours()/24, 0))
	}
	if c.IsolationScore > 0 {
		v.Set(domain.FeatIsolationScore, c.IsolationScore)
	}
}
