package risk

import (
	"fmt"
	"net"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/oschwald/geoip2-golang"
)

// IPInfo is what a GeoIP lookup yields for one address.
type IPInfo struct {
	Location domain.Location
	ASN      uint
	Org      string

	// Hosting is true when the ASN organisation looks like a datacenter,
	// cloud provider, VPN or proxy.
	Hosting bool
}

// IPResolver looks addresses up in MaxMind City and ASN databases.
// Either database may be absent.
type IPResolver struct {
	city     *geoip2.Reader
	asn      *geoip2.Reader
	keywords []string
}

// OpenIPResolver opens the configured databases. With no paths configured
// it returns a resolver that never resolves.
func OpenIPResolver(cfg domain.GeoIPConfig) (*IPResolver, error) {
	r := &IPResolver{}
	for _, k := range cfg.HostingKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			r.keywords = append(r.keywords, k)
		}
	}

	if cfg.CityDB != "" {
		db, err := geoip2.Open(cfg.CityDB)
		if err != nil {
			return nil, fmt.Errorf("failed to open city database: %w", err)
		}
		r.city = db
	}
	if cfg.ASNDB != "" {
		db, err := geoip2.Open(cfg.ASNDB)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to open asn database: %w", err)
		}
		r.asn = db
	}
	return r, nil
}

// Enabled reports whether any database is loaded.
func (r *IPResolver) Enabled() bool {
	return r != nil && (r.city != nil || r.asn != nil)
}

// Lookup resolves an address. ok is false when the address is invalid or
// nothing could be resolved.
func (r *IPResolver) Lookup(ip string) (IPInfo, bool) {
	if !r.Enabled() {
		return IPInfo{}, false
	}
	addr := net.ParseIP(strings.TrimSpace(ip))
	if addr == nil {
		return IPInfo{}, false
	}

	var info IPInfo
	found := false
	if r.city != nil {
		if c, err := r.city.City(addr); err == nil && c.Country.IsoCode != "" {
			info.Location = domain.Location{
				Country:   c.Country.IsoCode,
				City:      c.City.Names["en"],
				Latitude:  c.Location.Latitude,
				Longitude: c.Location.Longitude,
			}
			found = true
		}
	}
	if r.asn != nil {
		if a, err := r.asn.ASN(addr); err == nil && a.AutonomousSystemNumber != 0 {
			info.ASN = a.AutonomousSystemNumber
			info.Org = a.AutonomousSystemOrganization
			info.Hosting = isHostingOrg(info.Org, r.keywords)
			found = true
		}
	}
	return info, found
}

// Close releases the databases.
func (r *IPResolver) Close() error {
	if r == nil {
		return nil
	}
	if r.city != nil {
		r.city.Close()
		r.city = nil
	}
	if r.asn != nil {
		r.asn.Close()
		r.asn = nil
	}
	return nil
}

func isHostingOrg(org string, keywords []string) bool {
	org = strings.ToLower(org)
	if org == "" {
		return false
	}
	for _, k := range keywords {
		if strings.Contains(org, k) {
			return true
		}
	}
	return false
}
