package risk

import (
	"math"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EarthRadiusKm is the mean Earth radius used for great-circle distances.
const EarthRadiusKm = 6371.0

type coord struct{ lat, lon float64 }

// City coordinates keyed by "CC:lowercase city".
var cityCoords = map[string]coord{
	"US:new york":    {40.7128, -74.0060},
	"US:los angeles": {34.0522, -118.2437},
	"US:chicago":     {41.8781, -87.6298},
	"US:houston":     {29.7604, -95.3698},
	"US:miami":       {25.7617, -80.1918},
	"GB:london":      {51.5074, -0.1278},
	"GB:manchester":  {53.4808, -2.2426},
	"GB:birmingham":  {52.4862, -1.8904},
	"GB:glasgow":     {55.8642, -4.2518},
	"GB:liverpool":   {53.4084, -2.9916},
	"DE:berlin":      {52.5200, 13.4050},
	"DE:munich":      {48.1351, 11.5820},
	"DE:hamburg":     {53.5511, 9.9937},
	"DE:frankfurt":   {50.1109, 8.6821},
	"DE:cologne":     {50.9375, 6.9603},
	"FR:paris":       {48.8566, 2.3522},
	"FR:lyon":        {45.7640, 4.8357},
	"FR:marseille":   {43.2965, 5.3698},
	"FR:toulouse":    {43.6047, 1.4442},
	"FR:nice":        {43.7102, 7.2620},
	"CA:toronto":     {43.6532, -79.3832},
	"CA:vancouver":   {49.2827, -123.1207},
	"CA:montreal":    {45.5017, -73.5673},
	"CA:calgary":     {51.0447, -114.0719},
	"CA:ottawa":      {45.4215, -75.6972},
}

// Gazetteer resolves a country and optional city to coordinates.
type Gazetteer struct{}

// Resolve returns the city location when known, otherwise the country
// centroid. ok is false when neither is known.
func (Gazetteer) Resolve(country, city string) (domain.Location, bool) {
	country = strings.ToUpper(strings.TrimSpace(country))
	if country == "" {
		return domain.Location{}, false
	}
	if city != "" {
		if c, ok := cityCoords[country+":"+strings.ToLower(strings.TrimSpace(city))]; ok {
			return domain.Location{Country: country, City: city, Latitude: c.lat, Longitude: c.lon}, true
		}
	}
	c, ok := countryCoords[country]
	if !ok {
		return domain.Location{}, false
	}
	return domain.Location{Country: country, Latitude: c.lat, Longitude: c.lon}, true
}

// DistanceKm returns the great-circle distance between two points.
func DistanceKm(a, b domain.Location) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}
