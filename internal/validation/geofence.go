package validation

import "math"

const earthRadiusMeters = 6371000.0

type Location struct {
	Latitude  float64
	Longitude float64
}

// DistanceMeters is the haversine great-circle distance between a and b.
func DistanceMeters(a, b Location) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// WithinRadius reports whether p is within radiusMeters of center.
func WithinRadius(center, p Location, radiusMeters float64) bool {
	return DistanceMeters(center, p) <= radiusMeters
}
