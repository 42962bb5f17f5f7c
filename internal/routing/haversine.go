package routing

import (
	"math"

	"autoplan/internal/model"
)

const earthRadiusM = 6371000.0

// DefaultFallbackSpeedKmh is the average road speed assumed by Fallback.
const DefaultFallbackSpeedKmh = 70.0

// HaversineMeters is the great-circle distance between two points.
func HaversineMeters(a, b model.GeoPoint) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Fallback estimates a route from the great-circle distance and a constant
// speed. It never carries a polyline.
func Fallback(origin, destination model.GeoPoint, speedKmh float64) Result {
	if speedKmh <= 0 {
		speedKmh = DefaultFallbackSpeedKmh
	}
	dist := HaversineMeters(origin, destination)
	return Result{
		DistanceM: dist,
		DurationS: dist / 1000 / speedKmh * 3600,
		Backend:   BackendHaversine,
	}
}
