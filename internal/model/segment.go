package model

import (
	"strconv"
)

// attribute naming conventions accepted for segment endpoints, in lookup order
var endpointConventions = []struct{ aLat, aLng, bLat, bLng string }{
	{"load_lat", "load_lon", "unload_lat", "unload_lon"},
	{"load_lat", "load_lng", "unload_lat", "unload_lng"},
	{"start_lat", "start_lon", "end_lat", "end_lon"},
	{"start_lat", "start_lng", "end_lat", "end_lng"},
	{"from_lat", "from_lng", "to_lat", "to_lng"},
	{"from_lat", "from_lon", "to_lat", "to_lon"},
}

// ResolveEndpoints returns the segment's start and end points, trying the
// typed columns first and then the attribute conventions.
func (s TripSegment) ResolveEndpoints() (GeoPoint, GeoPoint, bool) {
	if s.Start != nil && s.End != nil && s.Start.Valid() && s.End.Valid() {
		return *s.Start, *s.End, true
	}
	if len(s.Attrs) == 0 {
		return GeoPoint{}, GeoPoint{}, false
	}
	for _, c := range endpointConventions {
		a, okA := pointFrom(s.Attrs, c.aLat, c.aLng)
		b, okB := pointFrom(s.Attrs, c.bLat, c.bLng)
		if okA && okB {
			return a, b, true
		}
	}
	a, okA := nestedPoint(s.Attrs["origin"])
	b, okB := nestedPoint(s.Attrs["destination"])
	if okA && okB {
		return a, b, true
	}
	return GeoPoint{}, GeoPoint{}, false
}

// FallbackBackend marks routes estimated without the provider.
const FallbackBackend = "haversine"

// NeedsRoute reports whether any routing field is missing or zero. A route
// answered by the provider is final even when it has zero length.
func (s TripSegment) NeedsRoute() bool {
	if s.RouteBackend != "" && s.RouteBackend != FallbackBackend {
		return false
	}
	return s.RoadKm <= 0 || s.DriveSec <= 0 || s.Polyline == ""
}

func pointFrom(m map[string]any, latKey, lngKey string) (GeoPoint, bool) {
	lat, ok1 := toFloat(m[latKey])
	lng, ok2 := toFloat(m[lngKey])
	if !ok1 || !ok2 {
		return GeoPoint{}, false
	}
	p := GeoPoint{Lat: lat, Lng: lng}
	return p, p.Valid()
}

func nestedPoint(v any) (GeoPoint, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return GeoPoint{}, false
	}
	if p, ok := pointFrom(m, "lat", "lon"); ok {
		return p, true
	}
	return pointFrom(m, "lat", "lng")
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}
