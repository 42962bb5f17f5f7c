package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTripMetaKeepsUnknownKeys(t *testing.T) {
	in := []byte(`{"region_info":{"origin":"PL-MZ","destination":"DE-BE"},"price":1200.5,"broker_ref":"X-77","tags":["a","b"]}`)
	var m TripMeta
	require.NoError(t, json.Unmarshal(in, &m))
	require.NotNil(t, m.Region)
	assert.Equal(t, "PL-MZ", m.Region.Origin)
	require.NotNil(t, m.Price)
	assert.InDelta(t, 1200.5, *m.Price, 1e-9)
	assert.Contains(t, m.Extra, "broker_ref")

	m.Confirmation = &ConfirmationDecision{PMin: 0.4, RPMMin: 120, Source: "static"}
	out, err := json.Marshal(m)
	require.NoError(t, err)

	var back map[string]any
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, "X-77", back["broker_ref"])
	assert.Contains(t, back, "confirmation_decision")
	assert.Len(t, back["tags"], 2)
}

func TestResolveEndpointsConventions(t *testing.T) {
	typed := TripSegment{Start: &GeoPoint{Lat: 52.2, Lng: 21.0}, End: &GeoPoint{Lat: 52.5, Lng: 13.4}}
	a, b, ok := typed.ResolveEndpoints()
	require.True(t, ok)
	assert.Equal(t, 52.2, a.Lat)
	assert.Equal(t, 13.4, b.Lng)

	cases := []map[string]any{
		{"load_lat": 52.2, "load_lon": 21.0, "unload_lat": 52.5, "unload_lon": 13.4},
		{"start_lat": "52.2", "start_lng": "21.0", "end_lat": "52.5", "end_lng": "13.4"},
		{"from_lat": 52.2, "from_lng": 21, "to_lat": 52.5, "to_lng": 13.4},
		{"origin": map[string]any{"lat": 52.2, "lon": 21.0}, "destination": map[string]any{"lat": 52.5, "lng": 13.4}},
	}
	for _, attrs := range cases {
		a, b, ok := TripSegment{Attrs: attrs}.ResolveEndpoints()
		require.True(t, ok, "attrs %v", attrs)
		assert.InDelta(t, 52.2, a.Lat, 1e-9)
		assert.InDelta(t, 13.4, b.Lng, 1e-9)
	}

	_, _, ok = TripSegment{Attrs: map[string]any{"load_lat": 1.0}}.ResolveEndpoints()
	assert.False(t, ok)
	_, _, ok = TripSegment{Start: &GeoPoint{Lat: 95, Lng: 0}, End: &GeoPoint{}}.ResolveEndpoints()
	assert.False(t, ok)
}

func TestNeedsRoute(t *testing.T) {
	assert.True(t, TripSegment{}.NeedsRoute())
	assert.True(t, TripSegment{RoadKm: 10, DriveSec: 600}.NeedsRoute())
	assert.False(t, TripSegment{RoadKm: 10, DriveSec: 600, Polyline: "abc"}.NeedsRoute())
	assert.True(t, TripSegment{RoadKm: 10, DriveSec: 600, RouteBackend: FallbackBackend}.NeedsRoute())
	assert.False(t, TripSegment{RouteBackend: "osrm"}.NeedsRoute())
}

func TestConfirmCriteriaInclusiveWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	c := ConfirmCriteria{
		AllowedStatuses: []TripStatus{StatusDraft},
		PMin:            0.4, RPMMin: 120,
		WindowStart: now.Add(2 * time.Hour), WindowEnd: now.Add(24 * time.Hour),
	}
	d := &DraftTrip{PArrive: 0.6, RPM: 150}
	trip := func(ls time.Time) Trip { return Trip{Status: StatusDraft, LoadStart: ls} }

	assert.False(t, c.Matches(trip(now.Add(2*time.Hour-time.Second)), d))
	assert.True(t, c.Matches(trip(now.Add(2*time.Hour)), d))
	assert.True(t, c.Matches(trip(now.Add(24*time.Hour)), d))
	assert.False(t, c.Matches(trip(now.Add(24*time.Hour+time.Second)), d))

	fails := c.Check(trip(now.Add(5*time.Hour)), &DraftTrip{PArrive: 0.3, RPM: 100})
	require.Len(t, fails, 2)
	assert.Equal(t, "p_arrive", fails[0].Check)
	assert.Equal(t, "rpm", fails[1].Check)

	confirmed := trip(now.Add(5 * time.Hour))
	confirmed.Status = StatusConfirmed
	assert.False(t, c.Matches(confirmed, d))
	assert.False(t, c.Matches(trip(now.Add(5*time.Hour)), nil))

	c.AllowedStatuses = []TripStatus{StatusDraft, StatusConfirmed}
	assert.False(t, c.Matches(confirmed, d))
	stamped := trip(now.Add(5 * time.Hour))
	stamped.ConfirmedAt = &now
	assert.False(t, c.Matches(stamped, d))
}
