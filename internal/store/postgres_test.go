package store

import (
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoplan/internal/model"
)

func TestTripColsAlias(t *testing.T) {
	plain := tripCols("")
	aliased := tripCols("t")
	assert.True(t, strings.HasPrefix(plain, "id::text"))
	assert.True(t, strings.HasPrefix(aliased, "t.id::text"))
	assert.Equal(t, strings.Count(plain, ","), strings.Count(aliased, ","))
	assert.NotContains(t, aliased, " id::text")
}

func TestValidID(t *testing.T) {
	assert.True(t, validID("0b8f4f2e-7c8a-4a77-9a53-0d6f3c1e2a10"))
	assert.False(t, validID("trip-1"))
	assert.False(t, validID(""))
}

func TestNullHelpers(t *testing.T) {
	assert.Nil(t, nullIfEmpty(""))
	assert.Equal(t, "x", nullIfEmpty("x"))
	assert.Nil(t, nullTime(time.Time{}))
	assert.Nil(t, nullFloat(nil))
	assert.Nil(t, latOf(nil))
	assert.Equal(t, 52.1, latOf(&model.GeoPoint{Lat: 52.1, Lng: 21}))
	assert.Nil(t, pointOf(sql.NullFloat64{Float64: 1, Valid: true}, sql.NullFloat64{}))
	assert.Nil(t, timePtr(sql.NullTime{}))
	assert.Nil(t, regionOrigin(nil))
	assert.Nil(t, regionDest(&model.RegionInfo{Origin: "PL"}))
}

func TestAttrsJSON(t *testing.T) {
	v, err := attrsJSON(nil)
	require.NoError(t, err)
	assert.Nil(t, v)
	v, err = attrsJSON(map[string]any{"load_lat": 52.2})
	require.NoError(t, err)
	assert.Equal(t, `{"load_lat":52.2}`, v)
}

func TestIsInformational(t *testing.T) {
	assert.True(t, IsInformational(noteAgedTail))
	assert.True(t, IsInformational(noteLinkPrefix+"abc"))
	assert.False(t, IsInformational("boom"))
	assert.False(t, IsInformational(""))
}

func TestSchemaEmbedded(t *testing.T) {
	for _, table := range []string{"draft_trips", "audit_records", "trips", "trip_segments", "route_cache", "autoplan_runs"} {
		assert.Contains(t, schemaSQL, "CREATE TABLE IF NOT EXISTS "+table)
	}
}
