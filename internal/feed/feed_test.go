package feed

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoplan/internal/model"
)

const sample = `truck_id,trip_key,p_arrive,rpm,origin_lat,origin_lon,dest_lat,dest_lon,load_start,load_end,unload_start,unload_end,price,decision
T1,K1,0.6,150,52.2297,21.0122,52.52,13.405,2026-03-01T13:00:00Z,2026-03-01T14:00:00Z,2026-03-02T06:00:00Z,,1200,
T2,K2,0.2,90,50.06,19.94,48.14,11.58,2026-03-01T15:00:00Z,,,,,REJECTED
`

func TestParseCSV(t *testing.T) {
	cands, err := ParseCSV(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, cands, 2)
	c := cands[0]
	assert.Equal(t, "T1", c.TruckID)
	assert.Equal(t, model.DecisionAccept, c.Decision)
	assert.Equal(t, 21.0122, c.Origin.Lng)
	assert.Equal(t, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), c.LoadStart)
	assert.True(t, c.UnloadEnd.IsZero())
	require.NotNil(t, c.Price)
	assert.Equal(t, 1200.0, *c.Price)
	assert.Nil(t, c.TruckPos)
	assert.Equal(t, model.DecisionReject, cands[1].Decision)
	assert.Nil(t, cands[1].Price)
}

func TestParseCSVErrors(t *testing.T) {
	_, err := ParseCSV(strings.NewReader("truck_id,trip_key\nT1,K1\n"))
	assert.ErrorContains(t, err, "missing column")

	bad := strings.Replace(sample, "0.6", "abc", 1)
	_, err = ParseCSV(strings.NewReader(bad))
	assert.ErrorContains(t, err, "line 2")

	cands, err := ParseCSV(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestCSVFeedDirectorySince(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.csv")
	newPath := filepath.Join(dir, "new.csv")
	require.NoError(t, os.WriteFile(oldPath, []byte(sample), 0o644))
	require.NoError(t, os.WriteFile(newPath, []byte(sample), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(oldPath, past, past))

	f := CSVFeed{Path: dir}
	cands, err := f.Fetch(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, cands, 2)

	cands, err = f.Fetch(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Len(t, cands, 4)
}

func TestStaticFeedDrains(t *testing.T) {
	f := NewStaticFeed(model.Candidate{TruckID: "T1"})
	f.Add(model.Candidate{TruckID: "T2"})
	got, err := f.Fetch(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	got, _ = f.Fetch(context.Background(), time.Time{})
	assert.Empty(t, got)
}

func TestMapDecision(t *testing.T) {
	assert.Equal(t, model.DecisionAccept, MapDecision(""))
	assert.Equal(t, model.DecisionAccept, MapDecision("ACCEPT"))
	assert.Equal(t, model.DecisionReject, MapDecision("no"))
	assert.Equal(t, model.DecisionSkip, MapDecision("hold"))
}
