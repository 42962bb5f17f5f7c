package policy

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoplan/internal/logger"
	"autoplan/internal/model"
)

var now = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type rpmStub struct {
	vals []float64
	err  error
}

func (s rpmStub) RecentRPMs(context.Context, time.Time) ([]float64, error) { return s.vals, s.err }

func TestCriteriaWindowBounds(t *testing.T) {
	th := DefaultThresholds()
	th.PMin, th.RPMMin = 0.4, 120
	p := New(th, nil, nil)
	crit, eff := p.Criteria(context.Background(), now)

	assert.Equal(t, now.Add(2*time.Hour), crit.WindowStart)
	assert.Equal(t, now.Add(24*time.Hour), crit.WindowEnd)
	assert.Equal(t, SourceStatic, eff.RPMSource)
	assert.Equal(t, 120.0, crit.RPMMin)

	draft := &model.DraftTrip{PArrive: 0.6, RPM: 150}
	at := func(d time.Duration) model.Trip { return model.Trip{Status: model.StatusDraft, LoadStart: now.Add(d)} }
	assert.False(t, crit.Matches(at(2*time.Hour-time.Second), draft))
	assert.True(t, crit.Matches(at(2*time.Hour), draft))
	assert.True(t, crit.Matches(at(24*time.Hour), draft))
	assert.False(t, crit.Matches(at(24*time.Hour+time.Second), draft))
}

func TestDynamicFloorQuantileAndClamp(t *testing.T) {
	d := DynamicRPM{Enabled: true, Quantile: 0.25, Floor: 50, MinSamples: 4}
	got, ok := DynamicFloor([]float64{400, 100, 300, 200}, d)
	require.True(t, ok)
	assert.Equal(t, 100.0, got)

	d.Floor = 150
	got, ok = DynamicFloor([]float64{400, 100, 300, 200}, d)
	require.True(t, ok)
	assert.Equal(t, 150.0, got)

	_, ok = DynamicFloor([]float64{1, 2}, d)
	assert.False(t, ok)
}

func TestDynamicBelowStaticWarnsOnly(t *testing.T) {
	th := DefaultThresholds()
	th.RPMMin = 120
	th.Dynamic = DynamicRPM{Enabled: true, Quantile: 0.25, Floor: 10, Lookback: time.Hour, MinSamples: 4}
	var buf bytes.Buffer
	p := New(th, rpmStub{vals: []float64{90, 95, 100, 105}}, logger.NewWithWriter("policy", &buf))

	crit, eff := p.Criteria(context.Background(), now)
	assert.Equal(t, SourceDynamic, eff.RPMSource)
	assert.Equal(t, 90.0, crit.RPMMin)
	assert.Equal(t, 120.0, eff.StaticRPMMin)
	assert.Contains(t, buf.String(), "below static floor")
}

func TestDynamicSourceErrorFallsBackToStatic(t *testing.T) {
	th := DefaultThresholds()
	th.Dynamic.Enabled = true
	p := New(th, rpmStub{err: errors.New("db down")}, nil)
	crit, eff := p.Criteria(context.Background(), now)
	assert.Equal(t, SourceStatic, eff.RPMSource)
	assert.Equal(t, th.RPMMin, crit.RPMMin)
}

func TestDiagnoseListsFailures(t *testing.T) {
	p := New(DefaultThresholds(), nil, nil)
	crit, eff := p.Criteria(context.Background(), now)
	snap := Diagnose(model.Trip{Status: model.StatusDraft, LoadStart: now.Add(time.Hour)}, &model.DraftTrip{PArrive: 0.1, RPM: 500}, crit, eff)
	require.Len(t, snap.Failures, 2)
	assert.Equal(t, "freeze", snap.Failures[0].Check)
	assert.Equal(t, "p_arrive", snap.Failures[1].Check)
	assert.Equal(t, 0.1, snap.PArrive)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, DefaultThresholds().Validate())
	bad := DefaultThresholds()
	bad.FreezeHours = 30
	assert.Error(t, bad.Validate())
	bad = DefaultThresholds()
	bad.AllowedStatuses = []model.TripStatus{"parked"}
	assert.Error(t, bad.Validate())
	for _, st := range []model.TripStatus{model.StatusConfirmed, model.StatusInProgress, model.StatusFinished, model.StatusError} {
		bad = DefaultThresholds()
		bad.AllowedStatuses = []model.TripStatus{model.StatusDraft, st}
		assert.Error(t, bad.Validate(), st)
	}
	bad = DefaultThresholds()
	bad.Dynamic.Enabled, bad.Dynamic.Quantile = true, 1.5
	assert.Error(t, bad.Validate())
}
