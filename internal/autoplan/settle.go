package autoplan

import (
	"context"
	"errors"
	"time"

	"autoplan/internal/logger"
	"autoplan/internal/metrics"
	"autoplan/internal/model"
	"autoplan/internal/store"
)

const (
	DefaultSettleWindow = 6 * time.Hour
	MaxSettleWindow     = 24 * time.Hour
	DefaultSettleStale  = 120 * time.Second
)

type SettleOptions struct {
	Window time.Duration
	Stale  time.Duration
}

// Normalize applies defaults and caps the window.
func (o SettleOptions) Normalize() SettleOptions {
	if o.Window <= 0 {
		o.Window = DefaultSettleWindow
	}
	if o.Window > MaxSettleWindow {
		o.Window = MaxSettleWindow
	}
	if o.Stale <= 0 {
		o.Stale = DefaultSettleStale
	}
	return o
}

type SettleSummary struct {
	Since   time.Time          `json:"since"`
	Linked  int                `json:"linked"`
	AgedOut int                `json:"agedOut"`
	Backlog model.BacklogStats `json:"backlog"`
	Errors  []string           `json:"errors,omitempty"`
}

// Settler closes out accept audits that apply never marked: first by
// linking them to an existing unpushed draft of the truck, then by aging
// out what is still open after the stale threshold.
type Settler struct {
	Store store.Store
	Log   logger.Logger
	Now   func() time.Time
}

func NewSettler(s store.Store, log logger.Logger) *Settler {
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Settler{Store: s, Log: log, Now: func() time.Time { return time.Now().UTC() }}
}

func (s *Settler) Settle(ctx context.Context, o SettleOptions) (SettleSummary, error) {
	o = o.Normalize()
	now := s.Now()
	since := now.Add(-o.Window)
	sum := SettleSummary{Since: since}

	var errs []error
	linked, err := s.Store.SettleLink(ctx, since, now)
	if err != nil {
		errs = append(errs, storeErr("settle link", "", err))
	}
	sum.Linked = linked

	aged, err := s.Store.SettleAgeOut(ctx, since, now.Add(-o.Stale), now)
	if err != nil {
		errs = append(errs, storeErr("settle age-out", "", err))
	}
	sum.AgedOut = aged

	st, err := s.backlog(ctx, since)
	if err != nil {
		errs = append(errs, err)
	}
	sum.Backlog = st
	for _, e := range errs {
		sum.Errors = append(sum.Errors, e.Error())
	}
	metrics.StageRows.WithLabelValues("settle", "linked").Add(float64(linked))
	metrics.StageRows.WithLabelValues("settle", "aged_out").Add(float64(aged))
	s.Log.Infof("settle: window=%s linked=%d aged_out=%d backlog=%d annotated=%d", o.Window, linked, aged, st.Unapplied, st.Annotated)
	return sum, errors.Join(errs...)
}

// BacklogStats reports unapplied accept audits created within window,
// excluding rows already annotated by Settle.
func (s *Settler) BacklogStats(ctx context.Context, window time.Duration) (model.BacklogStats, error) {
	o := SettleOptions{Window: window}.Normalize()
	return s.backlog(ctx, s.Now().Add(-o.Window))
}

func (s *Settler) backlog(ctx context.Context, since time.Time) (model.BacklogStats, error) {
	st, err := s.Store.BacklogStats(ctx, since)
	if err != nil {
		return st, storeErr("backlog stats", "", err)
	}
	metrics.AuditBacklog.Set(float64(st.Unapplied))
	return st, nil
}
