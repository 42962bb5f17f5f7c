package schedule

import (
	"context"

	"autoplan/internal/logger"
)

// Anchor re-asserts one entry in the beat configuration and in the
// scheduler's table so a deploy that resets schedule state cannot silently
// drop the chain trigger.
type Anchor struct {
	Entry Entry
	Log   logger.Logger
}

func NewAnchor(e Entry, log logger.Logger) *Anchor {
	if log == nil {
		log = logger.NopLogger{}
	}
	if e.Queue == "" {
		e.Queue = "autoplan"
	}
	return &Anchor{Entry: e, Log: log}
}

// OnConfigured places the entry in cfg, replacing a different one under the
// same name.
func (a *Anchor) OnConfigured(cfg *BeatConfig) bool {
	if cfg.Entries == nil {
		cfg.Entries = map[string]Entry{}
	}
	cur, ok := cfg.Entries[a.Entry.Name]
	if ok && cur.Same(a.Entry) {
		return false
	}
	cfg.Entries[a.Entry.Name] = a.Entry
	a.Log.Infof("anchor %s: set in beat config (present=%t)", a.Entry.Name, ok)
	return true
}

// OnBeatInit compares the stored entry with the anchor and rewrites it when
// it is absent or differs.
func (a *Anchor) OnBeatInit(ctx context.Context, t Table) (bool, error) {
	cur, ok, err := t.Get(ctx, a.Entry.Name)
	if err != nil {
		return false, err
	}
	if ok && cur.Same(a.Entry) {
		return false, nil
	}
	if err := t.Put(ctx, a.Entry); err != nil {
		return false, err
	}
	if ok {
		a.Log.Warnf("anchor %s: table entry drifted (task=%s queue=%s schedule=%q), rewritten", a.Entry.Name, cur.Task, cur.Queue, cur.Schedule.Spec())
	} else {
		a.Log.Warnf("anchor %s: missing from table, written", a.Entry.Name)
	}
	return true, nil
}

// Seed writes every configured entry to t.
func Seed(ctx context.Context, t Table, cfg *BeatConfig) error {
	for _, e := range cfg.Sorted() {
		if err := t.Put(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
