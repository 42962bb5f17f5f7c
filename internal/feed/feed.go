// Package feed supplies scored (truck, trip) candidates to the audit stage.
package feed

import (
	"context"
	"strings"
	"sync"
	"time"

	"autoplan/internal/model"
)

// Feed is an external, already-materialized source of scored candidates.
type Feed interface {
	Name() string
	// Fetch returns candidates published after since.
	Fetch(ctx context.Context, since time.Time) ([]model.Candidate, error)
}

// MapDecision normalizes an upstream decision code. An empty code means the
// matcher proposed the pair without an explicit verdict, which is an accept.
func MapDecision(code string) model.Decision {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "", "accept", "accepted", "yes", "y", "1":
		return model.DecisionAccept
	case "reject", "rejected", "no", "n", "0":
		return model.DecisionReject
	default:
		return model.DecisionSkip
	}
}

// StaticFeed serves a fixed slice once per Drain. Used by tests and the
// `run --candidates` path.
type StaticFeed struct {
	mu    sync.Mutex
	items []model.Candidate
}

func NewStaticFeed(items ...model.Candidate) *StaticFeed {
	return &StaticFeed{items: items}
}

func (f *StaticFeed) Name() string { return "static" }

func (f *StaticFeed) Add(items ...model.Candidate) {
	f.mu.Lock()
	f.items = append(f.items, items...)
	f.mu.Unlock()
}

// Fetch hands out everything added so far and forgets it.
func (f *StaticFeed) Fetch(ctx context.Context, since time.Time) ([]model.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.items
	f.items = nil
	return out, nil
}
