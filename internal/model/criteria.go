package model

import (
	"fmt"
	"time"
)

// ConfirmCriteria is the resolved eligibility predicate for one confirm pass.
// Both window bounds are inclusive.
type ConfirmCriteria struct {
	AllowedStatuses []TripStatus
	PMin            float64
	RPMMin          float64
	WindowStart     time.Time
	WindowEnd       time.Time
}

// Failure names one threshold a trip did not meet.
type Failure struct {
	Check string `json:"check"`
	Want  string `json:"want"`
	Got   string `json:"got"`
}

func (c ConfirmCriteria) StatusAllowed(st TripStatus) bool {
	for _, a := range c.AllowedStatuses {
		if a == st {
			return true
		}
	}
	return false
}

// Check returns every non-status threshold the trip/draft pair fails.
func (c ConfirmCriteria) Check(trip Trip, draft *DraftTrip) []Failure {
	var out []Failure
	ls := trip.LoadStart
	if ls.Before(c.WindowStart) {
		out = append(out, Failure{Check: "freeze", Want: ">= " + c.WindowStart.UTC().Format(time.RFC3339), Got: ls.UTC().Format(time.RFC3339)})
	}
	if ls.After(c.WindowEnd) {
		out = append(out, Failure{Check: "horizon", Want: "<= " + c.WindowEnd.UTC().Format(time.RFC3339), Got: ls.UTC().Format(time.RFC3339)})
	}
	if draft == nil {
		return append(out, Failure{Check: "draft", Want: "matched draft", Got: "none"})
	}
	if draft.PArrive < c.PMin {
		out = append(out, Failure{Check: "p_arrive", Want: fmt.Sprintf(">= %.3f", c.PMin), Got: fmt.Sprintf("%.3f", draft.PArrive)})
	}
	if draft.RPM < c.RPMMin {
		out = append(out, Failure{Check: "rpm", Want: fmt.Sprintf(">= %.2f", c.RPMMin), Got: fmt.Sprintf("%.2f", draft.RPM)})
	}
	return out
}

// Matches is the full predicate evaluated atomically by the store. A trip
// that already carries confirmed_at never matches.
func (c ConfirmCriteria) Matches(trip Trip, draft *DraftTrip) bool {
	if trip.ConfirmedAt != nil || !trip.Status.SourceStatus() {
		return false
	}
	return c.StatusAllowed(trip.Status) && len(c.Check(trip, draft)) == 0
}

// StatusStrings is used for SQL ANY($n) parameters.
func (c ConfirmCriteria) StatusStrings() []string {
	out := make([]string, len(c.AllowedStatuses))
	for i, s := range c.AllowedStatuses {
		out[i] = string(s)
	}
	return out
}
