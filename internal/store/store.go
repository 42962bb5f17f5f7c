package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"autoplan/internal/model"
)

// Store is the persistence interface used by the autoplan chain, the settle
// job and the operator API. Every mutating method is conditioned on current
// row state so that concurrent, repeated invocations stay idempotent.
type Store interface {
	// Audits
	InsertAudits(ctx context.Context, recs []model.AuditRecord) ([]model.AuditRecord, error)
	ListUnappliedAccepts(ctx context.Context, limit int) ([]model.AuditRecord, error)
	// ApplyAudit creates or reuses the draft keyed by (truck, trip key) and
	// marks the audit applied. applied=false means it was already applied.
	ApplyAudit(ctx context.Context, auditID string, draft model.DraftTrip, now time.Time) (draftID string, applied bool, err error)

	// Drafts
	GetDraft(ctx context.Context, id string) (model.DraftTrip, error)
	ListPushableDrafts(ctx context.Context, from, to time.Time, limit int) ([]model.DraftTrip, error)
	// PushDraft claims the draft's pushed latch and materializes the trip in
	// the same transaction. claimed=false means another pusher won.
	PushDraft(ctx context.Context, draftID string, trip model.Trip, segs []model.TripSegment, now time.Time) (tripID string, claimed bool, err error)
	RecentRPMs(ctx context.Context, since time.Time) ([]float64, error)

	// Trips
	GetTrip(ctx context.Context, id string) (model.Trip, error)
	ListTripsByStatus(ctx context.Context, status model.TripStatus, limit int) ([]model.Trip, error)
	RecentTrips(ctx context.Context, limit int) ([]model.Trip, error)
	// ConfirmTrip checks crit and flips the trip to confirmed in one
	// statement. confirmed=false means no row matched.
	ConfirmTrip(ctx context.Context, id string, crit model.ConfirmCriteria, decision model.ConfirmationDecision, now time.Time) (model.Trip, bool, error)
	TransitionTrip(ctx context.Context, id string, from, to model.TripStatus, now time.Time) (model.Trip, bool, error)
	SetTripEnrichment(ctx context.Context, id string, note model.EnrichmentNote) error
	ListTripsNeedingRoutes(ctx context.Context, limit int) ([]string, error)

	// Segments
	ListSegments(ctx context.Context, tripID string) ([]model.TripSegment, error)
	UpdateSegmentRoute(ctx context.Context, segmentID string, r model.SegmentRoute, force bool, now time.Time) (bool, error)

	// Settle
	SettleLink(ctx context.Context, since, now time.Time) (int, error)
	SettleAgeOut(ctx context.Context, since, staleBefore, now time.Time) (int, error)
	BacklogStats(ctx context.Context, since time.Time) (model.BacklogStats, error)

	// Route cache rows. freshSince filters expired entries in the same read.
	GetRouteCache(ctx context.Context, key model.RouteKey, freshSince time.Time) (model.RouteCacheEntry, bool, error)
	PutRouteCache(ctx context.Context, e model.RouteCacheEntry) error

	// Runs
	SaveRun(ctx context.Context, run model.AutoplanRun) error
	LatestRun(ctx context.Context) (model.AutoplanRun, error)
	GetRun(ctx context.Context, id string) (model.AutoplanRun, error)
}

var ErrNotFound = errors.New("not found")

// Reconciler notes written into audit_records.applied_error.
const (
	noteAgedTail   = model.NoteSettled + ": aged tail"
	noteLinkPrefix = model.NoteLinked + ": draft "
)

// IsInformational reports whether an applied_error value is a note written
// by the reconciler rather than a failure.
func IsInformational(note string) bool {
	return strings.HasPrefix(note, model.NoteLinked) || strings.HasPrefix(note, model.NoteSettled)
}
