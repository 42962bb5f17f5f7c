package model

import (
	"encoding/json"
	"time"
)

// Core dispatch types shared by the store, the chain and the operator API.

type TripStatus string

const (
	StatusDraft      TripStatus = "draft"
	StatusConfirmed  TripStatus = "confirmed"
	StatusInProgress TripStatus = "in_progress"
	StatusFinished   TripStatus = "finished"
	StatusError      TripStatus = "error"
)

// ParseStatus returns the TripStatus for s and whether it is known.
func ParseStatus(s string) (TripStatus, bool) {
	switch st := TripStatus(s); st {
	case StatusDraft, StatusConfirmed, StatusInProgress, StatusFinished, StatusError:
		return st, true
	}
	return "", false
}

// SourceStatus reports whether a trip in st has never been confirmed and may
// be a confirm source.
func (st TripStatus) SourceStatus() bool {
	switch st {
	case StatusConfirmed, StatusInProgress, StatusFinished, StatusError:
		return false
	}
	return true
}

type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
	DecisionSkip   Decision = "skip"
)

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point lies inside WGS84 bounds.
func (p GeoPoint) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

type Trip struct {
	ID          string     `json:"id"`
	TruckID     string     `json:"truckId"`
	DraftID     string     `json:"draftId,omitempty"`
	Status      TripStatus `json:"status"`
	LoadStart   time.Time  `json:"loadStart"`
	LoadEnd     time.Time  `json:"loadEnd"`
	UnloadStart time.Time  `json:"unloadStart"`
	UnloadEnd   time.Time  `json:"unloadEnd"`
	Meta        TripMeta   `json:"meta"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

type TripSegment struct {
	ID           string         `json:"id"`
	TripID       string         `json:"tripId"`
	Seq          int            `json:"seq"`
	Start        *GeoPoint      `json:"start,omitempty"`
	End          *GeoPoint      `json:"end,omitempty"`
	Attrs        map[string]any `json:"attrs,omitempty"`
	RoadKm       float64        `json:"roadKm"`
	DriveSec     int            `json:"driveSec"`
	Polyline     string         `json:"polyline,omitempty"`
	RouteBackend string         `json:"routeBackend,omitempty"`
	UpdatedAt    *time.Time     `json:"updatedAt,omitempty"`
}

// SegmentRoute is the routing result persisted onto a segment.
type SegmentRoute struct {
	RoadKm   float64
	DriveSec int
	Polyline string
	Backend  string
}

type DraftTrip struct {
	ID          string      `json:"id"`
	TruckID     string      `json:"truckId"`
	TripKey     string      `json:"tripKey"`
	PArrive     float64     `json:"pArrive"`
	RPM         float64     `json:"rpm"`
	Origin      GeoPoint    `json:"origin"`
	Destination GeoPoint    `json:"destination"`
	TruckPos    *GeoPoint   `json:"truckPos,omitempty"`
	LoadStart   time.Time   `json:"loadStart"`
	LoadEnd     time.Time   `json:"loadEnd"`
	UnloadStart time.Time   `json:"unloadStart"`
	UnloadEnd   time.Time   `json:"unloadEnd"`
	Price       *float64    `json:"price,omitempty"`
	Region      *RegionInfo `json:"region,omitempty"`
	Pushed      bool        `json:"pushed"`
	PushedAt    *time.Time  `json:"pushedAt,omitempty"`
	TripID      string      `json:"tripId,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

type AuditRecord struct {
	ID           string     `json:"id"`
	TruckID      string     `json:"truckId"`
	TripKey      string     `json:"tripKey"`
	Decision     Decision   `json:"decision"`
	PArrive      float64    `json:"pArrive,omitempty"`
	RPM          float64    `json:"rpm,omitempty"`
	Candidate    Candidate  `json:"candidate"`
	Applied      bool       `json:"applied"`
	AppliedAt    *time.Time `json:"appliedAt,omitempty"`
	AppliedError string     `json:"appliedError,omitempty"`
	DraftID      string     `json:"draftId,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Candidate is one scored (truck, trip) pair from the upstream matcher.
type Candidate struct {
	TruckID     string      `json:"truckId"`
	TripKey     string      `json:"tripKey"`
	Decision    Decision    `json:"decision"`
	PArrive     float64     `json:"pArrive"`
	RPM         float64     `json:"rpm"`
	Origin      GeoPoint    `json:"origin"`
	Destination GeoPoint    `json:"destination"`
	TruckPos    *GeoPoint   `json:"truckPos,omitempty"`
	LoadStart   time.Time   `json:"loadStart"`
	LoadEnd     time.Time   `json:"loadEnd"`
	UnloadStart time.Time   `json:"unloadStart"`
	UnloadEnd   time.Time   `json:"unloadEnd"`
	Price       *float64    `json:"price,omitempty"`
	Region      *RegionInfo `json:"region,omitempty"`
}

// Draft builds the draft a candidate proposes.
func (c Candidate) Draft() DraftTrip {
	return DraftTrip{
		TruckID: c.TruckID, TripKey: c.TripKey, PArrive: c.PArrive, RPM: c.RPM,
		Origin: c.Origin, Destination: c.Destination, TruckPos: c.TruckPos,
		LoadStart: c.LoadStart, LoadEnd: c.LoadEnd, UnloadStart: c.UnloadStart, UnloadEnd: c.UnloadEnd,
		Price: c.Price, Region: c.Region,
	}
}

type RouteKey struct {
	SrcLat  float64 `json:"srcLat"`
	SrcLng  float64 `json:"srcLng"`
	DstLat  float64 `json:"dstLat"`
	DstLng  float64 `json:"dstLng"`
	Profile string  `json:"profile"`
}

type RouteCacheEntry struct {
	Key       RouteKey  `json:"key"`
	DistanceM float64   `json:"distanceM"`
	DurationS float64   `json:"durationS"`
	Polyline  string    `json:"polyline,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BacklogStats is the operator health signal for unapplied accept audits.
type BacklogStats struct {
	Since     time.Time  `json:"since"`
	Unapplied int        `json:"unapplied"`
	Annotated int        `json:"annotated"`
	Oldest    *time.Time `json:"oldest,omitempty"`
}

// Informational applied_error prefixes written by the reconciler.
const (
	NoteLinked  = "linked"
	NoteSettled = "settled"
)

// Read models for run reporting

type StageSummary struct {
	Stage    string   `json:"stage"`
	Selected int      `json:"selected"`
	Updated  int      `json:"updated"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// Thresholds is the effective confirm policy snapshot used for one evaluation.
type Thresholds struct {
	PMin         float64   `json:"pMin"`
	RPMMin       float64   `json:"rpmMin"`
	StaticRPMMin float64   `json:"staticRpmMin"`
	RPMSource    string    `json:"rpmSource"`
	FreezeHours  float64   `json:"freezeHours"`
	HorizonHours float64   `json:"horizonHours"`
	WindowStart  time.Time `json:"windowStart"`
	WindowEnd    time.Time `json:"windowEnd"`
}

type ConfirmStats struct {
	StageSummary
	Confirmed    int        `json:"confirmed"`
	Already      int        `json:"already"`
	NotEligible  int        `json:"notEligible"`
	InvalidState int        `json:"invalidState"`
	NotFound     int        `json:"notFound"`
	Thresholds   Thresholds `json:"thresholds"`
}

type AutoplanRun struct {
	ID         string       `json:"id"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
	Audit      StageSummary `json:"audit"`
	Apply      StageSummary `json:"apply"`
	Push       StageSummary `json:"push"`
	Confirm    ConfirmStats `json:"confirm"`
	Enrich     StageSummary `json:"enrich"`
	Error      string       `json:"error,omitempty"`
}

func (r AutoplanRun) JSON() []byte {
	b, _ := json.Marshal(r)
	return b
}
