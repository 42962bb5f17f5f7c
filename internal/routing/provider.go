// Package routing resolves point-to-point road distance and duration from an
// OSRM-compatible service, degrading to a great-circle estimate whenever the
// service cannot answer.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"autoplan/internal/logger"
	"autoplan/internal/metrics"
	"autoplan/internal/model"
)

const (
	BackendOSRM      = "osrm"
	BackendHaversine = model.FallbackBackend

	DefaultProfile = "driving"
	DefaultTimeout = 8 * time.Second
)

var (
	// ErrUnavailable marks a soft provider failure. Route and Table absorb it.
	ErrUnavailable = errors.New("routing provider unavailable")
	// ErrInvalidCoordinate is the only error Route returns.
	ErrInvalidCoordinate = errors.New("invalid coordinate")
)

type Result struct {
	DistanceM float64 `json:"distanceM"`
	DurationS float64 `json:"durationS"`
	Polyline  string  `json:"polyline,omitempty"`
	Backend   string  `json:"backend"`
}

// IsFallback reports whether r was estimated rather than routed.
func (r Result) IsFallback() bool { return r.Backend == BackendHaversine }

// Router is what enrichment needs from a provider.
type Router interface {
	Route(ctx context.Context, origin, destination model.GeoPoint, profile string) (Result, error)
}

type Options struct {
	BaseURL          string
	Profile          string
	Timeout          time.Duration
	FallbackSpeedKmh float64
	// RatePerSec <= 0 disables client-side limiting.
	RatePerSec float64
	Burst      int
}

type Provider struct {
	opts    Options
	HTTP    *http.Client
	limiter *rate.Limiter
	log     logger.Logger
}

func NewProvider(opts Options, log logger.Logger) *Provider {
	if opts.Profile == "" {
		opts.Profile = DefaultProfile
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.FallbackSpeedKmh <= 0 {
		opts.FallbackSpeedKmh = DefaultFallbackSpeedKmh
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if log == nil {
		log = logger.NopLogger{}
	}
	p := &Provider{opts: opts, HTTP: &http.Client{}, log: log}
	if opts.RatePerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	return p
}

func (p *Provider) Profile() string { return p.opts.Profile }

// Route never fails on network trouble: any soft failure yields the
// haversine estimate. Malformed coordinates are the only error.
func (p *Provider) Route(ctx context.Context, origin, destination model.GeoPoint, profile string) (Result, error) {
	if err := checkPoint(origin); err != nil {
		return Result{}, err
	}
	if err := checkPoint(destination); err != nil {
		return Result{}, err
	}
	if profile == "" {
		profile = p.opts.Profile
	}
	start := time.Now()
	r, err := p.fetchRoute(ctx, origin, destination, profile)
	metrics.RoutingDuration.WithLabelValues(BackendOSRM).Observe(time.Since(start).Seconds())
	if err != nil {
		p.log.Warnf("route %s -> %s: %v; using haversine", fmtPoint(origin), fmtPoint(destination), err)
		metrics.RoutingRequests.WithLabelValues(BackendOSRM, "error").Inc()
		metrics.RoutingRequests.WithLabelValues(BackendHaversine, "fallback").Inc()
		return Fallback(origin, destination, p.opts.FallbackSpeedKmh), nil
	}
	metrics.RoutingRequests.WithLabelValues(BackendOSRM, "ok").Inc()
	return r, nil
}

// Fallback exposes the estimator with the configured speed.
func (p *Provider) Fallback(origin, destination model.GeoPoint) Result {
	return Fallback(origin, destination, p.opts.FallbackSpeedKmh)
}

type routeResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Geometry string  `json:"geometry"`
	} `json:"routes"`
}

func (p *Provider) fetchRoute(ctx context.Context, o, d model.GeoPoint, profile string) (Result, error) {
	u := fmt.Sprintf("%s/route/v1/%s/%s;%s?overview=full&geometries=polyline", p.opts.BaseURL, profile, lonLat(o), lonLat(d))
	var body routeResponse
	if err := p.get(ctx, u, &body); err != nil {
		return Result{}, err
	}
	if body.Code != "Ok" || len(body.Routes) == 0 {
		return Result{}, fmt.Errorf("%w: code=%q %s", ErrUnavailable, body.Code, body.Message)
	}
	rt := body.Routes[0]
	return Result{DistanceM: rt.Distance, DurationS: rt.Duration, Polyline: rt.Geometry, Backend: BackendOSRM}, nil
}

// Matrix holds Table results indexed [source][destination].
type Matrix struct {
	DistancesM [][]float64 `json:"distancesM"`
	DurationsS [][]float64 `json:"durationsS"`
	Backends   [][]string  `json:"backends"`
}

type tableResponse struct {
	Code      string       `json:"code"`
	Message   string       `json:"message"`
	Distances [][]*float64 `json:"distances"`
	Durations [][]*float64 `json:"durations"`
}

// Table returns the full sources x destinations matrix. Cells the service
// cannot fill, or every cell when the batch call fails, are estimated.
func (p *Provider) Table(ctx context.Context, sources, destinations []model.GeoPoint, profile string) (Matrix, error) {
	for _, pt := range append(append([]model.GeoPoint{}, sources...), destinations...) {
		if err := checkPoint(pt); err != nil {
			return Matrix{}, err
		}
	}
	if profile == "" {
		profile = p.opts.Profile
	}
	m := Matrix{
		DistancesM: make([][]float64, len(sources)),
		DurationsS: make([][]float64, len(sources)),
		Backends:   make([][]string, len(sources)),
	}
	for i := range sources {
		m.DistancesM[i] = make([]float64, len(destinations))
		m.DurationsS[i] = make([]float64, len(destinations))
		m.Backends[i] = make([]string, len(destinations))
	}
	if len(sources) == 0 || len(destinations) == 0 {
		return m, nil
	}

	start := time.Now()
	body, err := p.fetchTable(ctx, sources, destinations, profile)
	metrics.RoutingDuration.WithLabelValues(BackendOSRM).Observe(time.Since(start).Seconds())
	if err != nil {
		p.log.Warnf("table %dx%d: %v; using haversine", len(sources), len(destinations), err)
		metrics.RoutingRequests.WithLabelValues(BackendOSRM, "error").Inc()
	} else {
		metrics.RoutingRequests.WithLabelValues(BackendOSRM, "ok").Inc()
	}
	filled := 0
	for i, s := range sources {
		for j, d := range destinations {
			if err == nil && cell(body.Distances, i, j) != nil && cell(body.Durations, i, j) != nil {
				m.DistancesM[i][j] = *cell(body.Distances, i, j)
				m.DurationsS[i][j] = *cell(body.Durations, i, j)
				m.Backends[i][j] = BackendOSRM
				continue
			}
			fb := Fallback(s, d, p.opts.FallbackSpeedKmh)
			m.DistancesM[i][j], m.DurationsS[i][j], m.Backends[i][j] = fb.DistanceM, fb.DurationS, fb.Backend
			filled++
		}
	}
	if filled > 0 {
		metrics.RoutingRequests.WithLabelValues(BackendHaversine, "fallback").Add(float64(filled))
	}
	return m, nil
}

func (p *Provider) fetchTable(ctx context.Context, sources, destinations []model.GeoPoint, profile string) (tableResponse, error) {
	coords := make([]string, 0, len(sources)+len(destinations))
	src := make([]string, len(sources))
	dst := make([]string, len(destinations))
	for i, s := range sources {
		coords = append(coords, lonLat(s))
		src[i] = strconv.Itoa(i)
	}
	for j, d := range destinations {
		coords = append(coords, lonLat(d))
		dst[j] = strconv.Itoa(len(sources) + j)
	}
	u := fmt.Sprintf("%s/table/v1/%s/%s?sources=%s&destinations=%s&annotations=distance,duration",
		p.opts.BaseURL, profile, strings.Join(coords, ";"), strings.Join(src, ";"), strings.Join(dst, ";"))
	var body tableResponse
	if err := p.get(ctx, u, &body); err != nil {
		return body, err
	}
	if body.Code != "Ok" {
		return body, fmt.Errorf("%w: code=%q %s", ErrUnavailable, body.Code, body.Message)
	}
	return body, nil
}

// get performs one bounded request. Every failure is wrapped in ErrUnavailable.
func (p *Provider) get(ctx context.Context, u string, out any) error {
	if p.opts.BaseURL == "" {
		return fmt.Errorf("%w: no base url", ErrUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limit: %v", ErrUnavailable, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp, err := p.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	// OSRM reports errors with 4xx and a JSON code, so decode regardless of status.
	b, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%w: http %d: %v", ErrUnavailable, resp.StatusCode, err)
	}
	return nil
}

func cell(rows [][]*float64, i, j int) *float64 {
	if i >= len(rows) || j >= len(rows[i]) {
		return nil
	}
	return rows[i][j]
}

func checkPoint(p model.GeoPoint) error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) || !p.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidCoordinate, fmtPoint(p))
	}
	return nil
}

func lonLat(p model.GeoPoint) string {
	return strconv.FormatFloat(p.Lng, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lat, 'f', 6, 64)
}

func fmtPoint(p model.GeoPoint) string {
	return fmt.Sprintf("(%.5f,%.5f)", p.Lat, p.Lng)
}
