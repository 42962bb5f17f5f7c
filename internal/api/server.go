// Package api serves the operator surface: read projections over runs and
// trips, manual trip transitions, settle controls and a live event stream.
package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autoplan/internal/autoplan"
	"autoplan/internal/logger"
	"autoplan/internal/metrics"
	"autoplan/internal/store"
)

type Server struct {
	Store   store.Store
	Chain   *autoplan.Chain
	Settler *autoplan.Settler
	Settle  autoplan.SettleOptions
	Broker  EventBroker
	Log     logger.Logger
}

// NewServer wires handlers over s. A nil broker falls back to the in-process one.
func NewServer(s store.Store, c *autoplan.Chain, st *autoplan.Settler, b EventBroker, log logger.Logger) *Server {
	if b == nil {
		b = NewBroker()
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Server{Store: s, Chain: c, Settler: st, Broker: b, Log: log}
}

// NewBrokerFromURL picks Redis pub/sub when url is set, else the in-process broker.
func NewBrokerFromURL(url string, log logger.Logger) EventBroker {
	if strings.TrimSpace(url) == "" {
		return NewBroker()
	}
	rb, err := NewRedisBroker(url)
	if err != nil {
		log.Warnf("redis broker unavailable, using in-process broker: %v", err)
		return NewBroker()
	}
	return rb
}

// Handler returns the routed, instrumented mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.instrument(pattern, h))
	}

	// Runs
	handle("/v1/autoplan/runs/", s.RunsHandler)
	handle("/v1/autoplan/stream", s.StreamHandler)

	// Trips
	handle("/v1/trips/", s.TripsHandler) // recent, {id}, {id}/confirm|start|finish

	// Admin
	handle("/v1/admin/settle", s.AdminSettleHandler)
	handle("/v1/admin/backlog", s.AdminBacklogHandler)
	handle("/v1/admin/debug", s.DebugJSON)

	// Health
	handle("/healthz", s.HealthHandler)
	handle("/readyz", s.ReadyHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	return mux
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) instrument(pattern string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		if r.Header.Get("Upgrade") != "" {
			// the upgrader needs the raw writer
			next(w, r)
		} else {
			next(rec, r)
		}
		dur := time.Since(start)
		code := strconv.Itoa(rec.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, pattern, code).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, pattern, code).Observe(dur.Seconds())
		s.Log.Debugw("http", map[string]any{"method": r.Method, "path": r.URL.Path, "status": rec.status, "dur": dur.String(), "remote": r.RemoteAddr})
	})
}
