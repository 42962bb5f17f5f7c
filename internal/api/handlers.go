package api

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// RunsHandler handles GET /v1/autoplan/runs/latest and /v1/autoplan/runs/{id}
func (s *Server) RunsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/autoplan/runs/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not found", "missing run id", r.URL.Path)
		return
	}
	var (
		run any
		err error
	)
	if id == "latest" {
		run, err = s.Store.LatestRun(r.Context())
	} else {
		run, err = s.Store.GetRun(r.Context(), id)
	}
	if err != nil {
		writeError(w, r, "Run lookup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// TripsHandler handles GET /v1/trips/recent, GET /v1/trips/{id} and
// POST /v1/trips/{id}/confirm|start|finish
func (s *Server) TripsHandler(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	rest := strings.Trim(strings.TrimPrefix(path, "/v1/trips/"), "/")
	if rest == "" {
		writeProblem(w, http.StatusNotFound, "Not found", "missing trip id", path)
		return
	}
	parts := strings.Split(rest, "/")
	if parts[0] == "recent" && len(parts) == 1 {
		s.recentTrips(w, r)
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.tripByID(w, r, id)
		return
	}
	if len(parts) > 2 {
		writeProblem(w, http.StatusNotFound, "Not found", "", path)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Chain == nil {
		writeProblem(w, http.StatusServiceUnavailable, "Chain unavailable", "", path)
		return
	}
	switch parts[1] {
	case "confirm":
		res, err := s.Chain.ConfirmTrip(r.Context(), id)
		if err != nil {
			writeError(w, r, "Confirm failed", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case "start":
		t, err := s.Chain.StartTrip(r.Context(), id)
		if err != nil {
			writeError(w, r, "Start failed", err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	case "finish":
		t, err := s.Chain.FinishTrip(r.Context(), id)
		if err != nil {
			writeError(w, r, "Finish failed", err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	default:
		writeProblem(w, http.StatusNotFound, "Not found", "unknown action "+parts[1], path)
	}
}

func (s *Server) recentTrips(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := intParam(r, "limit", 50, 500)
	items, err := s.Store.RecentTrips(r.Context(), limit)
	if err != nil {
		writeError(w, r, "List trips failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) tripByID(w http.ResponseWriter, r *http.Request, id string) {
	t, err := s.Store.GetTrip(r.Context(), id)
	if err != nil {
		writeError(w, r, "Trip lookup failed", err)
		return
	}
	segs, err := s.Store.ListSegments(r.Context(), id)
	if err != nil {
		writeError(w, r, "Segment lookup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trip": t, "segments": segs})
}

// AdminSettleHandler handles POST /v1/admin/settle?window_hours=
func (s *Server) AdminSettleHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Settler == nil {
		writeProblem(w, http.StatusServiceUnavailable, "Settle unavailable", "", r.URL.Path)
		return
	}
	o := s.Settle
	if h := intParam(r, "window_hours", 0, 0); h > 0 {
		o.Window = time.Duration(h) * time.Hour
	}
	sum, err := s.Settler.Settle(r.Context(), o)
	if err != nil {
		writeError(w, r, "Settle failed", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// AdminBacklogHandler handles GET /v1/admin/backlog?window_hours=
func (s *Server) AdminBacklogHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Settler == nil {
		writeProblem(w, http.StatusServiceUnavailable, "Settle unavailable", "", r.URL.Path)
		return
	}
	window := s.Settle.Window
	if h := intParam(r, "window_hours", 0, 0); h > 0 {
		window = time.Duration(h) * time.Hour
	}
	st, err := s.Settler.BacklogStats(r.Context(), window)
	if err != nil {
		writeError(w, r, "Backlog failed", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	// Check DB connectivity when using Postgres store
	type pinger interface{ Ping(ctx context.Context) error }
	if pg, ok := s.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if err := pg.Ping(ctx); err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
