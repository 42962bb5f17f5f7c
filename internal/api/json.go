package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"autoplan/internal/autoplan"
	"autoplan/internal/model"
	"autoplan/internal/policy"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Current is the trip status for invalid_state problems.
	Current  model.TripStatus `json:"current,omitempty"`
	Snapshot *policy.Snapshot `json:"snapshot,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeJSON(w, status, Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// writeError maps err onto a problem response.
func writeError(w http.ResponseWriter, r *http.Request, title string, err error) {
	status := autoplan.HTTPStatus(err)
	p := Problem{Type: "about:blank", Title: title, Status: status, Detail: err.Error(), Instance: r.URL.Path}
	var inv *autoplan.InvalidStateError
	var ne *autoplan.NotEligibleError
	switch {
	case errors.As(err, &inv):
		p.Title, p.Current = "Invalid state", inv.Current
	case errors.As(err, &ne):
		snap := ne.Snapshot
		p.Title, p.Snapshot = "Not eligible", &snap
	case status == http.StatusNotFound:
		p.Title = "Not found"
	}
	writeJSON(w, status, p)
}

func intParam(r *http.Request, name string, def, max int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}
