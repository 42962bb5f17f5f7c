package autoplan

import (
	"errors"
	"fmt"
	"net/http"

	"autoplan/internal/model"
	"autoplan/internal/policy"
	"autoplan/internal/routing"
	"autoplan/internal/store"
)

// InvalidStateError means the trip is not in a status the transition accepts.
type InvalidStateError struct {
	TripID  string
	Current model.TripStatus
	Wanted  []model.TripStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("trip %s is %s, want one of %v", e.TripID, e.Current, e.Wanted)
}

// NotEligibleError carries the thresholds the trip failed.
type NotEligibleError struct {
	TripID   string
	Snapshot policy.Snapshot
}

func (e *NotEligibleError) Error() string {
	checks := make([]string, 0, len(e.Snapshot.Failures))
	for _, f := range e.Snapshot.Failures {
		checks = append(checks, f.Check)
	}
	if len(checks) == 0 {
		return fmt.Sprintf("trip %s not eligible (changed during confirm)", e.TripID)
	}
	return fmt.Sprintf("trip %s not eligible: %v", e.TripID, checks)
}

// StoreError wraps an unexpected persistence failure for one unit of work.
type StoreError struct {
	Op  string
	ID  string
	Err error
}

func (e *StoreError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op, id string, err error) error {
	if err == nil || errors.Is(err, store.ErrNotFound) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, ID: id, Err: err}
}

// HTTPStatus maps the error taxonomy to a response status.
func HTTPStatus(err error) int {
	var inv *InvalidStateError
	var ne *NotEligibleError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &inv), errors.As(err, &ne):
		return http.StatusConflict
	case errors.Is(err, routing.ErrInvalidCoordinate):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
