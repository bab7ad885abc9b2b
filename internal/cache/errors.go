package cache

import (
	"errors"
	"fmt"

	"github.com/roach88/graphcache/internal/durable"
)

// ErrNoPlan is returned by Ingest and Fetch when called without a plan.
var ErrNoPlan = errors.New("plan is required")

// MalformedResponseError reports a payload that does not satisfy the plan,
// e.g. a required field is missing. Nothing from the payload was committed.
type MalformedResponseError struct {
	Plan   string
	Path   string
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *MalformedResponseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed response for %s at %s: %s", e.Plan, e.Path, e.Reason)
	}
	return fmt.Sprintf("malformed response for %s at %s: field %q %s", e.Plan, e.Path, e.Field, e.Reason)
}

// UnresolvedReferenceError is recorded on a Stale or Pending snapshot when a
// required reference points at a record the cache does not hold.
type UnresolvedReferenceError struct {
	Key  string
	Path string
}

// Error implements the error interface.
func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved reference %s at %s", e.Key, e.Path)
}

// NetworkError is returned by a Transport that failed.
type NetworkError struct {
	Status int
	Body   string
	Err    error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("network error: status %d: %v", e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("network error: status %d: %s", e.Status, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("network error: %v", e.Err)
	}
	return "network error"
}

// Unwrap returns the underlying transport error.
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the request may succeed if repeated.
func (e *NetworkError) Retryable() bool {
	return e.Status == 0 || e.Status == 408 || e.Status == 429 || e.Status >= 500
}

// IsMalformed reports whether err wraps a *MalformedResponseError.
func IsMalformed(err error) bool {
	var me *MalformedResponseError
	return errors.As(err, &me)
}

// IsNetwork reports whether err wraps a *NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsDurable reports whether err wraps a *durable.StoreError.
func IsDurable(err error) bool {
	return durable.IsStoreError(err)
}

// IsUnresolved reports whether err wraps an *UnresolvedReferenceError.
func IsUnresolved(err error) bool {
	var ue *UnresolvedReferenceError
	return errors.As(err, &ue)
}
