package model

import (
	"errors"
	"fmt"
)

// Custom error types
var (
	ErrAPIKeyMissing = errors.New("API key missing")
	ErrNoCities      = errors.New("no cities configured")
)

// FetchErrorKind classifies a failed provider call.
type FetchErrorKind string

const (
	FetchTimeout         FetchErrorKind = "timeout"
	FetchHTTP            FetchErrorKind = "http"
	FetchUnauthorized    FetchErrorKind = "unauthorized"
	FetchInvalidResponse FetchErrorKind = "invalid_response"
)

// FetchError is returned when a single provider call fails. Status is only
// set for FetchHTTP and FetchUnauthorized.
type FetchError struct {
	Kind   FetchErrorKind
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch failed (%s, status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch failed (%s): %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether retrying the same request could succeed.
// Unauthorized means a bad API key and cannot be fixed by retrying.
func (e *FetchError) Retryable() bool {
	return e.Kind != FetchUnauthorized
}

// TransformError is returned when a provider payload cannot be normalized.
// Field names the offending field.
type TransformError struct {
	Field  string
	Reason string
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform failed: field %q: %s", e.Field, e.Reason)
}

// LoadErrorKind classifies a failed store operation.
type LoadErrorKind string

const (
	LoadUnavailable LoadErrorKind = "unavailable"
	LoadConstraint  LoadErrorKind = "constraint"
	LoadTx          LoadErrorKind = "transaction"
)

// LoadError is returned when persisting a batch fails. The whole batch is
// rolled back before this is returned.
type LoadError struct {
	Kind   LoadErrorKind
	Detail string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load failed (%s): %s: %v", e.Kind, e.Detail, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
