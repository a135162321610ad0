package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Stable kind strings recorded in work.json history and in logs.
const (
	KindClientError    = "client-error"
	KindRateLimited    = "rate-limited"
	KindTransient      = "transient"
	KindCircuitOpen    = "circuit-open"
	KindQuotaExhausted = "quota-exhausted"
	KindBudgetExceeded = "budget-exceeded"
	KindTimeout        = "timeout"
	KindNoMatch        = "no-match"
	KindIOError        = "io-error"
	KindCancelled      = "cancelled"
)

// ErrCircuitOpen indicates the provider's breaker is rejecting requests
var ErrCircuitOpen = errors.New("circuit open")

// ErrQuotaExhausted indicates the provider's daily window is used up
var ErrQuotaExhausted = errors.New("daily quota exhausted")

// ErrBudgetExceeded indicates a download limit would be crossed
var ErrBudgetExceeded = errors.New("download budget exceeded")

// ErrNoMatch indicates no candidate met the minimum title score
var ErrNoMatch = errors.New("no acceptable candidate")

// TaskError classifies a failed provider call so the scheduler can decide
// between fallback, deferral and a hard stop.
type TaskError struct {
	Kind     string
	Provider string

	// Code is the HTTP status for client-error kinds.
	Code int

	// Exhausted marks errors that already consumed their retry budget
	// inside the executor.
	Exhausted bool

	// RetryAt is when the failure is expected to clear. Quota errors set it
	// to the window rollover so the deferred queue knows when to replay.
	RetryAt time.Time

	Err error
}

func (e *TaskError) Error() string {
	msg := e.Kind
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Code)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *TaskError) Unwrap() error { return e.Err }

func NewTaskError(kind, provider string, err error) *TaskError {
	return &TaskError{Kind: kind, Provider: provider, Err: err}
}

// ClientFailure builds the non-retryable 4xx error.
func ClientFailure(provider string, code int) *TaskError {
	return &TaskError{Kind: KindClientError, Provider: provider, Code: code}
}

// KindOf maps any error to its stable kind string. Unclassified errors are
// treated as filesystem-level failures.
func KindOf(err error) string {
	if err == nil {
		return ""
	}

	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrQuotaExhausted):
		return KindQuotaExhausted
	case errors.Is(err, ErrBudgetExceeded):
		return KindBudgetExceeded
	case errors.Is(err, ErrNoMatch):
		return KindNoMatch
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindIOError
}
