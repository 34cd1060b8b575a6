package analytics

import (
	"context"
	"errors"
	"net/http"

	"github.com/hazyhaar/msgstats/horosafe"
	"github.com/hazyhaar/msgstats/snapshot"
)

// Client-facing details. Raw error text never reaches callers.
const (
	DetailNotAccessible = "iMessage database not accessible"
	DetailAccessFailed  = "Error accessing message data"
	DetailTimeout       = "request timed out"
)

// Error is an analytics failure as seen by a caller: a status code and a
// safe detail message. Err keeps the cause for logs and the audit trail.
type Error struct {
	Status int
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Detail
	}
	return e.Detail + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// PublicMessage implements kit.PublicError.
func (e *Error) PublicMessage() string { return e.Detail }

// Classify maps a Service error to an *Error:
//
//	snapshot.ErrNotFound          -> 503 DetailNotAccessible
//	context.DeadlineExceeded      -> 500 DetailTimeout
//	horosafe.ErrInvalidContactID  -> 400
//	anything else                 -> 500 DetailAccessFailed
//
// nil stays nil and an existing *Error is returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		return &Error{Status: http.StatusServiceUnavailable, Detail: DetailNotAccessible, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Status: http.StatusInternalServerError, Detail: DetailTimeout, Err: err}
	case errors.Is(err, horosafe.ErrInvalidContactID):
		return &Error{Status: http.StatusBadRequest, Detail: "invalid contact identifier", Err: err}
	default:
		return &Error{Status: http.StatusInternalServerError, Detail: DetailAccessFailed, Err: err}
	}
}

func badRequest(detail string) *Error {
	return &Error{Status: http.StatusBadRequest, Detail: detail}
}
