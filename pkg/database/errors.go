package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/record-batch-queue/pkg/record"
)

// ErrorClass represents a classification of database errors.
type ErrorClass string

const (
	// ErrorClassRateLimited means the database refused the request because of
	// its request rate limit.
	ErrorClassRateLimited ErrorClass = "rate_limited"

	// ErrorClassResourceBusy means the target zone or resource is busy.
	ErrorClassResourceBusy ErrorClass = "resource_busy"

	// ErrorClassQuotaExceeded means the storage quota is exhausted.
	ErrorClassQuotaExceeded ErrorClass = "quota_exceeded"

	// ErrorClassPartialFailure means some items of a batch failed; the detail
	// was reported per item.
	ErrorClassPartialFailure ErrorClass = "partial_failure"

	// ErrorClassUnknownItem means the record does not exist.
	ErrorClassUnknownItem ErrorClass = "unknown_item"

	// ErrorClassOther covers everything else, including unclassified errors.
	ErrorClassOther ErrorClass = "other"
)

// Common errors returned by bindings.
var (
	// ErrUnknownItem is the cause of unknown_item errors.
	ErrUnknownItem = errors.New("record not found")

	// ErrClosed is returned for batches submitted after the binding was closed.
	ErrClosed = errors.New("database closed")

	// ErrNoItemReport is delivered for a batch member the database never
	// reported an outcome for.
	ErrNoItemReport = errors.New("database reported no outcome for item")
)

// Error is a classified database error.
type Error struct {
	Class ErrorClass

	// RetryAfter is the collaborator-supplied wait for rate_limited and
	// resource_busy errors. Zero means not supplied.
	RetryAfter time.Duration

	Message string

	// Items holds per-item errors of a partial failure.
	Items map[record.ID]error

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("database %s error", e.Class)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewRateLimitedError returns a rate_limited error. A zero retryAfter means
// the database did not say how long to wait.
func NewRateLimitedError(retryAfter time.Duration) *Error {
	return &Error{Class: ErrorClassRateLimited, RetryAfter: retryAfter, Message: "request rate limited"}
}

// NewResourceBusyError returns a resource_busy error.
func NewResourceBusyError(retryAfter time.Duration) *Error {
	return &Error{Class: ErrorClassResourceBusy, RetryAfter: retryAfter, Message: "resource busy"}
}

// NewQuotaExceededError returns a quota_exceeded error.
func NewQuotaExceededError(message string) *Error {
	return &Error{Class: ErrorClassQuotaExceeded, Message: message}
}

// NewUnknownItemError returns an unknown_item error for id.
func NewUnknownItemError(id record.ID) *Error {
	return &Error{Class: ErrorClassUnknownItem, Message: id.String(), Err: ErrUnknownItem}
}

// NewPartialFailureError returns a partial_failure error carrying the
// per-item errors.
func NewPartialFailureError(items map[record.ID]error) *Error {
	return &Error{
		Class:   ErrorClassPartialFailure,
		Message: fmt.Sprintf("%d item(s) failed", len(items)),
		Items:   items,
	}
}

// ClassOf returns the class of err. Nil errors have an empty class and
// errors that are not *Error are ErrorClassOther.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var dbErr *Error
	if errors.As(err, &dbErr) {
		return dbErr.Class
	}
	return ErrorClassOther
}

// RetryAfter returns the retry-after duration carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var dbErr *Error
	if errors.As(err, &dbErr) && dbErr.RetryAfter > 0 {
		return dbErr.RetryAfter, true
	}
	return 0, false
}

// IsRateLimited reports whether err asks the caller to back off.
func IsRateLimited(err error) bool {
	switch ClassOf(err) {
	case ErrorClassRateLimited, ErrorClassResourceBusy:
		return true
	default:
		return false
	}
}

// IsQuotaExceeded reports whether err, or any per-item error it carries, is a
// quota_exceeded error.
func IsQuotaExceeded(err error) bool {
	var dbErr *Error
	if !errors.As(err, &dbErr) {
		return false
	}
	if dbErr.Class == ErrorClassQuotaExceeded {
		return true
	}
	for _, itemErr := range dbErr.Items {
		if ClassOf(itemErr) == ErrorClassQuotaExceeded {
			return true
		}
	}
	return false
}

// ItemError returns the error that applies to id given a batch-level error.
// For a partial failure it is the per-item error (nil if id succeeded);
// otherwise it is err itself.
func ItemError(err error, id record.ID) error {
	var dbErr *Error
	if errors.As(err, &dbErr) && dbErr.Class == ErrorClassPartialFailure {
		return dbErr.Items[id]
	}
	return err
}
