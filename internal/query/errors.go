package query

import (
	"errors"
	"fmt"

	"github.com/connect3/backend/internal/llm"
)

var (
	ErrContextNotFound = errors.New("message context not found")
	ErrQueryTooLong    = errors.New("query exceeds maximum length")
	ErrQuotaExceeded   = errors.New("daily search quota exceeded")
	ErrMalformedOutput = llm.ErrMalformedOutput
	ErrEmptyAnswer     = errors.New("model produced an empty answer")
)

// ErrorKind classifies pipeline failures.
type ErrorKind string

const (
	KindContext   ErrorKind = "context"
	KindPlanning  ErrorKind = "planning"
	KindFilter    ErrorKind = "filter"
	KindRetrieval ErrorKind = "retrieval"
	KindSynthesis ErrorKind = "synthesis"
	KindLimit     ErrorKind = "limit"
)

// Error is a classified pipeline failure. Reason is safe to show to users.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf returns the kind of a classified error, or "" if err is unclassified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetriable reports whether the user may re-run the same message.
// Synthesis failures and limit rejections are terminal for the run but
// retriable; context, planning and filter failures are not.
func IsRetriable(err error) bool {
	switch KindOf(err) {
	case KindSynthesis, KindLimit:
		return true
	}
	return false
}

// Reason returns a user-facing description of err.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	return "Something went wrong while searching. Please try again."
}
