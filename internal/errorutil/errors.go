// Package errorutil provides the sentinel error type and wrapping helpers of the proxy packages.
package errorutil

//go:generate errtrace -w .

import (
	"errors"
	"fmt"
	"net"
	"os"
)

// Error is a sentinel error declared as a constant.
type Error string

func (s Error) Error() string { return string(s) }

// ErrInvalidArgument is returned for invalid constructor and method arguments.
const ErrInvalidArgument Error = "invalid argument"

// sentinelError attaches a sentinel to a detail message and an optional cause.
type sentinelError struct {
	sentinel error
	detail   string
	cause    error
}

func (e *sentinelError) Error() string {
	if e.cause != nil {
		return e.sentinel.Error() + ": " + e.cause.Error()
	}
	return e.sentinel.Error() + ": " + e.detail
}

func (e *sentinelError) Unwrap() []error {
	if e.cause != nil {
		return []error{e.sentinel, e.cause}
	}
	return []error{e.sentinel}
}

// NewWrapperError returns an error matching sentinel with [errors.Is].
// The first argument is either a cause error, a detail string or a format string
// followed by its arguments. Without arguments, or with an argument of another type,
// the sentinel itself is returned. A cause that already matches sentinel is returned as is.
func NewWrapperError(sentinel error, args ...any) error {
	if len(args) == 0 {
		return sentinel //errtrace:skip
	}
	switch v := args[0].(type) {
	case error:
		if errors.Is(v, sentinel) {
			return v //errtrace:skip
		}
		return &sentinelError{sentinel: sentinel, cause: v} //errtrace:skip
	case string:
		if len(args) > 1 {
			v = fmt.Sprintf(v, args[1:]...)
		}
		return &sentinelError{sentinel: sentinel, detail: v} //errtrace:skip
	}
	return sentinel //errtrace:skip
}

// NewInvalidArgumentError is [NewWrapperError] with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return NewWrapperError(ErrInvalidArgument, args...) //errtrace:skip
}

// IsTimeoutErr reports whether err is a deadline or other timeout error.
func IsTimeoutErr(err error) bool {
	var te interface{ Timeout() bool }
	return errors.Is(err, os.ErrDeadlineExceeded) || errors.As(err, &te) && te.Timeout()
}

// IsClosedErr reports whether err comes from a closed network connection.
func IsClosedErr(err error) bool { return errors.Is(err, net.ErrClosed) }
