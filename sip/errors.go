package sip

import (
	"fmt"
	"log/slog"

	"github.com/ghettovoice/sipproxy/internal/errorutil"
)

// Error represents a SIP codec error.
// See [errorutil.Error].
type Error = errorutil.Error

// Common errors.
const (
	ErrInvalidArgument = errorutil.ErrInvalidArgument
)

// Parse errors.
const (
	// ErrParse is matched by every error returned from [Parse].
	ErrParse Error = "parse error"
	// ErrMalformed is returned when the start line or a header is not recognized.
	ErrMalformed Error = "malformed message"
	// ErrMissingMandatoryHeader is returned when Call-ID, CSeq, From, To or Via is absent.
	ErrMissingMandatoryHeader Error = "missing mandatory header"
	// ErrBodyLengthMismatch is returned when Content-Length disagrees with the body size.
	ErrBodyLengthMismatch Error = "body length mismatch"
	// ErrMessageTooLarge is returned when the input exceeds [MaxMessageSize].
	ErrMessageTooLarge Error = "message too large"
)

// ParseError describes a failed [Parse] call.
//
// Msg holds whatever part of the message was recognized before the failure.
// It is nil when even the start line could not be read.
type ParseError struct {
	Kind   Error
	Detail string
	Msg    Message
}

func newParseErr(kind Error, msg Message, format string, args ...any) *ParseError {
	return &ParseError{
		Kind:   kind,
		Detail: fmt.Sprintf(format, args...),
		Msg:    msg,
	}
}

func (e *ParseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Detail == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Detail
}

// Unwrap allows matching the error against [ErrParse] and its kind with [errors.Is].
func (e *ParseError) Unwrap() []error {
	if e == nil {
		return nil
	}
	return []error{ErrParse, e.Kind}
}

// LogValue implements [slog.LogValuer].
func (e *ParseError) LogValue() slog.Value {
	if e == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("kind", string(e.Kind)),
		slog.String("detail", e.Detail),
	)
}

// NewInvalidArgumentError creates an error matching [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}
