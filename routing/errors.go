package routing

import (
	"errors"

	"github.com/ghettovoice/sipproxy/internal/errorutil"
	"github.com/ghettovoice/sipproxy/sip"
	"github.com/ghettovoice/sipproxy/transaction"
)

// Error represents a routing error.
// See [errorutil.Error].
type Error = errorutil.Error

const (
	ErrInvalidArgument = errorutil.ErrInvalidArgument
	// ErrTooManyForwards is returned for requests with Max-Forwards 0.
	ErrTooManyForwards Error = "too many forwards"
	// ErrLoopDetected is returned for requests that already passed this proxy with the same routing input.
	ErrLoopDetected Error = "loop detected"
	// ErrNoRoute is returned when no next hop can be found for the request.
	ErrNoRoute Error = "no route to destination"
	// ErrForeignResponse is returned for responses whose top Via was not inserted by this proxy.
	ErrForeignResponse Error = "response was not sent by this proxy"
	// ErrCSeqOutOfOrder is returned for in-dialog requests with a CSeq lower than the last one seen.
	ErrCSeqOutOfOrder Error = "CSeq out of order"
)

func newInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}

// failure maps a routing error to the local response status and the event reason.
func failure(err error) (sip.StatusCode, string) {
	switch {
	case errors.Is(err, ErrTooManyForwards):
		return sip.StatusTooManyHops, "too_many_hops"
	case errors.Is(err, ErrLoopDetected):
		return sip.StatusLoopDetected, "loop_detected"
	case errors.Is(err, ErrNoRoute):
		return sip.StatusNotFound, "no_route"
	case errors.Is(err, ErrCSeqOutOfOrder):
		return sip.StatusServerInternalError, "cseq_out_of_order"
	case errors.Is(err, ErrForeignResponse):
		return 0, "foreign_response"
	case errors.Is(err, sip.ErrParse):
		return sip.StatusBadRequest, "bad_request"
	case errors.Is(err, transaction.ErrTooManyTransactions):
		return sip.StatusServiceUnavailable, "too_many_transactions"
	default:
		return sip.StatusServerInternalError, "internal_error"
	}
}
