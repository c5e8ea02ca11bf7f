package transaction

import "github.com/ghettovoice/sipproxy/internal/errorutil"

// Error represents a transaction error.
// See [errorutil.Error].
type Error = errorutil.Error

const (
	ErrInvalidArgument = errorutil.ErrInvalidArgument
	// ErrTimeout is the termination cause of a transaction whose timeout timer (B, F, H or C) fired.
	ErrTimeout Error = "transaction timed out"
	// ErrTooManyTransactions is returned when the transaction table is full.
	ErrTooManyTransactions Error = "too many transactions"
	// ErrTransactionExists is returned when a transaction with the same key is already live.
	ErrTransactionExists Error = "transaction already exists"
	// ErrNotMatched is returned when a message does not belong to the transaction.
	ErrNotMatched Error = "message does not match transaction"
	// ErrUnexpectedEvent is returned when an event is not allowed in the current state.
	ErrUnexpectedEvent Error = "unexpected transaction event"
	// ErrTerminated is the termination cause of a transaction terminated by its owner.
	ErrTerminated Error = "transaction terminated"
)

func newInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}
