package transaction

import (
	"context"
	"log/slog"
	"net/netip"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/internal/timeutil"
	"github.com/ghettovoice/sipproxy/sip"
)

// NonInviteServerTransaction represents a non-INVITE server transaction, RFC 3261 17.2.2.
type NonInviteServerTransaction struct {
	*serverTx

	tmrJ *timeutil.Handle
}

// NewNonInviteServerTransaction creates a new non-INVITE server transaction in the Trying state.
func NewNonInviteServerTransaction(
	ctx context.Context,
	req *sip.Request,
	src netip.AddrPort,
	snd Sender,
	opts *Options,
) (*NonInviteServerTransaction, error) {
	if req == nil || req.IsInvite() {
		return nil, errtrace.Wrap(newInvalidArgumentError("non-INVITE request expected"))
	}

	tx := new(NonInviteServerTransaction)
	srvTx, err := newServerTx(TypeServerNonInvite, tx, req, src, snd, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTx = srvTx

	tx.initFSM(StateTrying)
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction trying", slog.Any("transaction", tx))
	return tx, nil
}

const txEvtTimerJ = "timer_j"

func (tx *NonInviteServerTransaction) initFSM(start State) {
	tx.serverTx.initFSM(start)

	tx.fsm.Configure(StateTrying).
		InternalTransition(txEvtRecvReq, tx.actNoop).
		Permit(txEvtSend1xx, StateProceeding).
		Permit(txEvtSend2xx, StateCompleted).
		Permit(txEvtSend300699, StateCompleted).
		Permit(txEvtTerminate, StateTerminated)

	tx.fsm.Configure(StateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		Permit(txEvtSend2xx, StateCompleted).
		Permit(txEvtSend300699, StateCompleted).
		Permit(txEvtTerminate, StateTerminated)

	tx.fsm.Configure(StateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		Permit(txEvtTimerJ, StateTerminated).
		Permit(txEvtTerminate, StateTerminated)

	tx.fsm.Configure(StateTerminated).
		OnEntry(tx.actTerminated)
}

func (tx *NonInviteServerTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.serverTx.actCompleted(ctx, args...) //nolint:errcheck

	tx.tmrJ = tx.startTimer(ctx, "J", tx.timings.TimeJ(), tx.onTimerJ)
	return nil
}

func (tx *NonInviteServerTransaction) onTimerJ() {
	tx.timerExpired("J")

	tx.tmrJ = nil
	if tx.State() != StateCompleted {
		return
	}

	tx.fireTimer(txEvtTimerJ)
}

func (tx *NonInviteServerTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, "J", &tx.tmrJ)

	return errtrace.Wrap(tx.serverTx.actTerminated(ctx, args...))
}
