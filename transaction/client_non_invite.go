package transaction

import (
	"context"
	"log/slog"
	"net/netip"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/internal/timeutil"
	"github.com/ghettovoice/sipproxy/sip"
)

// NonInviteClientTransaction represents a non-INVITE client transaction, RFC 3261 17.1.2.
type NonInviteClientTransaction struct {
	*clientTx

	tmrE *timeutil.Handle
	tmrF *timeutil.Handle
	tmrK *timeutil.Handle
}

// NewNonInviteClientTransaction creates a new non-INVITE client transaction,
// sends the request to dst and starts the state machine in the Trying state.
func NewNonInviteClientTransaction(
	ctx context.Context,
	req *sip.Request,
	dst netip.AddrPort,
	snd Sender,
	opts *Options,
) (*NonInviteClientTransaction, error) {
	if req == nil || req.IsInvite() {
		return nil, errtrace.Wrap(newInvalidArgumentError("non-INVITE request expected"))
	}

	tx := new(NonInviteClientTransaction)
	clnTx, err := newClientTx(TypeClientNonInvite, tx, req, dst, snd, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTx = clnTx

	tx.initFSM(StateTrying)
	if err := tx.actTrying(ctx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

const (
	txEvtTimerE = "timer_e"
	txEvtTimerF = "timer_f"
	txEvtTimerK = "timer_k"
)

func (tx *NonInviteClientTransaction) initFSM(start State) {
	tx.clientTx.initFSM(start)

	tx.fsm.Configure(StateTrying).
		InternalTransition(txEvtTimerE, tx.actResendReq).
		Permit(txEvtRecv1xx, StateProceeding).
		Permit(txEvtRecv2xx, StateCompleted).
		Permit(txEvtRecv300699, StateCompleted).
		Permit(txEvtTimerF, StateTerminated).
		Permit(txEvtTerminate, StateTerminated)

	tx.fsm.Configure(StateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		Ignore(txEvtTimerE).
		Permit(txEvtRecv2xx, StateCompleted).
		Permit(txEvtRecv300699, StateCompleted).
		Permit(txEvtTimerF, StateTerminated).
		Permit(txEvtTerminate, StateTerminated)

	tx.fsm.Configure(StateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		OnEntryFrom(txEvtRecv300699, tx.actPassRes).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtRecv300699).
		Permit(txEvtTimerK, StateTerminated).
		Permit(txEvtTerminate, StateTerminated)

	tx.fsm.Configure(StateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTimerF, tx.actTimedOut)
}

func (tx *NonInviteClientTransaction) actTrying(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction trying", slog.Any("transaction", tx))

	tx.actSendReq(ctx) //nolint:errcheck

	tx.tmrE = tx.startTimer(ctx, "E", tx.timings.TimeE(), tx.onTimerE)
	tx.tmrF = tx.startTimer(ctx, "F", tx.timings.TimeF(), tx.onTimerF)
	return nil
}

func (tx *NonInviteClientTransaction) actResendReq(ctx context.Context, _ ...any) error {
	tx.resendReq(ctx, txEvtTimerE)
	return nil
}

func (tx *NonInviteClientTransaction) onTimerE() {
	tx.timerExpired("E")

	if tx.State() != StateTrying || tx.tmrE == nil {
		return
	}

	tx.fireTimer(txEvtTimerE)
	tx.resetTimer(tx.ctx, "E", tx.tmrE, min(2*tx.tmrE.Duration(), tx.timings.T2()))
}

// actProceeding stops request retransmissions, Timer F keeps running.
func (tx *NonInviteClientTransaction) actProceeding(ctx context.Context, args ...any) error {
	tx.clientTx.actProceeding(ctx, args...) //nolint:errcheck

	tx.stopTimer(ctx, "E", &tx.tmrE)
	return nil
}

func (tx *NonInviteClientTransaction) onTimerF() {
	tx.timerExpired("F")

	tx.tmrF = nil
	if state := tx.State(); state != StateTrying && state != StateProceeding {
		return
	}

	tx.err = ErrTimeout
	tx.fireTimer(txEvtTimerF)
}

func (tx *NonInviteClientTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.clientTx.actCompleted(ctx, args...) //nolint:errcheck

	tx.stopTimer(ctx, "E", &tx.tmrE)
	tx.stopTimer(ctx, "F", &tx.tmrF)

	tx.tmrK = tx.startTimer(ctx, "K", tx.timings.TimeK(), tx.onTimerK)
	return nil
}

func (tx *NonInviteClientTransaction) onTimerK() {
	tx.timerExpired("K")

	tx.tmrK = nil
	if tx.State() != StateCompleted {
		return
	}

	tx.fireTimer(txEvtTimerK)
}

func (tx *NonInviteClientTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, "E", &tx.tmrE)
	tx.stopTimer(ctx, "F", &tx.tmrF)
	tx.stopTimer(ctx, "K", &tx.tmrK)

	return errtrace.Wrap(tx.clientTx.actTerminated(ctx, args...))
}
