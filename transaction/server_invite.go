package transaction

import (
	"context"
	"log/slog"
	"net/netip"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/internal/timeutil"
	"github.com/ghettovoice/sipproxy/sip"
)

// InviteServerTransaction represents an INVITE server transaction.
// It implements the state machine of RFC 3261 17.2.1 with the Accepted state of RFC 6026.
type InviteServerTransaction struct {
	*serverTx

	tmr1xx *timeutil.Handle
	tmrG   *timeutil.Handle
	tmrH   *timeutil.Handle
	tmrI   *timeutil.Handle
	tmrL   *timeutil.Handle
}

// NewInviteServerTransaction creates a new INVITE server transaction in the Proceeding state.
// A 100 Trying is sent automatically after [TimingConfig.Time100] unless a provisional response was sent.
func NewInviteServerTransaction(
	ctx context.Context,
	req *sip.Request,
	src netip.AddrPort,
	snd Sender,
	opts *Options,
) (*InviteServerTransaction, error) {
	if req == nil || !req.IsInvite() {
		return nil, errtrace.Wrap(newInvalidArgumentError("INVITE request expected"))
	}

	tx := new(InviteServerTransaction)
	srvTx, err := newServerTx(TypeServerInvite, tx, req, src, snd, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTx = srvTx

	tx.initFSM(StateProceeding)
	if err := tx.actProceeding(ctx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

const (
	txEvtTimer1xx = "timer_1xx"
	txEvtTimerG   = "timer_g"
	txEvtTimerH   = "timer_h"
	txEvtTimerI   = "timer_i"
	txEvtTimerL   = "timer_l"
)

func (tx *InviteServerTransaction) initFSM(start State) {
	tx.serverTx.initFSM(start)

	tx.fsm.Configure(StateProceeding).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtTimer1xx, tx.actSend100).
		Ignore(txEvtRecvAck).
		Permit(txEvtSend2xx, StateAccepted).
		Permit(txEvtSend300699, StateCompleted).
		Permit(txEvtTerminate, StateTerminated)

	tx.fsm.Configure(StateAccepted).
		OnEntry(tx.actAccepted).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actNoop).
		InternalTransition(txEvtRecvAck, tx.actNoop).
		InternalTransition(txEvtSend2xx, tx.actSendRes).
		Permit(txEvtTimerL, StateTerminated).
		Permit(txEvtTerminate, StateTerminated)

	tx.fsm.Configure(StateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtTimerG, tx.actResendResTimerG).
		Permit(txEvtRecvAck, StateConfirmed).
		Permit(txEvtTimerH, StateTerminated).
		Permit(txEvtTerminate, StateTerminated)

	tx.fsm.Configure(StateConfirmed).
		OnEntry(tx.actConfirmed).
		InternalTransition(txEvtRecvReq, tx.actNoop).
		InternalTransition(txEvtRecvAck, tx.actNoop).
		Permit(txEvtTimerI, StateTerminated).
		Permit(txEvtTerminate, StateTerminated)

	tx.fsm.Configure(StateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTimerH, tx.actTimedOut)
}

func (tx *InviteServerTransaction) actProceeding(ctx context.Context, args ...any) error {
	tx.serverTx.actProceeding(ctx, args...) //nolint:errcheck

	tx.tmr1xx = tx.startTimer(ctx, "1xx", tx.timings.Time100(), tx.onTimer1xx)
	return nil
}

func (tx *InviteServerTransaction) onTimer1xx() {
	tx.timerExpired("1xx")

	tx.tmr1xx = nil
	if tx.State() != StateProceeding || tx.lastRes != nil {
		return
	}

	tx.fireTimer(txEvtTimer1xx)
}

func (tx *InviteServerTransaction) actSend100(ctx context.Context, _ ...any) error {
	res := sip.NewResponse(tx.req, sip.StatusTrying, "")
	return errtrace.Wrap(tx.serverTx.actSendRes(ctx, res))
}

func (tx *InviteServerTransaction) actSendRes(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, "1xx", &tx.tmr1xx)

	return errtrace.Wrap(tx.serverTx.actSendRes(ctx, args...))
}

func (tx *InviteServerTransaction) actAccepted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction accepted", slog.Any("transaction", tx))

	tx.stopTimer(ctx, "1xx", &tx.tmr1xx)

	tx.tmrL = tx.startTimer(ctx, "L", tx.timings.TimeL(), tx.onTimerL)
	return nil
}

func (tx *InviteServerTransaction) onTimerL() {
	tx.timerExpired("L")

	tx.tmrL = nil
	if tx.State() != StateAccepted {
		return
	}

	tx.fireTimer(txEvtTimerL)
}

func (tx *InviteServerTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.serverTx.actCompleted(ctx, args...) //nolint:errcheck

	tx.stopTimer(ctx, "1xx", &tx.tmr1xx)

	tx.tmrG = tx.startTimer(ctx, "G", tx.timings.TimeG(), tx.onTimerG)
	tx.tmrH = tx.startTimer(ctx, "H", tx.timings.TimeH(), tx.onTimerH)
	return nil
}

func (tx *InviteServerTransaction) actResendResTimerG(ctx context.Context, _ ...any) error {
	tx.resendRes(ctx, txEvtTimerG)
	return nil
}

func (tx *InviteServerTransaction) onTimerG() {
	tx.timerExpired("G")

	if tx.State() != StateCompleted || tx.tmrG == nil {
		return
	}

	tx.fireTimer(txEvtTimerG)

	tx.resetTimer(tx.ctx, "G", tx.tmrG, min(2*tx.tmrG.Duration(), tx.timings.T2()))
}

func (tx *InviteServerTransaction) onTimerH() {
	tx.timerExpired("H")

	tx.tmrH = nil
	if tx.State() != StateCompleted {
		return
	}

	tx.err = ErrTimeout
	tx.fireTimer(txEvtTimerH)
}

func (tx *InviteServerTransaction) actConfirmed(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction confirmed", slog.Any("transaction", tx))

	tx.stopTimer(ctx, "G", &tx.tmrG)
	tx.stopTimer(ctx, "H", &tx.tmrH)

	tx.tmrI = tx.startTimer(ctx, "I", tx.timings.TimeI(), tx.onTimerI)
	return nil
}

func (tx *InviteServerTransaction) onTimerI() {
	tx.timerExpired("I")

	tx.tmrI = nil
	if tx.State() != StateConfirmed {
		return
	}

	tx.fireTimer(txEvtTimerI)
}

func (tx *InviteServerTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, "1xx", &tx.tmr1xx)
	tx.stopTimer(ctx, "G", &tx.tmrG)
	tx.stopTimer(ctx, "H", &tx.tmrH)
	tx.stopTimer(ctx, "I", &tx.tmrI)
	tx.stopTimer(ctx, "L", &tx.tmrL)

	return errtrace.Wrap(tx.serverTx.actTerminated(ctx, args...))
}
