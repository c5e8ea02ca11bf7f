package transaction

import (
	"context"
	"log/slog"
	"net/netip"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/internal/timeutil"
	"github.com/ghettovoice/sipproxy/sip"
)

// InviteClientTransaction represents an INVITE client transaction.
// It implements the state machine of RFC 3261 17.1.1 with the Accepted state of RFC 6026
// and the proxy Timer C of RFC 3261 16.6 step 11.
type InviteClientTransaction struct {
	*clientTx

	tmrA *timeutil.Handle
	tmrB *timeutil.Handle
	tmrC *timeutil.Handle
	tmrD *timeutil.Handle
	tmrM *timeutil.Handle

	cFired  bool
	onTmrC  []TimerCHandler
	ackData []byte
}

// TimerCHandler is called when Timer C fires for the first time.
// A proxy answers it by sending CANCEL on the transaction branch.
type TimerCHandler = func(ctx context.Context, tx *InviteClientTransaction)

// NewInviteClientTransaction creates a new INVITE client transaction,
// sends the request to dst and starts the state machine in the Calling state.
func NewInviteClientTransaction(
	ctx context.Context,
	req *sip.Request,
	dst netip.AddrPort,
	snd Sender,
	opts *Options,
) (*InviteClientTransaction, error) {
	if req == nil || !req.IsInvite() {
		return nil, errtrace.Wrap(newInvalidArgumentError("INVITE request expected"))
	}

	tx := new(InviteClientTransaction)
	clnTx, err := newClientTx(TypeClientInvite, tx, req, dst, snd, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTx = clnTx

	tx.initFSM(StateCalling)
	if err := tx.actCalling(ctx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

const (
	txEvtTimerA    = "timer_a"
	txEvtTimerB    = "timer_b"
	txEvtTimerC    = "timer_c"
	txEvtTimerCExp = "timer_c_expired"
	txEvtTimerD    = "timer_d"
	txEvtTimerM    = "timer_m"
)

func (tx *InviteClientTransaction) initFSM(start State) {
	tx.clientTx.initFSM(start)

	tx.fsm.Configure(StateCalling).
		InternalTransition(txEvtTimerA, tx.actResendReq).
		Permit(txEvtRecv1xx, StateProceeding).
		Permit(txEvtRecv2xx, StateAccepted).
		Permit(txEvtRecv300699, StateCompleted).
		Permit(txEvtTimerB, StateTerminated).
		Permit(txEvtTerminate, StateTerminated)

	tx.fsm.Configure(StateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassResResetC).
		InternalTransition(txEvtTimerC, tx.actTimerC).
		Permit(txEvtRecv2xx, StateAccepted).
		Permit(txEvtRecv300699, StateCompleted).
		Permit(txEvtTimerCExp, StateTerminated).
		Permit(txEvtTerminate, StateTerminated)

	tx.fsm.Configure(StateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv300699, tx.actPassResSendAck).
		InternalTransition(txEvtRecv300699, tx.actResendAck).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Permit(txEvtTimerD, StateTerminated).
		Permit(txEvtTerminate, StateTerminated)

	tx.fsm.Configure(StateAccepted).
		OnEntry(tx.actAccepted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		InternalTransition(txEvtRecv2xx, tx.actPassRes).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv300699).
		Permit(txEvtTimerM, StateTerminated).
		Permit(txEvtTerminate, StateTerminated)

	tx.fsm.Configure(StateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTimerB, tx.actTimedOut).
		OnEntryFrom(txEvtTimerCExp, tx.actTimedOut)
}

// OnTimerC registers a callback called when Timer C fires for the first time.
func (tx *InviteClientTransaction) OnTimerC(fn TimerCHandler) {
	tx.onTmrC = append(tx.onTmrC, fn)
}

func (tx *InviteClientTransaction) actCalling(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction calling", slog.Any("transaction", tx))

	tx.actSendReq(ctx) //nolint:errcheck

	tx.tmrA = tx.startTimer(ctx, "A", tx.timings.TimeA(), tx.onTimerA)
	tx.tmrB = tx.startTimer(ctx, "B", tx.timings.TimeB(), tx.onTimerB)
	return nil
}

func (tx *InviteClientTransaction) actResendReq(ctx context.Context, _ ...any) error {
	tx.resendReq(ctx, txEvtTimerA)
	return nil
}

func (tx *InviteClientTransaction) onTimerA() {
	tx.timerExpired("A")

	if tx.State() != StateCalling || tx.tmrA == nil {
		return
	}

	tx.fireTimer(txEvtTimerA)

	// INVITE retransmissions keep doubling until Timer B, they are not capped by T2
	tx.resetTimer(tx.ctx, "A", tx.tmrA, 2*tx.tmrA.Duration())
}

func (tx *InviteClientTransaction) onTimerB() {
	tx.timerExpired("B")

	tx.tmrB = nil
	if tx.State() != StateCalling {
		return
	}

	tx.err = ErrTimeout
	tx.fireTimer(txEvtTimerB)
}

func (tx *InviteClientTransaction) actProceeding(ctx context.Context, args ...any) error {
	tx.clientTx.actProceeding(ctx, args...) //nolint:errcheck

	tx.stopTimer(ctx, "A", &tx.tmrA)
	tx.stopTimer(ctx, "B", &tx.tmrB)

	tx.tmrC = tx.startTimer(ctx, "C", tx.timings.TimeC(), tx.onTimerC)
	return nil
}

func (tx *InviteClientTransaction) actPassResResetC(ctx context.Context, args ...any) error {
	tx.actPassRes(ctx, args...) //nolint:errcheck

	if tx.tmrC != nil {
		tx.resetTimer(ctx, "C", tx.tmrC, tx.timings.TimeC())
	}
	return nil
}

func (tx *InviteClientTransaction) onTimerC() {
	tx.timerExpired("C")

	if tx.State() != StateProceeding {
		return
	}

	if tx.cFired {
		tx.tmrC = nil
		tx.err = ErrTimeout
		tx.fireTimer(txEvtTimerCExp)
		return
	}
	tx.fireTimer(txEvtTimerC)
}

// actTimerC hands the expired transaction to the owner and gives the
// remote side Timer B more to answer the CANCEL.
func (tx *InviteClientTransaction) actTimerC(ctx context.Context, _ ...any) error {
	tx.cFired = true
	for _, fn := range tx.onTmrC {
		fn(ctx, tx)
	}
	if tx.tmrC != nil {
		tx.resetTimer(ctx, "C", tx.tmrC, tx.timings.TimeB())
	}
	return nil
}

func (tx *InviteClientTransaction) actPassResSendAck(ctx context.Context, args ...any) error {
	tx.actPassRes(ctx, args...) //nolint:errcheck

	ack := sip.NewAck(tx.req, tx.lastRes)
	tx.ackData = sip.Render(ack)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send request", slog.Any("transaction", tx), slog.Any("request", ack))

	tx.send(ctx, tx.ackData)
	return nil
}

func (tx *InviteClientTransaction) actResendAck(ctx context.Context, _ ...any) error {
	if tx.ackData == nil {
		return nil
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "re-send ACK", slog.Any("transaction", tx))

	tx.emitRetransmission("ack")
	tx.send(ctx, tx.ackData)
	return nil
}

func (tx *InviteClientTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.clientTx.actCompleted(ctx, args...) //nolint:errcheck

	tx.stopTimer(ctx, "A", &tx.tmrA)
	tx.stopTimer(ctx, "B", &tx.tmrB)
	tx.stopTimer(ctx, "C", &tx.tmrC)

	tx.tmrD = tx.startTimer(ctx, "D", tx.timings.TimeD(), tx.onTimerD)
	return nil
}

func (tx *InviteClientTransaction) onTimerD() {
	tx.timerExpired("D")

	tx.tmrD = nil
	if tx.State() != StateCompleted {
		return
	}

	tx.fireTimer(txEvtTimerD)
}

func (tx *InviteClientTransaction) actAccepted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction accepted", slog.Any("transaction", tx))

	tx.stopTimer(ctx, "A", &tx.tmrA)
	tx.stopTimer(ctx, "B", &tx.tmrB)
	tx.stopTimer(ctx, "C", &tx.tmrC)

	tx.tmrM = tx.startTimer(ctx, "M", tx.timings.TimeM(), tx.onTimerM)
	return nil
}

func (tx *InviteClientTransaction) onTimerM() {
	tx.timerExpired("M")

	tx.tmrM = nil
	if tx.State() != StateAccepted {
		return
	}

	tx.fireTimer(txEvtTimerM)
}

func (tx *InviteClientTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, "A", &tx.tmrA)
	tx.stopTimer(ctx, "B", &tx.tmrB)
	tx.stopTimer(ctx, "C", &tx.tmrC)
	tx.stopTimer(ctx, "D", &tx.tmrD)
	tx.stopTimer(ctx, "M", &tx.tmrM)

	return errtrace.Wrap(tx.clientTx.actTerminated(ctx, args...))
}
