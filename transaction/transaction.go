package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipproxy/event"
	"github.com/ghettovoice/sipproxy/internal/errorutil"
	"github.com/ghettovoice/sipproxy/internal/timeutil"
	"github.com/ghettovoice/sipproxy/log"
)

// State is a transaction state.
type State string

const (
	StateCalling    State = "Calling"
	StateTrying     State = "Trying"
	StateProceeding State = "Proceeding"
	StateAccepted   State = "Accepted"
	StateCompleted  State = "Completed"
	StateConfirmed  State = "Confirmed"
	StateTerminated State = "Terminated"
)

func (s State) String() string { return string(s) }

// Type is a transaction type.
type Type string

const (
	TypeClientInvite    Type = "client_invite"
	TypeClientNonInvite Type = "client_non_invite"
	TypeServerInvite    Type = "server_invite"
	TypeServerNonInvite Type = "server_non_invite"
)

func (t Type) String() string { return string(t) }

// Sender sends datagrams to the remote side of a transaction.
// [transport.Transport] implements it.
type Sender interface {
	Send(ctx context.Context, data []byte, dst netip.AddrPort) error
}

// Transaction is the common part of client and server transactions.
type Transaction interface {
	slog.LogValuer
	// Type returns the transaction type.
	Type() Type
	// State returns the current state.
	State() State
	// RemoteAddr returns the address messages of the transaction are sent to.
	RemoteAddr() netip.AddrPort
	// Err returns the termination cause: nil for normal termination,
	// [ErrTimeout] when a timeout timer fired.
	Err() error
	// OnTerminate registers a callback called once the transaction is terminated.
	OnTerminate(fn TerminateHandler)
	// Terminate moves the transaction to the Terminated state immediately.
	Terminate(ctx context.Context) error
}

// TerminateHandler is called once when the transaction reaches the Terminated state.
type TerminateHandler = func(ctx context.Context, tx Transaction, err error)

// Options are the options of a single transaction.
type Options struct {
	// Timings is the SIP timing config.
	// If zero, the default timing config is used.
	Timings TimingConfig
	// Scheduler arms the transaction timers.
	// If nil, a scheduler on the real clock running callbacks on the timer goroutine is used.
	Scheduler *timeutil.Scheduler
	// Events receives retransmission events.
	// If nil, [event.Discard] is used.
	Events event.Sink
	// Log is the logger.
	// If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *Options) timings() TimingConfig {
	if o == nil {
		return TimingConfig{}
	}
	return o.Timings
}

func (o *Options) scheduler() *timeutil.Scheduler {
	if o == nil || o.Scheduler == nil {
		return timeutil.NewScheduler(nil, nil)
	}
	return o.Scheduler
}

func (o *Options) events() event.Sink {
	if o == nil {
		return event.Discard
	}
	return event.OrDiscard(o.Events)
}

func (o *Options) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

const (
	txEvtTerminate = "terminate"
)

type baseTx struct {
	typ     Type
	impl    Transaction
	keyStr  string
	method  string
	fsm     *stateless.StateMachine
	snd     Sender
	addr    netip.AddrPort
	timings TimingConfig
	sched   *timeutil.Scheduler
	events  event.Sink
	log     *slog.Logger
	ctx     context.Context //nolint:containedctx
	err     error
	onTerm  []TerminateHandler
}

func newBaseTx(typ Type, impl Transaction, snd Sender, addr netip.AddrPort, opts *Options) *baseTx {
	return &baseTx{
		typ:     typ,
		impl:    impl,
		snd:     snd,
		addr:    addr,
		timings: opts.timings(),
		sched:   opts.scheduler(),
		events:  opts.events(),
		log:     opts.log(),
		ctx:     context.Background(),
	}
}

func (tx *baseTx) initFSM(start State) {
	tx.fsm = stateless.NewStateMachine(start)
	tx.fsm.OnUnhandledTrigger(func(_ context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		return errorutil.NewWrapperError(ErrUnexpectedEvent, "%v in state %v", trigger, state) //errtrace:skip
	})
}

// Type returns the transaction type.
func (tx *baseTx) Type() Type { return tx.typ }

// State returns the current state.
func (tx *baseTx) State() State {
	return tx.fsm.MustState().(State) //nolint:forcetypeassert
}

// RemoteAddr returns the address messages of the transaction are sent to.
func (tx *baseTx) RemoteAddr() netip.AddrPort { return tx.addr }

// Err returns the termination cause.
func (tx *baseTx) Err() error { return tx.err }

// OnTerminate registers a callback called once the transaction is terminated.
// If the transaction is already terminated, fn is not called.
func (tx *baseTx) OnTerminate(fn TerminateHandler) {
	tx.onTerm = append(tx.onTerm, fn)
}

// Terminate moves the transaction to the Terminated state immediately.
func (tx *baseTx) Terminate(ctx context.Context) error {
	if tx.State() == StateTerminated {
		return nil
	}
	tx.err = ErrTerminated
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtTerminate))
}

func (tx *baseTx) fireTimer(evt string) {
	if err := tx.fsm.FireCtx(tx.ctx, evt); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", evt, tx.State(), err))
	}
}

func (tx *baseTx) startTimer(ctx context.Context, name string, d time.Duration, fn func()) *timeutil.Handle {
	h := tx.sched.Schedule(d, fn)
	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"timer "+name+" started",
		slog.Any("transaction", tx.impl),
		slog.Time("expires_at", tx.sched.Now().Add(d)),
	)
	return h
}

func (tx *baseTx) resetTimer(ctx context.Context, name string, h *timeutil.Handle, d time.Duration) {
	h.Reset(d)
	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"timer "+name+" reset",
		slog.Any("transaction", tx.impl),
		slog.Time("expires_at", tx.sched.Now().Add(d)),
	)
}

func (tx *baseTx) stopTimer(ctx context.Context, name string, h **timeutil.Handle) {
	if *h != nil && (*h).Cancel() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer "+name+" stopped", slog.Any("transaction", tx.impl))
	}
	*h = nil
}

func (tx *baseTx) timerExpired(name string) {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer "+name+" expired", slog.Any("transaction", tx.impl))
}

// send writes data to the remote address.
// Failures are only logged: lost datagrams are recovered by retransmissions or end in a timeout.
func (tx *baseTx) send(ctx context.Context, data []byte) {
	if err := tx.snd.Send(ctx, data, tx.addr); err != nil {
		tx.log.LogAttrs(ctx, slog.LevelWarn,
			"failed to send message",
			slog.Any("transaction", tx.impl),
			slog.Any("error", err),
		)
	}
}

func (tx *baseTx) emitRetransmission(reason string) {
	tx.events.Emit(event.Event{
		Kind:   event.KindRetransmission,
		Time:   tx.sched.Now(),
		TxType: tx.typ.String(),
		TxKey:  tx.keyStr,
		Method: tx.method,
		Reason: reason,
	})
}

func (tx *baseTx) actNoop(context.Context, ...any) error { return nil }

func (tx *baseTx) actTimedOut(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction timed out", slog.Any("transaction", tx.impl))
	return nil
}

func (tx *baseTx) actTerminated(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx.impl))

	fns := tx.onTerm
	tx.onTerm = nil
	for _, fn := range fns {
		fn(ctx, tx.impl, tx.err)
	}
	return nil
}
