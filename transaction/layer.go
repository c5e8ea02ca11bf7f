package transaction

import (
	"context"
	"log/slog"
	"net/netip"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/event"
	"github.com/ghettovoice/sipproxy/internal/errorutil"
	"github.com/ghettovoice/sipproxy/sip"
)

// DefaultMaxTransactions is the default capacity of the transaction tables.
const DefaultMaxTransactions = 100_000

// LayerOptions are the options for a [Layer].
type LayerOptions struct {
	// Options are passed to every transaction created by the layer.
	Options
	// MaxTransactions limits the number of live client plus server transactions.
	// If zero, [DefaultMaxTransactions] is used.
	MaxTransactions int
}

func (o *LayerOptions) txOpts() *Options {
	var opts Options
	if o != nil {
		opts = o.Options
	}
	opts.Scheduler = opts.scheduler()
	opts.Events = opts.events()
	opts.Log = opts.log()
	return &opts
}

func (o *LayerOptions) maxTxs() int {
	if o == nil || o.MaxTransactions <= 0 {
		return DefaultMaxTransactions
	}
	return o.MaxTransactions
}

// Layer owns the client and server transaction tables.
//
// Inbound messages are first matched against live transactions: a matched request is a
// retransmission or an ACK and is absorbed by its transaction, a matched response is passed
// to its client transaction. Unmatched messages are left to the caller.
// Transactions are removed from the tables only when they reach the Terminated state.
type Layer struct {
	snd    Sender
	opts   *Options
	max    int
	srv    map[ServerKey]ServerTransaction
	cln    map[ClientKey]ClientTransaction
	events event.Sink
	log    *slog.Logger
}

// NewLayer creates a new transaction layer sending messages with snd.
func NewLayer(snd Sender, opts *LayerOptions) (*Layer, error) {
	if snd == nil {
		return nil, errtrace.Wrap(newInvalidArgumentError("invalid sender"))
	}
	txOpts := opts.txOpts()
	return &Layer{
		snd:    snd,
		opts:   txOpts,
		max:    opts.maxTxs(),
		srv:    make(map[ServerKey]ServerTransaction),
		cln:    make(map[ClientKey]ClientTransaction),
		events: txOpts.Events,
		log:    txOpts.Log,
	}, nil
}

// Len returns the number of live transactions.
func (l *Layer) Len() int { return len(l.srv) + len(l.cln) }

// ServerTransaction returns the live server transaction with the key.
func (l *Layer) ServerTransaction(key ServerKey) (ServerTransaction, bool) {
	tx, ok := l.srv[key]
	return tx, ok
}

// ClientTransaction returns the live client transaction with the key.
func (l *Layer) ClientTransaction(key ClientKey) (ClientTransaction, bool) {
	tx, ok := l.cln[key]
	return tx, ok
}

// HandleRequest matches the inbound request against the server transactions.
// It returns true when a transaction consumed the request, then the caller must not route it.
//
// ACK consumed only by INVITE transactions waiting for it after a non-2xx final response.
// ACK for 2xx is end-to-end and is left to the caller.
func (l *Layer) HandleRequest(ctx context.Context, req *sip.Request) bool {
	key, err := ServerKeyFromRequest(req)
	if err != nil {
		l.log.LogAttrs(ctx, slog.LevelDebug,
			"failed to build server transaction key",
			slog.Any("request", req),
			slog.Any("error", err),
		)
		return false
	}

	tx, ok := l.srv[key]
	if !ok {
		return false
	}
	if req.IsAck() && tx.State() == StateAccepted {
		return false
	}

	if err := tx.RecvRequest(ctx, req); err != nil {
		l.log.LogAttrs(ctx, slog.LevelDebug,
			"server transaction rejected request",
			slog.Any("transaction", tx),
			slog.Any("request", req),
			slog.Any("error", err),
		)
	}
	return true
}

// HandleResponse matches the inbound response against the client transactions.
// It returns true when a transaction took the response.
func (l *Layer) HandleResponse(ctx context.Context, res *sip.Response) bool {
	key, err := ClientKeyFromMessage(res)
	if err != nil {
		return false
	}
	tx, ok := l.cln[key]
	if !ok {
		return false
	}

	if err := tx.RecvResponse(ctx, res); err != nil {
		l.log.LogAttrs(ctx, slog.LevelDebug,
			"client transaction rejected response",
			slog.Any("transaction", tx),
			slog.Any("response", res),
			slog.Any("error", err),
		)
	}
	return true
}

// NewServerTransaction creates a server transaction for the request received from src
// and stores it in the table.
func (l *Layer) NewServerTransaction(ctx context.Context, req *sip.Request, src netip.AddrPort) (ServerTransaction, error) {
	if err := l.checkCapacity(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if key, err := ServerKeyFromRequest(req); err == nil {
		if _, ok := l.srv[key]; ok {
			return nil, errtrace.Wrap(ErrTransactionExists)
		}
	}

	tx, err := NewServerTransaction(ctx, req, src, l.snd, l.opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	key := tx.Key()
	l.srv[key] = tx
	tx.OnTerminate(func(ctx context.Context, _ Transaction, err error) {
		if cur, ok := l.srv[key]; ok && cur == tx {
			delete(l.srv, key)
		}
		l.emit(ctx, event.KindTransactionTerminated, tx, err)
	})
	l.emit(ctx, event.KindTransactionCreated, tx, nil)
	return tx, nil
}

// NewClientTransaction creates a client transaction sending the request to dst
// and stores it in the table.
func (l *Layer) NewClientTransaction(ctx context.Context, req *sip.Request, dst netip.AddrPort) (ClientTransaction, error) {
	if err := l.checkCapacity(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if key, err := ClientKeyFromMessage(req); err == nil {
		if _, ok := l.cln[key]; ok {
			return nil, errtrace.Wrap(ErrTransactionExists)
		}
	}

	tx, err := NewClientTransaction(ctx, req, dst, l.snd, l.opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	key := tx.Key()
	l.cln[key] = tx
	tx.OnTerminate(func(ctx context.Context, _ Transaction, err error) {
		if cur, ok := l.cln[key]; ok && cur == tx {
			delete(l.cln, key)
		}
		l.emit(ctx, event.KindTransactionTerminated, tx, err)
	})
	l.emit(ctx, event.KindTransactionCreated, tx, nil)
	return tx, nil
}

func (l *Layer) checkCapacity() error {
	if n := l.Len(); n >= l.max {
		return errorutil.NewWrapperError(ErrTooManyTransactions, "%d live transactions", n) //errtrace:skip
	}
	return nil
}

func (l *Layer) emit(ctx context.Context, kind event.Kind, tx Transaction, err error) {
	var key, method string
	switch tx := tx.(type) {
	case ServerTransaction:
		key, method = tx.Key().String(), string(tx.Key().Method)
	case ClientTransaction:
		key, method = tx.Key().String(), string(tx.Key().Method)
	}

	l.log.LogAttrs(ctx, slog.LevelDebug, string(kind), slog.Any("transaction", tx), slog.Any("error", err))

	l.events.Emit(event.Event{
		Kind:   kind,
		Time:   l.opts.Scheduler.Now(),
		TxType: tx.Type().String(),
		TxKey:  key,
		Method: method,
		Err:    err,
	})
}

// Close terminates all live transactions.
func (l *Layer) Close(ctx context.Context) {
	txs := make([]Transaction, 0, l.Len())
	for _, tx := range l.srv {
		txs = append(txs, tx)
	}
	for _, tx := range l.cln {
		txs = append(txs, tx)
	}
	for _, tx := range txs {
		tx.Terminate(ctx) //nolint:errcheck
	}
}
