package transaction

import (
	"context"
	"log/slog"
	"net/netip"
	"reflect"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/sip"
)

// ClientTransaction represents a SIP client transaction.
type ClientTransaction interface {
	Transaction
	// Key returns the transaction key.
	Key() ClientKey
	// Request returns the request that started the transaction.
	Request() *sip.Request
	// LastResponse returns the last response received by the transaction.
	LastResponse() *sip.Response
	// MatchResponse checks whether the response belongs to the transaction.
	MatchResponse(res *sip.Response) error
	// RecvResponse passes an inbound response to the transaction.
	RecvResponse(ctx context.Context, res *sip.Response) error
	// OnResponse registers a callback called for every response passed to the owner.
	OnResponse(fn ResponseHandler)
}

// ResponseHandler is called for responses the client transaction passes to its owner.
type ResponseHandler = func(ctx context.Context, tx ClientTransaction, res *sip.Response)

// NewClientTransaction creates an INVITE or non-INVITE client transaction depending on the request method
// and sends the request to dst.
func NewClientTransaction(
	ctx context.Context,
	req *sip.Request,
	dst netip.AddrPort,
	snd Sender,
	opts *Options,
) (ClientTransaction, error) {
	if req != nil && req.IsInvite() {
		return errtrace.Wrap2(NewInviteClientTransaction(ctx, req, dst, snd, opts))
	}
	return errtrace.Wrap2(NewNonInviteClientTransaction(ctx, req, dst, snd, opts))
}

const (
	txEvtRecv1xx    = "recv_1xx"
	txEvtRecv2xx    = "recv_2xx"
	txEvtRecv300699 = "recv_300-699"
)

type clientTx struct {
	*baseTx
	key     ClientKey
	req     *sip.Request
	reqData []byte
	lastRes *sip.Response
	onRes   []ResponseHandler
}

func newClientTx(
	typ Type,
	impl ClientTransaction,
	req *sip.Request,
	dst netip.AddrPort,
	snd Sender,
	opts *Options,
) (*clientTx, error) {
	if req == nil {
		return nil, errtrace.Wrap(newInvalidArgumentError("invalid request"))
	}
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(newInvalidArgumentError(err))
	}
	if req.IsAck() {
		return nil, errtrace.Wrap(newInvalidArgumentError("ACK does not start a transaction"))
	}
	if snd == nil {
		return nil, errtrace.Wrap(newInvalidArgumentError("invalid sender"))
	}
	if !dst.IsValid() {
		return nil, errtrace.Wrap(newInvalidArgumentError("invalid destination"))
	}

	key, err := ClientKeyFromMessage(req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx := &clientTx{
		key:     key,
		req:     req,
		reqData: sip.Render(req),
	}
	tx.baseTx = newBaseTx(typ, impl, snd, dst, opts)
	tx.keyStr = key.String()
	tx.method = string(key.Method)
	return tx, nil
}

func (tx *clientTx) initFSM(start State) {
	tx.baseTx.initFSM(start)

	tx.fsm.SetTriggerParameters(txEvtRecv1xx, reflect.TypeOf((*sip.Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtRecv2xx, reflect.TypeOf((*sip.Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtRecv300699, reflect.TypeOf((*sip.Response)(nil)))
}

// LogValue implements [slog.LogValuer].
func (tx *clientTx) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("key", tx.key),
		slog.String("type", tx.typ.String()),
		slog.String("state", tx.State().String()),
	)
}

// Key returns the transaction key.
func (tx *clientTx) Key() ClientKey { return tx.key }

// Request returns the request that started the transaction.
func (tx *clientTx) Request() *sip.Request { return tx.req }

// LastResponse returns the last response received by the transaction.
func (tx *clientTx) LastResponse() *sip.Response { return tx.lastRes }

// OnResponse registers a callback called for every response passed to the owner.
func (tx *clientTx) OnResponse(fn ResponseHandler) {
	tx.onRes = append(tx.onRes, fn)
}

// MatchResponse checks whether the response matches the client transaction, RFC 3261 17.1.3.
func (tx *clientTx) MatchResponse(res *sip.Response) error {
	resKey, err := ClientKeyFromMessage(res)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if !tx.key.Equal(resKey) {
		return errtrace.Wrap(ErrNotMatched)
	}
	return nil
}

// RecvResponse passes an inbound response to the transaction.
func (tx *clientTx) RecvResponse(ctx context.Context, res *sip.Response) error {
	if err := tx.MatchResponse(res); err != nil {
		return errtrace.Wrap(err)
	}

	switch {
	case res.Status.IsProvisional():
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecv1xx, res))
	case res.Status.IsSuccessful():
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecv2xx, res))
	default:
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecv300699, res))
	}
}

func (tx *clientTx) actSendReq(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "send request", slog.Any("transaction", tx.impl), slog.Any("request", tx.req))

	tx.send(ctx, tx.reqData)
	return nil
}

func (tx *clientTx) resendReq(ctx context.Context, timer string) {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "re-send request", slog.Any("transaction", tx.impl), slog.Any("request", tx.req))

	tx.emitRetransmission(timer)
	tx.send(ctx, tx.reqData)
}

func (tx *clientTx) actPassRes(ctx context.Context, args ...any) error {
	res := args[0].(*sip.Response) //nolint:forcetypeassert
	tx.lastRes = res

	tx.log.LogAttrs(ctx, slog.LevelDebug, "pass response", slog.Any("transaction", tx.impl), slog.Any("response", res))

	for _, fn := range tx.onRes {
		fn(ctx, tx.impl.(ClientTransaction), res) //nolint:forcetypeassert
	}
	return nil
}

func (tx *clientTx) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx.impl))
	return nil
}

func (tx *clientTx) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx.impl))
	return nil
}
