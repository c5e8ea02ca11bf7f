package transaction

import (
	"context"
	"log/slog"
	"net/netip"
	"reflect"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/sip"
)

// ServerTransaction represents a SIP server transaction.
type ServerTransaction interface {
	Transaction
	// Key returns the transaction key.
	Key() ServerKey
	// Request returns the request that started the transaction.
	Request() *sip.Request
	// LastResponse returns the last response sent by the transaction.
	LastResponse() *sip.Response
	// MatchRequest checks whether the request belongs to the transaction.
	MatchRequest(req *sip.Request) error
	// RecvRequest passes a retransmitted request or an ACK to the transaction.
	RecvRequest(ctx context.Context, req *sip.Request) error
	// Respond sends the response through the transaction.
	Respond(ctx context.Context, res *sip.Response) error
}

// NewServerTransaction creates an INVITE or non-INVITE server transaction depending on the request method.
// Responses are sent to src, the address the request came from.
func NewServerTransaction(
	ctx context.Context,
	req *sip.Request,
	src netip.AddrPort,
	snd Sender,
	opts *Options,
) (ServerTransaction, error) {
	if req != nil && req.IsInvite() {
		return errtrace.Wrap2(NewInviteServerTransaction(ctx, req, src, snd, opts))
	}
	return errtrace.Wrap2(NewNonInviteServerTransaction(ctx, req, src, snd, opts))
}

const (
	txEvtRecvReq    = "recv_req"
	txEvtRecvAck    = "recv_ack"
	txEvtSend1xx    = "send_1xx"
	txEvtSend2xx    = "send_2xx"
	txEvtSend300699 = "send_300-699"
)

type serverTx struct {
	*baseTx
	key         ServerKey
	req         *sip.Request
	lastRes     *sip.Response
	lastResData []byte
}

func newServerTx(
	typ Type,
	impl ServerTransaction,
	req *sip.Request,
	src netip.AddrPort,
	snd Sender,
	opts *Options,
) (*serverTx, error) {
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
	if !src.IsValid() {
		return nil, errtrace.Wrap(newInvalidArgumentError("invalid source address"))
	}

	key, err := ServerKeyFromRequest(req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx := &serverTx{
		key: key,
		req: req,
	}
	tx.baseTx = newBaseTx(typ, impl, snd, src, opts)
	tx.keyStr = key.String()
	tx.method = string(key.Method)
	return tx, nil
}

func (tx *serverTx) initFSM(start State) {
	tx.baseTx.initFSM(start)

	tx.fsm.SetTriggerParameters(txEvtRecvReq, reflect.TypeOf((*sip.Request)(nil)))
	tx.fsm.SetTriggerParameters(txEvtRecvAck, reflect.TypeOf((*sip.Request)(nil)))
	tx.fsm.SetTriggerParameters(txEvtSend1xx, reflect.TypeOf((*sip.Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtSend2xx, reflect.TypeOf((*sip.Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtSend300699, reflect.TypeOf((*sip.Response)(nil)))
}

// LogValue implements [slog.LogValuer].
func (tx *serverTx) LogValue() slog.Value {
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
func (tx *serverTx) Key() ServerKey { return tx.key }

// Request returns the request that started the transaction.
func (tx *serverTx) Request() *sip.Request { return tx.req }

// LastResponse returns the last response sent by the transaction.
func (tx *serverTx) LastResponse() *sip.Response { return tx.lastRes }

// MatchRequest checks whether the request matches the server transaction, RFC 3261 17.2.3.
func (tx *serverTx) MatchRequest(req *sip.Request) error {
	reqKey, err := ServerKeyFromRequest(req)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if reqKey != tx.key {
		return errtrace.Wrap(ErrNotMatched)
	}
	return nil
}

// RecvRequest passes a retransmitted request or an ACK to the transaction.
func (tx *serverTx) RecvRequest(ctx context.Context, req *sip.Request) error {
	if err := tx.MatchRequest(req); err != nil {
		return errtrace.Wrap(err)
	}
	if req.IsAck() {
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecvAck, req))
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecvReq, req))
}

// Respond sends the response through the transaction.
// The response is rendered once; retransmissions repeat the same bytes.
func (tx *serverTx) Respond(ctx context.Context, res *sip.Response) error {
	if res == nil {
		return errtrace.Wrap(newInvalidArgumentError("invalid response"))
	}
	if err := res.Validate(); err != nil {
		return errtrace.Wrap(newInvalidArgumentError(err))
	}

	switch {
	case res.Status.IsProvisional():
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtSend1xx, res))
	case res.Status.IsSuccessful():
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtSend2xx, res))
	default:
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtSend300699, res))
	}
}

func (tx *serverTx) actSendRes(ctx context.Context, args ...any) error {
	res := args[0].(*sip.Response) //nolint:forcetypeassert
	tx.lastRes = res
	tx.lastResData = sip.Render(res)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send response", slog.Any("transaction", tx.impl), slog.Any("response", res))

	tx.send(ctx, tx.lastResData)
	return nil
}

func (tx *serverTx) resendRes(ctx context.Context, reason string) {
	if tx.lastResData == nil {
		return
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "re-send response", slog.Any("transaction", tx.impl), slog.Any("response", tx.lastRes))

	tx.emitRetransmission(reason)
	tx.send(ctx, tx.lastResData)
}

func (tx *serverTx) actResendRes(ctx context.Context, _ ...any) error {
	tx.resendRes(ctx, txEvtRecvReq)
	return nil
}

func (tx *serverTx) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx.impl))
	return nil
}

func (tx *serverTx) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx.impl))
	return nil
}
