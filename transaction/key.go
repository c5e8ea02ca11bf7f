package transaction

import (
	"log/slog"
	"strconv"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/internal/util"
	"github.com/ghettovoice/sipproxy/sip"
)

// ClientKey identifies a client transaction, RFC 3261 17.1.3.
type ClientKey struct {
	Branch string
	Method sip.RequestMethod
}

// ClientKeyFromMessage builds the client key from the top Via branch and the CSeq method.
func ClientKeyFromMessage(msg sip.Message) (ClientKey, error) {
	hdrs := sip.GetMessageHeaders(msg)
	if hdrs == nil {
		return ClientKey{}, errtrace.Wrap(newInvalidArgumentError("invalid message"))
	}
	via, err := hdrs.TopVia()
	if err != nil {
		return ClientKey{}, errtrace.Wrap(newInvalidArgumentError(err))
	}
	cseq, err := hdrs.CSeq()
	if err != nil {
		return ClientKey{}, errtrace.Wrap(newInvalidArgumentError(err))
	}
	k := ClientKey{
		Branch: via.Branch(),
		Method: cseq.Method.ToUpper(),
	}
	if !k.IsValid() {
		return ClientKey{}, errtrace.Wrap(newInvalidArgumentError("missing Via branch"))
	}
	return k, nil
}

// IsValid reports whether the key has both fields set.
func (k ClientKey) IsValid() bool { return k.Branch != "" && k.Method != "" }

// Equal compares keys, the method case-insensitively.
func (k ClientKey) Equal(other ClientKey) bool {
	return k.Branch == other.Branch && k.Method.Equal(other.Method)
}

func (k ClientKey) String() string { return k.Branch + "|" + string(k.Method) }

// LogValue implements [slog.LogValuer].
func (k ClientKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("branch", k.Branch),
		slog.String("method", string(k.Method)),
	)
}

// ServerKey identifies a server transaction, RFC 3261 17.2.3.
//
// Requests with an RFC 3261 branch are keyed by branch, sent-by and method.
// Other requests fall back to the RFC 2543 fields: Request-URI, From tag,
// Call-ID, CSeq number, top Via and method.
// ACK is keyed as INVITE so that it matches the INVITE transaction.
type ServerKey struct {
	Branch string
	SentBy string
	Method sip.RequestMethod

	URI     string
	FromTag string
	CallID  string
	CSeq    uint32
	Via     string
}

// ServerKeyFromRequest builds the server key of the request.
func ServerKeyFromRequest(req *sip.Request) (ServerKey, error) {
	if req == nil {
		return ServerKey{}, errtrace.Wrap(newInvalidArgumentError("invalid request"))
	}
	via, err := req.Headers.TopVia()
	if err != nil {
		return ServerKey{}, errtrace.Wrap(newInvalidArgumentError(err))
	}
	cseq, err := req.Headers.CSeq()
	if err != nil {
		return ServerKey{}, errtrace.Wrap(newInvalidArgumentError(err))
	}

	var k ServerKey
	k.Method = cseq.Method.ToUpper()
	if k.Method.Equal(sip.RequestMethodAck) {
		k.Method = sip.RequestMethodInvite
	}

	if via.IsRFC3261() {
		k.Branch = via.Branch()
		k.SentBy = via.SentBy()
		return k, nil
	}

	from, err := req.Headers.From()
	if err != nil {
		return ServerKey{}, errtrace.Wrap(newInvalidArgumentError(err))
	}
	if k.FromTag = from.Tag(); k.FromTag == "" {
		return ServerKey{}, errtrace.Wrap(newInvalidArgumentError("missing From tag"))
	}
	k.CallID, _ = req.Headers.CallID()
	k.CSeq = cseq.Seq
	k.URI = util.LCase(req.URI.String())
	k.Via = util.LCase(via.String())
	return k, nil
}

// IsValid reports whether the key identifies a transaction.
func (k ServerKey) IsValid() bool {
	if k.Method == "" {
		return false
	}
	if k.Branch != "" {
		return k.SentBy != ""
	}
	return k.FromTag != "" && k.CallID != "" && k.Via != ""
}

// IsRFC3261 reports whether the key is branch based.
func (k ServerKey) IsRFC3261() bool { return k.Branch != "" }

// WithMethod returns a copy of the key with another method.
// It is used to find the INVITE transaction a CANCEL refers to.
func (k ServerKey) WithMethod(m sip.RequestMethod) ServerKey {
	k.Method = m.ToUpper()
	return k
}

func (k ServerKey) String() string {
	if k.IsRFC3261() {
		return k.Branch + "|" + k.SentBy + "|" + string(k.Method)
	}
	return k.CallID + "|" + k.FromTag + "|" + strconv.FormatUint(uint64(k.CSeq), 10) + "|" + string(k.Method)
}

// LogValue implements [slog.LogValuer].
func (k ServerKey) LogValue() slog.Value {
	if k.IsRFC3261() {
		return slog.GroupValue(
			slog.String("branch", k.Branch),
			slog.String("sent_by", k.SentBy),
			slog.String("method", string(k.Method)),
		)
	}
	return slog.GroupValue(
		slog.String("call_id", k.CallID),
		slog.String("from_tag", k.FromTag),
		slog.Uint64("cseq", uint64(k.CSeq)),
		slog.String("method", string(k.Method)),
	)
}
