package sip

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/ghettovoice/sipproxy/internal/util"
)

// NewResponse builds a response to the request.
//
// Via, From, To, Call-ID and CSeq are copied from the request as raw fields.
// A To tag is added to non-100 responses when the request has none.
// An empty reason selects the default phrase of the code.
func NewResponse(req *Request, code StatusCode, reason string) *Response {
	if reason == "" {
		reason = code.Reason()
	}
	res := &Response{
		Status: code,
		Reason: reason,
		Proto:  ProtoVersion,
	}
	if req == nil {
		res.Headers.Append(HdrContentLength, "0")
		return res
	}

	for f := range req.Headers.Fields() {
		switch CanonicName(f.Name) {
		case "via", "from", "to", "call-id", "cseq":
			res.Headers.fields = append(res.Headers.fields, HeaderField{Name: f.Name, Value: f.Value, sep: f.sep})
		}
	}
	res.Headers.reindex()

	if code != StatusTrying {
		if to, err := res.Headers.To(); err == nil && to.Tag() == "" {
			if pos := res.Headers.positions(HdrTo); len(pos) > 0 {
				res.Headers.setFieldValue(pos[0], res.Headers.fields[pos[0]].Value+";tag="+GenerateTag())
			}
		}
	}
	res.Headers.Append(HdrContentLength, "0")
	return res
}

// NewAck builds the ACK for a non-2xx final response, RFC 3261 17.1.1.3.
func NewAck(inv *Request, res *Response) *Request {
	ack := &Request{
		Method: RequestMethodAck,
		URI:    inv.URI.Clone(),
		Proto:  ProtoVersion,
	}
	if via, err := inv.Headers.TopVia(); err == nil {
		ack.Headers.Append(HdrVia, via.String())
	}
	copyField(&ack.Headers, &inv.Headers, HdrFrom)
	if res != nil {
		copyField(&ack.Headers, &res.Headers, HdrTo)
	} else {
		copyField(&ack.Headers, &inv.Headers, HdrTo)
	}
	copyField(&ack.Headers, &inv.Headers, HdrCallID)
	if cseq, err := inv.Headers.CSeq(); err == nil {
		ack.Headers.Append(HdrCSeq, CSeq{Seq: cseq.Seq, Method: RequestMethodAck}.String())
	}
	for _, r := range inv.Headers.Values(HdrRoute) {
		ack.Headers.Append(HdrRoute, r)
	}
	ack.Headers.Append(HdrMaxForwards, "70")
	ack.Headers.Append(HdrContentLength, "0")
	return ack
}

// NewCancel builds a CANCEL for the request, RFC 3261 9.1.
func NewCancel(req *Request) *Request {
	cancel := &Request{
		Method: RequestMethodCancel,
		URI:    req.URI.Clone(),
		Proto:  ProtoVersion,
	}
	if via, err := req.Headers.TopVia(); err == nil {
		cancel.Headers.Append(HdrVia, via.String())
	}
	copyField(&cancel.Headers, &req.Headers, HdrFrom)
	copyField(&cancel.Headers, &req.Headers, HdrTo)
	copyField(&cancel.Headers, &req.Headers, HdrCallID)
	if cseq, err := req.Headers.CSeq(); err == nil {
		cancel.Headers.Append(HdrCSeq, CSeq{Seq: cseq.Seq, Method: RequestMethodCancel}.String())
	}
	for _, r := range req.Headers.Values(HdrRoute) {
		cancel.Headers.Append(HdrRoute, r)
	}
	cancel.Headers.Append(HdrMaxForwards, "70")
	cancel.Headers.Append(HdrContentLength, "0")
	return cancel
}

func copyField(dst, src *Headers, name string) {
	if v, ok := src.Get(name); ok {
		dst.Append(name, v)
	}
}

// GenerateBranch returns a new random RFC 3261 branch.
func GenerateBranch() string {
	return MagicCookie + "." + util.RandString(32)
}

// GenerateTag returns a new random From/To tag.
func GenerateTag() string {
	return util.RandStringLC(16)
}

// BranchHash returns a stable hash of the values, usable as a branch component.
func BranchHash(vals ...string) string {
	h := sha256.New()
	for _, v := range vals {
		h.Write([]byte(v))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:12])
}
