package sip

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/internal/util"
)

// ProtoVersion is the only supported protocol version.
const ProtoVersion = "SIP/2.0"

// MaxMessageSize is the largest datagram the codec accepts.
const MaxMessageSize = 65535

// Message is a SIP request or response.
type Message interface {
	// RenderTo writes the wire form of the message.
	RenderTo(w io.Writer) (int, error)
	// Validate checks the mandatory headers.
	Validate() error
	Clone() Message
	slog.LogValuer
	fmt.Stringer

	message()
}

// Render returns the wire form of the message.
func Render(msg Message) []byte {
	if msg == nil {
		return nil
	}
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	msg.RenderTo(sb) //nolint:errcheck
	return []byte(sb.String())
}

// GetMessageHeaders returns the headers of the message.
func GetMessageHeaders(msg Message) *Headers {
	switch m := msg.(type) {
	case *Request:
		return &m.Headers
	case *Response:
		return &m.Headers
	default:
		return nil
	}
}

// GetMessageBody returns the body of the message.
func GetMessageBody(msg Message) []byte {
	switch m := msg.(type) {
	case *Request:
		return m.Body
	case *Response:
		return m.Body
	default:
		return nil
	}
}

// Request represents a SIP request message.
type Request struct {
	Method  RequestMethod
	URI     *URI
	Proto   string
	Headers Headers
	Body    []byte
}

func (*Request) message() {}

// RenderTo writes the wire form of the request.
func (req *Request) RenderTo(w io.Writer) (int, error) {
	if req == nil {
		return 0, nil
	}
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	req.writeStartLine(sb)
	sb.WriteString("\r\n")
	req.Headers.writeTo(sb)
	sb.WriteString("\r\n")
	sb.Write(req.Body)
	return errtrace.Wrap2(io.WriteString(w, sb.String()))
}

func (req *Request) writeStartLine(sb io.StringWriter) {
	sb.WriteString(string(req.Method))
	sb.WriteString(" ")
	sb.WriteString(req.URI.String())
	sb.WriteString(" ")
	sb.WriteString(protoOrDefault(req.Proto))
}

// String returns the request start line.
func (req *Request) String() string {
	if req == nil {
		return "<nil>"
	}
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	req.writeStartLine(sb)
	return sb.String()
}

// SetBody replaces the body and updates Content-Length.
func (req *Request) SetBody(body []byte) {
	req.Body = body
	req.Headers.Set(HdrContentLength, strconv.Itoa(len(body)))
}

// IsInvite reports whether the request is an INVITE.
func (req *Request) IsInvite() bool {
	return req != nil && req.Method.Equal(RequestMethodInvite)
}

// IsAck reports whether the request is an ACK.
func (req *Request) IsAck() bool {
	return req != nil && req.Method.Equal(RequestMethodAck)
}

// IsCancel reports whether the request is a CANCEL.
func (req *Request) IsCancel() bool {
	return req != nil && req.Method.Equal(RequestMethodCancel)
}

// Validate checks the mandatory headers and their values.
func (req *Request) Validate() error {
	if req == nil || req.URI == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	return errtrace.Wrap(validateHeaders(req, &req.Headers))
}

// Clone returns a deep copy of the request.
func (req *Request) Clone() Message {
	if req == nil {
		return nil
	}
	req2 := *req
	req2.URI = req.URI.Clone()
	req2.Headers = req.Headers.Clone()
	req2.Body = slices.Clone(req.Body)
	return &req2
}

// LogValue implements [slog.LogValuer].
func (req *Request) LogValue() slog.Value {
	if req == nil {
		return slog.Value{}
	}
	attrs := make([]slog.Attr, 0, 6)
	attrs = append(attrs, slog.String("method", string(req.Method)), slog.String("uri", req.URI.String()))
	return slog.GroupValue(append(attrs, summaryAttrs(&req.Headers)...)...)
}

// Response represents a SIP response message.
type Response struct {
	Status  StatusCode
	Reason  string
	Proto   string
	Headers Headers
	Body    []byte
}

func (*Response) message() {}

// RenderTo writes the wire form of the response.
func (res *Response) RenderTo(w io.Writer) (int, error) {
	if res == nil {
		return 0, nil
	}
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	res.writeStartLine(sb)
	sb.WriteString("\r\n")
	res.Headers.writeTo(sb)
	sb.WriteString("\r\n")
	sb.Write(res.Body)
	return errtrace.Wrap2(io.WriteString(w, sb.String()))
}

func (res *Response) writeStartLine(sb io.StringWriter) {
	sb.WriteString(protoOrDefault(res.Proto))
	sb.WriteString(" ")
	sb.WriteString(strconv.Itoa(int(res.Status)))
	sb.WriteString(" ")
	sb.WriteString(res.Reason)
}

// String returns the response status line.
func (res *Response) String() string {
	if res == nil {
		return "<nil>"
	}
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	res.writeStartLine(sb)
	return sb.String()
}

// SetBody replaces the body and updates Content-Length.
func (res *Response) SetBody(body []byte) {
	res.Body = body
	res.Headers.Set(HdrContentLength, strconv.Itoa(len(body)))
}

// Validate checks the status code and the mandatory headers.
func (res *Response) Validate() error {
	if res == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}
	if !res.Status.IsValid() {
		return errtrace.Wrap(newParseErr(ErrMalformed, res, "invalid status code %d", res.Status))
	}
	return errtrace.Wrap(validateHeaders(res, &res.Headers))
}

// Clone returns a deep copy of the response.
func (res *Response) Clone() Message {
	if res == nil {
		return nil
	}
	res2 := *res
	res2.Headers = res.Headers.Clone()
	res2.Body = slices.Clone(res.Body)
	return &res2
}

// LogValue implements [slog.LogValuer].
func (res *Response) LogValue() slog.Value {
	if res == nil {
		return slog.Value{}
	}
	attrs := make([]slog.Attr, 0, 6)
	attrs = append(attrs, slog.Int("status", int(res.Status)), slog.String("reason", res.Reason))
	return slog.GroupValue(append(attrs, summaryAttrs(&res.Headers)...)...)
}

func summaryAttrs(hdrs *Headers) []slog.Attr {
	var attrs []slog.Attr
	if via, ok := hdrs.Get(HdrVia); ok {
		first, _ := splitFirstHop(via)
		attrs = append(attrs, slog.String("Via", first))
	}
	if callID, ok := hdrs.CallID(); ok {
		attrs = append(attrs, slog.String("Call-ID", callID))
	}
	if cseq, ok := hdrs.Get(HdrCSeq); ok {
		attrs = append(attrs, slog.String("CSeq", cseq))
	}
	return attrs
}

func protoOrDefault(p string) string {
	if p == "" {
		return ProtoVersion
	}
	return p
}

var mandatoryHdrs = []string{HdrCallID, HdrCSeq, HdrFrom, HdrTo, HdrVia}

func validateHeaders(msg Message, hdrs *Headers) error {
	for _, n := range mandatoryHdrs {
		if !hdrs.Has(n) {
			return newParseErr(ErrMissingMandatoryHeader, msg, "%s", n)
		}
	}
	if _, ok := hdrs.CallID(); !ok {
		return newParseErr(ErrMalformed, msg, "empty Call-ID")
	}
	if _, err := hdrs.CSeq(); err != nil {
		return withMsg(err, msg)
	}
	if _, err := hdrs.From(); err != nil {
		return withMsg(err, msg)
	}
	if _, err := hdrs.To(); err != nil {
		return withMsg(err, msg)
	}
	if _, err := hdrs.Via(); err != nil {
		return withMsg(err, msg)
	}
	if _, _, err := hdrs.MaxForwards(); err != nil {
		return withMsg(err, msg)
	}
	return nil
}

func withMsg(err error, msg Message) error {
	if pe, ok := err.(*ParseError); ok { //nolint:errorlint
		pe.Msg = msg
		return pe
	}
	return err
}
