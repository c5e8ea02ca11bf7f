package sip

import (
	"bytes"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/internal/grammar"
)

// Parse parses a single SIP message from a datagram.
//
// All returned errors are *[ParseError] values matching [ErrParse].
// When the start line was recognized, the error carries the partially parsed
// message in [ParseError.Msg], so the caller may still reply to a broken request.
// A request with a malformed Request-URI keeps the raw URI text and its headers.
//
// Header fields keep their raw name, separator and value, folded lines included,
// so rendering an unmodified message returns the input bytes.
func Parse(data []byte) (Message, error) {
	if len(data) > MaxMessageSize {
		return nil, errtrace.Wrap(newParseErr(ErrMessageTooLarge, nil, "%d bytes", len(data)))
	}

	// RFC 3261 7.5: CRLFs before the start line are ignored.
	data = bytes.TrimLeft(data, "\r\n")
	if len(data) == 0 {
		return nil, errtrace.Wrap(newParseErr(ErrMalformed, nil, "empty message"))
	}

	line, rest, ok := nextLine(data)
	if !ok {
		return nil, errtrace.Wrap(newParseErr(ErrMalformed, nil, "incomplete start line"))
	}
	msg, hdrs, lineErr := parseStartLine(line)
	if msg == nil {
		return nil, errtrace.Wrap(lineErr)
	}

	var closed bool
	for {
		line, rest, ok = nextLine(rest)
		if !ok {
			break
		}
		if len(line) == 0 {
			closed = true
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			if len(hdrs.fields) == 0 {
				return nil, errtrace.Wrap(newParseErr(ErrMalformed, msg, "continuation line before first header"))
			}
			last := &hdrs.fields[len(hdrs.fields)-1]
			last.Value += "\r\n" + string(line)
			continue
		}
		f, err := parseHeaderField(line)
		if err != nil {
			hdrs.reindex()
			return nil, errtrace.Wrap(withMsg(err, msg))
		}
		hdrs.fields = append(hdrs.fields, f)
	}
	hdrs.reindex()
	if !closed {
		return nil, errtrace.Wrap(newParseErr(ErrMalformed, msg, "header section is not terminated"))
	}

	body := rest
	if cl, ok, err := hdrs.ContentLength(); err != nil {
		return nil, errtrace.Wrap(withMsg(err, msg))
	} else if ok && cl != len(body) {
		return nil, errtrace.Wrap(newParseErr(ErrBodyLengthMismatch, msg,
			"Content-Length %d, body %d bytes", cl, len(body)))
	}
	if len(body) > 0 {
		body = bytes.Clone(body)
	} else {
		body = nil
	}

	switch m := msg.(type) {
	case *Request:
		m.Body = body
	case *Response:
		m.Body = body
	}

	if lineErr != nil {
		return nil, errtrace.Wrap(lineErr)
	}
	if err := msg.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return msg, nil
}

// nextLine returns the line up to CRLF or a bare LF.
// ok is false when no line terminator is found.
func nextLine(data []byte) (line, rest []byte, ok bool) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return nil, data, false
	}
	line = data[:i]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, data[i+1:], true
}

func parseStartLine(line []byte) (Message, *Headers, error) {
	s := string(line)
	if strings.HasPrefix(s, "SIP/") {
		proto, rest, ok := strings.Cut(s, " ")
		if !ok || proto != ProtoVersion {
			return nil, nil, newParseErr(ErrMalformed, nil, "malformed status line %q", s)
		}
		codeStr, reason, _ := strings.Cut(rest, " ")
		code, err := strconv.ParseUint(codeStr, 10, 16)
		if err != nil || len(codeStr) != 3 || !StatusCode(code).IsValid() {
			return nil, nil, newParseErr(ErrMalformed, nil, "malformed status code in %q", s)
		}
		res := &Response{Status: StatusCode(code), Reason: reason, Proto: proto}
		return res, &res.Headers, nil
	}

	parts := strings.Split(s, " ")
	if len(parts) != 3 {
		return nil, nil, newParseErr(ErrMalformed, nil, "malformed request line %q", s)
	}
	if !grammar.IsToken(parts[0]) {
		return nil, nil, newParseErr(ErrMalformed, nil, "invalid method %q", parts[0])
	}
	if parts[2] != ProtoVersion {
		return nil, nil, newParseErr(ErrMalformed, nil, "unsupported protocol %q", parts[2])
	}
	req := &Request{Method: RequestMethod(parts[0]), Proto: parts[2]}
	uri, err := ParseURI(parts[1])
	if err != nil {
		// headers are still parsed, the request may be answered
		req.URI = rawURI(parts[1])
		return req, &req.Headers, newParseErr(ErrMalformed, req, "malformed Request-URI %q", parts[1])
	}
	req.URI = uri
	return req, &req.Headers, nil
}

func parseHeaderField(line []byte) (HeaderField, error) {
	s := string(line)
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return HeaderField{}, newParseErr(ErrMalformed, nil, "malformed header line %q", s)
	}
	name := strings.TrimRight(s[:colon], " \t")
	if !grammar.IsToken(name) {
		return HeaderField{}, newParseErr(ErrMalformed, nil, "invalid header name %q", name)
	}
	value := strings.TrimLeft(s[colon+1:], " \t")
	return HeaderField{
		Name:  name,
		Value: value,
		sep:   s[len(name) : len(s)-len(value)],
	}, nil
}
