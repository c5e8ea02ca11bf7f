package sip

import (
	"strconv"
	"strings"

	"github.com/ghettovoice/sipproxy/internal/util"
)

// MagicCookie is the RFC 3261 branch prefix.
const MagicCookie = "z9hG4bK"

// ViaHop is a single Via hop.
type ViaHop struct {
	Proto     string
	Version   string
	Transport string
	Host      string
	Port      uint16
	Params    Params
}

// ParseViaHop parses one "SIP/2.0/UDP host[:port](;param)*" hop.
func ParseViaHop(s string) (ViaHop, error) {
	var hop ViaHop

	s = strings.TrimSpace(s)
	head, params, hasParams := strings.Cut(s, ";")

	proto, rest, ok := strings.Cut(head, "/")
	if !ok {
		return hop, newParseErr(ErrMalformed, nil, "malformed Via %q", s)
	}
	ver, rest, ok := strings.Cut(rest, "/")
	if !ok {
		return hop, newParseErr(ErrMalformed, nil, "malformed Via %q", s)
	}
	rest = strings.TrimLeft(rest, " \t")
	i := strings.IndexAny(rest, " \t")
	if i < 0 {
		return hop, newParseErr(ErrMalformed, nil, "malformed Via %q: no sent-by", s)
	}
	hop.Proto = strings.TrimSpace(proto)
	hop.Version = strings.TrimSpace(ver)
	hop.Transport = rest[:i]
	if hop.Proto == "" || hop.Version == "" || hop.Transport == "" {
		return hop, newParseErr(ErrMalformed, nil, "malformed Via %q", s)
	}

	sentBy := strings.Join(strings.Fields(rest[i:]), "")
	host, port, err := splitHostPort(sentBy)
	if err != nil {
		return hop, newParseErr(ErrMalformed, nil, "malformed Via %q sent-by", s)
	}
	hop.Host, hop.Port = host, port

	if hasParams {
		ps, err := parseParams(params)
		if err != nil || len(ps) == 0 {
			return hop, newParseErr(ErrMalformed, nil, "malformed Via %q parameters", s)
		}
		hop.Params = ps
	}
	return hop, nil
}

// Branch returns the branch parameter.
func (hop ViaHop) Branch() string {
	b, _ := hop.Params.Get("branch")
	return b
}

// IsRFC3261 reports whether the branch starts with [MagicCookie].
func (hop ViaHop) IsRFC3261() bool {
	return strings.HasPrefix(hop.Branch(), MagicCookie)
}

// SentBy returns the normalized "host:port" with the lower-cased host
// and the default port filled in.
func (hop ViaHop) SentBy() string {
	return joinHostPort(util.LCase(strings.Trim(hop.Host, "[]")), portOrDefault(hop.Port))
}

// Received returns the received parameter.
func (hop ViaHop) Received() (string, bool) {
	return hop.Params.Get("received")
}

// RPort returns the rport parameter value.
// Zero with ok=true means the rport flag without value.
func (hop ViaHop) RPort() (uint16, bool) {
	v, ok := hop.Params.Get("rport")
	if !ok {
		return 0, false
	}
	p, _ := strconv.ParseUint(v, 10, 16)
	return uint16(p), true
}

// Clone returns a deep copy of the hop.
func (hop ViaHop) Clone() ViaHop {
	hop.Params = hop.Params.Clone()
	return hop
}

func (hop ViaHop) String() string {
	var sb strings.Builder
	sb.WriteString(hop.Proto)
	sb.WriteByte('/')
	sb.WriteString(hop.Version)
	sb.WriteByte('/')
	sb.WriteString(hop.Transport)
	sb.WriteByte(' ')
	if hop.Port == 0 {
		sb.WriteString(hop.Host)
	} else {
		sb.WriteString(joinHostPort(hop.Host, hop.Port))
	}
	hop.Params.writeTo(&sb)
	return sb.String()
}

// splitFirstHop splits a raw Via field value at the first top-level comma.
func splitFirstHop(v string) (first, rest string) {
	parts := splitQuoted(v, ',')
	if len(parts) == 1 {
		return v, ""
	}
	first = parts[0]
	rest = strings.TrimLeft(v[len(first)+1:], " \t\r\n")
	return first, rest
}

// Via returns all Via hops as a flat ordered list.
func (h *Headers) Via() ([]ViaHop, error) {
	var hops []ViaHop
	for _, v := range h.Values(HdrVia) {
		for _, part := range splitQuoted(unfold(v), ',') {
			hop, err := ParseViaHop(part)
			if err != nil {
				return nil, err //errtrace:skip
			}
			hops = append(hops, hop)
		}
	}
	if len(hops) == 0 {
		return nil, newParseErr(ErrMissingMandatoryHeader, nil, "%s", HdrVia)
	}
	return hops, nil
}

// TopVia returns the topmost Via hop.
func (h *Headers) TopVia() (ViaHop, error) {
	pos := h.positions(HdrVia)
	if len(pos) == 0 {
		return ViaHop{}, newParseErr(ErrMissingMandatoryHeader, nil, "%s", HdrVia)
	}
	first, _ := splitFirstHop(unfold(h.fields[pos[0]].Value))
	return ParseViaHop(first) //errtrace:skip
}

// PrependVia puts the hop on top of the Via stack as a new field.
func (h *Headers) PrependVia(hop ViaHop) {
	h.Prepend(HdrVia, hop.String())
}

// SetTopVia replaces the topmost Via hop keeping other hops of the same field raw.
func (h *Headers) SetTopVia(hop ViaHop) {
	pos := h.positions(HdrVia)
	if len(pos) == 0 {
		h.PrependVia(hop)
		return
	}
	_, rest := splitFirstHop(h.fields[pos[0]].Value)
	if rest == "" {
		h.setFieldValue(pos[0], hop.String())
		return
	}
	h.setFieldValue(pos[0], hop.String()+", "+rest)
}

// PopVia removes the topmost Via hop and returns it.
// Other hops of the same field are kept raw.
func (h *Headers) PopVia() (ViaHop, error) {
	pos := h.positions(HdrVia)
	if len(pos) == 0 {
		return ViaHop{}, newParseErr(ErrMissingMandatoryHeader, nil, "%s", HdrVia)
	}
	first, rest := splitFirstHop(h.fields[pos[0]].Value)
	hop, err := ParseViaHop(unfold(first))
	if err != nil {
		return hop, err //errtrace:skip
	}
	if rest == "" {
		h.removeField(pos[0])
	} else {
		h.setFieldValue(pos[0], rest)
	}
	return hop, nil
}
