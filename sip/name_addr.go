package sip

import (
	"strings"
)

// NameAddr is a name-addr or addr-spec header value,
// as used by From, To, Contact, Route and Record-Route.
type NameAddr struct {
	DisplayName string
	URI         *URI
	Params      Params
}

// ParseNameAddr parses a single name-addr / addr-spec value.
func ParseNameAddr(s string) (NameAddr, error) {
	var na NameAddr

	s = strings.TrimSpace(s)
	if s == "" {
		return na, newParseErr(ErrMalformed, nil, "empty address")
	}

	var rest string
	if lt := strings.IndexByte(s, '<'); lt >= 0 && !inQuotes(s, lt) {
		gt := strings.IndexByte(s[lt:], '>')
		if gt < 0 {
			return na, newParseErr(ErrMalformed, nil, "unclosed '<' in address %q", s)
		}
		gt += lt

		uri, err := ParseURI(s[lt+1 : gt])
		if err != nil {
			return na, newParseErr(ErrMalformed, nil, "malformed address %q", s)
		}
		na.URI = uri
		na.DisplayName = strings.TrimSpace(s[:lt])
		rest = strings.TrimSpace(s[gt+1:])
	} else {
		// addr-spec: parameters after the URI belong to the header,
		// RFC 3261 20.10.
		spec, params, _ := strings.Cut(s, ";")
		uri, err := ParseURI(spec)
		if err != nil {
			return na, newParseErr(ErrMalformed, nil, "malformed address %q", s)
		}
		na.URI = uri
		if params != "" {
			rest = ";" + params
		}
	}

	if rest != "" {
		if rest[0] != ';' {
			return na, newParseErr(ErrMalformed, nil, "unexpected text after address %q", s)
		}
		ps, err := parseParams(rest[1:])
		if err != nil {
			return na, newParseErr(ErrMalformed, nil, "malformed address params %q", s)
		}
		na.Params = ps
	}
	return na, nil
}

// ParseNameAddrList parses a comma-separated list of addresses.
func ParseNameAddrList(s string) ([]NameAddr, error) {
	var out []NameAddr
	for _, part := range splitQuoted(s, ',') {
		na, err := ParseNameAddr(part)
		if err != nil {
			return nil, err //errtrace:skip
		}
		out = append(out, na)
	}
	return out, nil
}

func inQuotes(s string, at int) bool {
	quoted := false
	for i := 0; i < at; i++ {
		switch s[i] {
		case '\\':
			if quoted {
				i++
			}
		case '"':
			quoted = !quoted
		}
	}
	return quoted
}

// Tag returns the "tag" parameter.
func (na NameAddr) Tag() string {
	tag, _ := na.Params.Get("tag")
	return tag
}

// Clone returns a deep copy of the address.
func (na NameAddr) Clone() NameAddr {
	return NameAddr{
		DisplayName: na.DisplayName,
		URI:         na.URI.Clone(),
		Params:      na.Params.Clone(),
	}
}

// String renders the address in name-addr form.
func (na NameAddr) String() string {
	var sb strings.Builder
	if na.DisplayName != "" {
		sb.WriteString(na.DisplayName)
		sb.WriteByte(' ')
	}
	sb.WriteByte('<')
	sb.WriteString(na.URI.String())
	sb.WriteByte('>')
	na.Params.writeTo(&sb)
	return sb.String()
}

// From parses the From header.
func (h *Headers) From() (NameAddr, error) {
	return h.nameAddr(HdrFrom)
}

// To parses the To header.
func (h *Headers) To() (NameAddr, error) {
	return h.nameAddr(HdrTo)
}

func (h *Headers) nameAddr(name string) (NameAddr, error) {
	v, ok := h.Get(name)
	if !ok {
		return NameAddr{}, newParseErr(ErrMissingMandatoryHeader, nil, "%s", name)
	}
	return ParseNameAddr(unfold(v)) //errtrace:skip
}

// Routes returns all Route entries in order.
func (h *Headers) Routes() ([]NameAddr, error) {
	return h.addrList(HdrRoute)
}

// RecordRoutes returns all Record-Route entries in order.
func (h *Headers) RecordRoutes() ([]NameAddr, error) {
	return h.addrList(HdrRecordRoute)
}

func (h *Headers) addrList(name string) ([]NameAddr, error) {
	var out []NameAddr
	for _, v := range h.Values(name) {
		nas, err := ParseNameAddrList(unfold(v))
		if err != nil {
			return nil, err //errtrace:skip
		}
		out = append(out, nas...)
	}
	return out, nil
}

// SetRoutes replaces the Route header fields with one field per entry.
func (h *Headers) SetRoutes(routes []NameAddr) {
	vals := make([]string, len(routes))
	for i, r := range routes {
		vals[i] = r.String()
	}
	h.ReplaceAll(HdrRoute, vals)
}

// unfold replaces header folding (CRLF followed by whitespace) with a single space.
func unfold(v string) string {
	if !strings.ContainsAny(v, "\r\n") {
		return v
	}
	var sb strings.Builder
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '\r' || c == '\n' {
			for i+1 < len(v) && (v[i+1] == '\r' || v[i+1] == '\n' || v[i+1] == ' ' || v[i+1] == '\t') {
				i++
			}
			sb.WriteByte(' ')
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String()
}
