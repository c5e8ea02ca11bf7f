package sip

import (
	"net"
	"strconv"
	"strings"

	"github.com/ghettovoice/sipproxy/internal/util"
)

// DefaultPort is the SIP port assumed when a sip URI or a Via sent-by has no port.
const DefaultPort uint16 = 5060

// URI is a SIP or SIPS URI. URIs of other schemes are kept opaque.
//
// Parsing keeps the original spelling of every part, so rendering
// an unmodified URI gives back the parsed text.
type URI struct {
	Scheme string
	// User is the userinfo part (including an optional ":password").
	User   string
	Host   string
	Port   uint16
	Params Params
	// Headers is the raw text after '?'.
	Headers string

	opaque string
}

// rawURI keeps text that does not parse as a URI.
func rawURI(s string) *URI { return &URI{opaque: s} }

// ParseURI parses a URI.
func ParseURI(s string) (*URI, error) {
	s = strings.TrimSpace(s)
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok || scheme == "" || rest == "" {
		return nil, newParseErr(ErrMalformed, nil, "malformed URI %q", s)
	}

	u := &URI{Scheme: scheme}
	if !u.IsSIP() {
		u.opaque = rest
		return u, nil
	}

	if i := strings.IndexByte(rest, '?'); i >= 0 {
		u.Headers = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.LastIndexByte(rest, '@'); i >= 0 {
		u.User = rest[:i]
		rest = rest[i+1:]
	}

	hostport, params, hasParams := strings.Cut(rest, ";")
	if hasParams {
		ps, err := parseParams(params)
		if err != nil || len(ps) == 0 {
			return nil, newParseErr(ErrMalformed, nil, "malformed URI %q parameters", s)
		}
		u.Params = ps
	}

	host, port, err := splitHostPort(hostport)
	if err != nil {
		return nil, newParseErr(ErrMalformed, nil, "malformed URI %q: %v", s, err)
	}
	u.Host, u.Port = host, port
	return u, nil
}

// splitHostPort splits "host[:port]", where host may be an IPv6 reference.
func splitHostPort(s string) (string, uint16, error) {
	if s == "" {
		return "", 0, newParseErr(ErrMalformed, nil, "empty host")
	}

	host, portStr := s, ""
	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return "", 0, newParseErr(ErrMalformed, nil, "unclosed IPv6 reference %q", s)
		}
		host = s[:end+1]
		if rest := s[end+1:]; rest != "" {
			if rest[0] != ':' {
				return "", 0, newParseErr(ErrMalformed, nil, "malformed host %q", s)
			}
			portStr = rest[1:]
		}
	} else if i := strings.LastIndexByte(s, ':'); i >= 0 {
		host, portStr = s[:i], s[i+1:]
	}

	if host == "" || strings.ContainsAny(host, " \t<>\"") {
		return "", 0, newParseErr(ErrMalformed, nil, "malformed host %q", s)
	}
	if portStr == "" {
		if strings.HasSuffix(s, ":") {
			return "", 0, newParseErr(ErrMalformed, nil, "empty port in %q", s)
		}
		return host, 0, nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", 0, newParseErr(ErrMalformed, nil, "invalid port in %q", s)
	}
	return host, uint16(port), nil
}

// IsSIP reports whether the URI has sip or sips scheme.
func (u *URI) IsSIP() bool {
	return u != nil && (util.EqFold(u.Scheme, "sip") || util.EqFold(u.Scheme, "sips"))
}

// IsSecure reports whether the URI has sips scheme.
func (u *URI) IsSecure() bool {
	return u != nil && util.EqFold(u.Scheme, "sips")
}

// HostPort returns "host[:port]".
func (u *URI) HostPort() string {
	if u == nil {
		return ""
	}
	if u.Port == 0 {
		return u.Host
	}
	return joinHostPort(u.Host, u.Port)
}

// IsLoose reports whether the URI carries the "lr" parameter (RFC 3261 19.1.1).
func (u *URI) IsLoose() bool {
	return u != nil && u.Params.Has("lr")
}

// MatchesHost reports whether the URI names the host:port.
// Zero port on either side is treated as [DefaultPort].
func (u *URI) MatchesHost(host string, port uint16) bool {
	if !u.IsSIP() {
		return false
	}
	return hostEqual(u.Host, host) && portOrDefault(u.Port) == portOrDefault(port)
}

// Clone returns a deep copy of the URI.
func (u *URI) Clone() *URI {
	if u == nil {
		return nil
	}
	u2 := *u
	u2.Params = u.Params.Clone()
	return &u2
}

func (u *URI) String() string {
	if u == nil {
		return ""
	}
	if u.Scheme == "" {
		return u.opaque
	}
	if !u.IsSIP() {
		return u.Scheme + ":" + u.opaque
	}

	var sb strings.Builder
	sb.WriteString(u.Scheme)
	sb.WriteByte(':')
	if u.User != "" {
		sb.WriteString(u.User)
		sb.WriteByte('@')
	}
	sb.WriteString(u.HostPort())
	u.Params.writeTo(&sb)
	if u.Headers != "" {
		sb.WriteByte('?')
		sb.WriteString(u.Headers)
	}
	return sb.String()
}

func joinHostPort(host string, port uint16) string {
	if strings.HasPrefix(host, "[") {
		return host + ":" + strconv.Itoa(int(port))
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

func hostEqual(h1, h2 string) bool {
	return util.EqFold(strings.Trim(h1, "[]"), strings.Trim(h2, "[]"))
}

func portOrDefault(p uint16) uint16 {
	if p == 0 {
		return DefaultPort
	}
	return p
}
