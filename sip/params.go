package sip

import (
	"strings"

	"github.com/ghettovoice/sipproxy/internal/util"
)

// Param is a single ";name[=value]" parameter of a URI or a header value.
type Param struct {
	Name  string
	Value string
	// Flag is true when the parameter has no value part.
	Flag bool
}

// Params is an ordered parameter list. Names are compared case-insensitively.
type Params []Param

// parseParams parses "name[=value](;name[=value])*" text, the leading ';' must be stripped.
func parseParams(s string) (Params, error) {
	if s == "" {
		return nil, nil
	}

	var ps Params
	for _, part := range splitQuoted(s, ';') {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, errMalformedParam(s)
		}
		name, val, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, errMalformedParam(s)
		}
		if !ok {
			ps = append(ps, Param{Name: name, Flag: true})
			continue
		}
		ps = append(ps, Param{Name: name, Value: strings.TrimSpace(val)})
	}
	return ps, nil
}

func errMalformedParam(s string) error {
	return newParseErr(ErrMalformed, nil, "malformed parameters %q", s)
}

// Get returns the value of the first parameter with the given name.
func (ps Params) Get(name string) (string, bool) {
	for _, p := range ps {
		if util.EqFold(p.Name, name) {
			return p.Value, true
		}
	}
	return "", false
}

// Has reports whether the parameter is present.
func (ps Params) Has(name string) bool {
	_, ok := ps.Get(name)
	return ok
}

// Set replaces the value of the named parameter or appends a new one.
// Empty value with flag=true renders as ";name".
func (ps Params) Set(name, value string, flag bool) Params {
	for i := range ps {
		if util.EqFold(ps[i].Name, name) {
			ps[i].Value = value
			ps[i].Flag = flag
			return ps
		}
	}
	return append(ps, Param{Name: name, Value: value, Flag: flag})
}

// Del removes all parameters with the given name.
func (ps Params) Del(name string) Params {
	out := ps[:0]
	for _, p := range ps {
		if !util.EqFold(p.Name, name) {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns a copy of the list.
func (ps Params) Clone() Params {
	if ps == nil {
		return nil
	}
	return append(Params(nil), ps...)
}

func (ps Params) String() string {
	var sb strings.Builder
	ps.writeTo(&sb)
	return sb.String()
}

func (ps Params) writeTo(sb *strings.Builder) {
	for _, p := range ps {
		sb.WriteByte(';')
		sb.WriteString(p.Name)
		if !p.Flag {
			sb.WriteByte('=')
			sb.WriteString(p.Value)
		}
	}
}

// splitQuoted splits s by sep ignoring separators inside double quotes and angle brackets.
func splitQuoted(s string, sep byte) []string {
	var (
		parts   []string
		start   int
		quoted  bool
		escaped bool
		angle   int
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case quoted && c == '\\':
			escaped = true
		case c == '"':
			quoted = !quoted
		case quoted:
		case c == '<':
			angle++
		case c == '>' && angle > 0:
			angle--
		case c == sep && angle == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}
