package sip

import (
	"strconv"
	"strings"
)

// CSeq is the parsed CSeq header value.
type CSeq struct {
	Seq    uint32
	Method RequestMethod
}

// ParseCSeq parses "number method".
func ParseCSeq(s string) (CSeq, error) {
	fs := strings.Fields(s)
	if len(fs) != 2 {
		return CSeq{}, newParseErr(ErrMalformed, nil, "malformed CSeq %q", s)
	}
	n, err := strconv.ParseUint(fs[0], 10, 32)
	if err != nil {
		return CSeq{}, newParseErr(ErrMalformed, nil, "malformed CSeq %q", s)
	}
	return CSeq{Seq: uint32(n), Method: RequestMethod(fs[1])}, nil
}

func (c CSeq) String() string {
	return strconv.FormatUint(uint64(c.Seq), 10) + " " + string(c.Method)
}

// CSeq parses the CSeq header.
func (h *Headers) CSeq() (CSeq, error) {
	v, ok := h.Get(HdrCSeq)
	if !ok {
		return CSeq{}, newParseErr(ErrMissingMandatoryHeader, nil, "%s", HdrCSeq)
	}
	return ParseCSeq(unfold(v)) //errtrace:skip
}

// CallID returns the Call-ID header value.
func (h *Headers) CallID() (string, bool) {
	v, ok := h.Get(HdrCallID)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(unfold(v))
	return v, v != ""
}

// MaxForwards returns the Max-Forwards header value.
// ok is false when the header is absent.
func (h *Headers) MaxForwards() (n uint, ok bool, err error) {
	v, ok := h.Get(HdrMaxForwards)
	if !ok {
		return 0, false, nil
	}
	mf, err := strconv.ParseUint(strings.TrimSpace(v), 10, 8)
	if err != nil {
		return 0, true, newParseErr(ErrMalformed, nil, "malformed Max-Forwards %q", v)
	}
	return uint(mf), true, nil
}

// SetMaxForwards sets the Max-Forwards header value.
func (h *Headers) SetMaxForwards(n uint) {
	h.Set(HdrMaxForwards, strconv.FormatUint(uint64(n), 10))
}

// ContentLength returns the Content-Length header value.
func (h *Headers) ContentLength() (n int, ok bool, err error) {
	v, ok := h.Get(HdrContentLength)
	if !ok {
		return 0, false, nil
	}
	cl, err := strconv.ParseUint(strings.TrimSpace(v), 10, 31)
	if err != nil {
		return 0, true, newParseErr(ErrMalformed, nil, "malformed Content-Length %q", v)
	}
	return int(cl), true, nil
}
