package sip

import (
	"iter"
	"log/slog"
	"strings"
)

// Canonical header names used by the proxy.
const (
	HdrVia           = "Via"
	HdrCallID        = "Call-ID"
	HdrCSeq          = "CSeq"
	HdrFrom          = "From"
	HdrTo            = "To"
	HdrMaxForwards   = "Max-Forwards"
	HdrRoute         = "Route"
	HdrRecordRoute   = "Record-Route"
	HdrContact       = "Contact"
	HdrContentLength = "Content-Length"
	HdrContentType   = "Content-Type"
	HdrServer        = "Server"
	HdrUserAgent     = "User-Agent"
)

// compact forms of RFC 3261 7.3.3 and later extensions.
var compactNames = map[string]string{
	"v": "via",
	"i": "call-id",
	"f": "from",
	"t": "to",
	"l": "content-length",
	"m": "contact",
	"c": "content-type",
	"k": "supported",
	"s": "subject",
	"e": "content-encoding",
	"o": "event",
	"r": "refer-to",
	"u": "allow-events",
	"x": "session-expires",
}

// CanonicName returns the lookup key of a header name:
// lower-cased, with compact forms expanded.
func CanonicName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if full, ok := compactNames[name]; ok {
		return full
	}
	return name
}

// HeaderField is a single raw header field as it appears on the wire.
type HeaderField struct {
	Name  string
	Value string
	// sep is the original text between name and value, e.g. ": ".
	sep string
}

func (f HeaderField) separator() string {
	if f.sep == "" {
		return ": "
	}
	return f.sep
}

func (f HeaderField) String() string { return f.Name + f.separator() + f.Value }

// Headers is an ordered multi-map of header fields with a case-insensitive index.
//
// The field list keeps the received order, name casing and value text.
// The index maps canonic names (see [CanonicName]) to field positions and is
// rebuilt after every structural change.
// The zero value is ready to use.
type Headers struct {
	fields []HeaderField
	index  map[string][]int
}

func (h *Headers) reindex() {
	if h.index == nil {
		h.index = make(map[string][]int, len(h.fields))
	} else {
		clear(h.index)
	}
	for i, f := range h.fields {
		k := CanonicName(f.Name)
		h.index[k] = append(h.index[k], i)
	}
}

func (h *Headers) positions(name string) []int {
	if h == nil || len(h.fields) == 0 {
		return nil
	}
	if h.index == nil {
		h.reindex()
	}
	return h.index[CanonicName(name)]
}

// Len returns the number of header fields.
func (h *Headers) Len() int {
	if h == nil {
		return 0
	}
	return len(h.fields)
}

// Fields iterates over all header fields in order.
func (h *Headers) Fields() iter.Seq[HeaderField] {
	return func(yield func(HeaderField) bool) {
		if h == nil {
			return
		}
		for _, f := range h.fields {
			if !yield(f) {
				return
			}
		}
	}
}

// Values returns raw values of all fields with the given name in order.
func (h *Headers) Values(name string) []string {
	pos := h.positions(name)
	if len(pos) == 0 {
		return nil
	}
	vals := make([]string, len(pos))
	for i, p := range pos {
		vals[i] = h.fields[p].Value
	}
	return vals
}

// Get returns the raw value of the first field with the given name.
func (h *Headers) Get(name string) (string, bool) {
	pos := h.positions(name)
	if len(pos) == 0 {
		return "", false
	}
	return h.fields[pos[0]].Value, true
}

// Has reports whether at least one field with the given name exists.
func (h *Headers) Has(name string) bool {
	return len(h.positions(name)) > 0
}

// Append adds a field to the end of the list.
func (h *Headers) Append(name, value string) {
	h.fields = append(h.fields, HeaderField{Name: name, Value: value})
	h.reindex()
}

// Prepend inserts a field before the first field with the same name,
// or at the top of the list when there is none.
func (h *Headers) Prepend(name, value string) {
	at := 0
	if pos := h.positions(name); len(pos) > 0 {
		at = pos[0]
	}
	h.insert(at, HeaderField{Name: name, Value: value})
}

func (h *Headers) insert(at int, f HeaderField) {
	h.fields = append(h.fields, HeaderField{})
	copy(h.fields[at+1:], h.fields[at:])
	h.fields[at] = f
	h.reindex()
}

// Set replaces the value of the first field with the given name and removes the others.
// The field keeps its original name spelling and position. Absent fields are appended.
func (h *Headers) Set(name, value string) {
	pos := h.positions(name)
	if len(pos) == 0 {
		h.Append(name, value)
		return
	}
	h.fields[pos[0]].Value = value
	if len(pos) > 1 {
		h.removePositions(pos[1:])
	}
}

// Del removes all fields with the given name.
func (h *Headers) Del(name string) {
	if pos := h.positions(name); len(pos) > 0 {
		h.removePositions(pos)
	}
}

// ReplaceAll replaces all fields with the given name by one field per value,
// placed where the first old field was. With no old fields new ones are placed at the top
// for Via, Route and Record-Route and appended otherwise.
func (h *Headers) ReplaceAll(name string, values []string) {
	at := -1
	if pos := h.positions(name); len(pos) > 0 {
		at = pos[0]
		h.removePositions(pos)
	}
	if len(values) == 0 {
		return
	}
	if at < 0 {
		switch CanonicName(name) {
		case "via", "route", "record-route":
			at = 0
		default:
			at = len(h.fields)
		}
	}

	fields := make([]HeaderField, 0, len(h.fields)+len(values))
	fields = append(fields, h.fields[:at]...)
	for _, v := range values {
		fields = append(fields, HeaderField{Name: name, Value: v})
	}
	fields = append(fields, h.fields[at:]...)
	h.fields = fields
	h.reindex()
}

func (h *Headers) removePositions(pos []int) {
	drop := make(map[int]struct{}, len(pos))
	for _, p := range pos {
		drop[p] = struct{}{}
	}
	out := h.fields[:0]
	for i, f := range h.fields {
		if _, ok := drop[i]; !ok {
			out = append(out, f)
		}
	}
	clear(h.fields[len(out):])
	h.fields = out
	h.reindex()
}

// setFieldValue rewrites the value of the field at the position.
func (h *Headers) setFieldValue(at int, value string) {
	h.fields[at].Value = value
}

// removeField removes the field at the position.
func (h *Headers) removeField(at int) {
	h.removePositions([]int{at})
}

// Clone returns a deep copy of the headers.
func (h *Headers) Clone() Headers {
	if h == nil {
		return Headers{}
	}
	h2 := Headers{fields: append([]HeaderField(nil), h.fields...)}
	h2.reindex()
	return h2
}

func (h *Headers) writeTo(sb *strings.Builder) {
	if h == nil {
		return
	}
	for _, f := range h.fields {
		sb.WriteString(f.Name)
		sb.WriteString(f.separator())
		sb.WriteString(f.Value)
		sb.WriteString("\r\n")
	}
}

// LogValue implements [slog.LogValuer].
func (h *Headers) LogValue() slog.Value {
	if h == nil {
		return slog.Value{}
	}
	attrs := make([]slog.Attr, 0, len(h.fields))
	for _, f := range h.fields {
		attrs = append(attrs, slog.String(f.Name, f.Value))
	}
	return slog.GroupValue(attrs...)
}
