package routing

import (
	"context"
	"log/slog"
	"net/netip"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/internal/util"
	"github.com/ghettovoice/sipproxy/sip"
)

// TransportUDP is the only transport the proxy forwards over.
const TransportUDP = "udp"

// Target is the next hop of a request.
type Target struct {
	Addr      netip.AddrPort
	Transport string
	// URI, when set, replaces the Request-URI of the forwarded request.
	URI *sip.URI
}

// LogValue implements [slog.LogValuer].
func (t Target) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("addr", t.Addr.String()),
		slog.String("transport", t.Transport),
	}
	if t.URI != nil {
		attrs = append(attrs, slog.String("uri", t.URI.String()))
	}
	return slog.GroupValue(attrs...)
}

// Locator finds the next hop for a URI.
// Resolve may block and may be called concurrently.
type Locator interface {
	Resolve(ctx context.Context, uri *sip.URI) (Target, bool)
}

// LocatorFunc adapts a function to [Locator].
type LocatorFunc func(ctx context.Context, uri *sip.URI) (Target, bool)

func (f LocatorFunc) Resolve(ctx context.Context, uri *sip.URI) (Target, bool) { return f(ctx, uri) }

// Locators tries each locator in order and returns the first match.
type Locators []Locator

func (ls Locators) Resolve(ctx context.Context, uri *sip.URI) (Target, bool) {
	for _, l := range ls {
		if l == nil {
			continue
		}
		if t, ok := l.Resolve(ctx, uri); ok {
			return t, true
		}
	}
	return Target{}, false
}

// Binding is a static registrar binding.
type Binding struct {
	// AOR is "user@host" or just "host" to match any user of the domain.
	AOR string
	// Contact is the URI the request is sent to.
	// For user bindings it also replaces the Request-URI.
	Contact string
}

// StaticLocator resolves URIs through configured bindings.
type StaticLocator struct {
	users   map[string]*sip.URI
	domains map[string]*sip.URI
	hosts   Locator
}

// NewStaticLocator creates a locator with the bindings.
// Contact hosts are resolved with hosts, nil allows only IP literal contacts.
func NewStaticLocator(bindings []Binding, hosts Locator) (*StaticLocator, error) {
	l := &StaticLocator{
		users:   make(map[string]*sip.URI),
		domains: make(map[string]*sip.URI),
		hosts:   hosts,
	}
	for _, b := range bindings {
		aor := util.LCase(strings.TrimSpace(b.AOR))
		if aor == "" {
			return nil, errtrace.Wrap(newInvalidArgumentError("empty binding AOR"))
		}
		contact, err := sip.ParseURI(b.Contact)
		if err != nil {
			return nil, errtrace.Wrap(newInvalidArgumentError(err))
		}
		if !contact.IsSIP() {
			return nil, errtrace.Wrap(newInvalidArgumentError("binding %q: non-SIP contact %q", b.AOR, b.Contact))
		}
		if strings.Contains(aor, "@") {
			l.users[aor] = contact
		} else {
			l.domains[aor] = contact
		}
	}
	return l, nil
}

// Len returns the number of bindings.
func (l *StaticLocator) Len() int { return len(l.users) + len(l.domains) }

// Resolve implements [Locator].
func (l *StaticLocator) Resolve(ctx context.Context, uri *sip.URI) (Target, bool) {
	if !uri.IsSIP() {
		return Target{}, false
	}
	host := util.LCase(strings.Trim(uri.Host, "[]"))

	if uri.User != "" {
		user, _, _ := strings.Cut(uri.User, ":")
		if contact, ok := l.users[user+"@"+host]; ok {
			t, ok := l.resolveHost(ctx, contact)
			if !ok {
				return Target{}, false
			}
			t.URI = contact.Clone()
			return t, true
		}
	}
	if contact, ok := l.domains[host]; ok {
		return l.resolveHost(ctx, contact)
	}
	return Target{}, false
}

func (l *StaticLocator) resolveHost(ctx context.Context, uri *sip.URI) (Target, bool) {
	if t, ok := literalTarget(uri); ok {
		return t, true
	}
	if l.hosts == nil {
		return Target{}, false
	}
	return l.hosts.Resolve(ctx, uri)
}

// literalTarget returns the target of a URI whose host is an IP address.
func literalTarget(uri *sip.URI) (Target, bool) {
	host := uri.Host
	if maddr, ok := uri.Params.Get("maddr"); ok {
		host = maddr
	}
	addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil {
		return Target{}, false
	}
	port := uri.Port
	if port == 0 {
		port = sip.DefaultPort
	}
	return Target{Addr: netip.AddrPortFrom(addr.Unmap(), port), Transport: TransportUDP}, true
}
