package routing

import (
	"context"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/ghettovoice/sipproxy/dns"
	"github.com/ghettovoice/sipproxy/internal/util"
	"github.com/ghettovoice/sipproxy/log"
	"github.com/ghettovoice/sipproxy/sip"
)

// Resolver is the DNS resolver used by [DNSLocator].
// It is implemented by [dns.Resolver].
type Resolver interface {
	LookupAddr(ctx context.Context, host string) ([]netip.Addr, error)
	LookupSRV(ctx context.Context, service, proto, host string) ([]*dns.SRV, error)
	LookupNAPTR(ctx context.Context, host string) ([]*dns.NAPTR, error)
}

// DNSLocator locates SIP servers over UDP following RFC 3263 section 4:
//   - IP literal host (or maddr): that address, port or 5060;
//   - explicit port: A/AAAA records of the host;
//   - NAPTR records with SIP+D2U service when UseNAPTR is set;
//   - SRV records of _sip._udp.host;
//   - A/AAAA records of the host with port 5060.
type DNSLocator struct {
	Resolver Resolver
	UseNAPTR bool
	Log      *slog.Logger
}

// NewDNSLocator creates a DNS locator with the resolver.
// If r is nil, the system resolver is used.
func NewDNSLocator(r Resolver, useNAPTR bool, logger *slog.Logger) *DNSLocator {
	if r == nil {
		r = &dns.Resolver{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &DNSLocator{Resolver: r, UseNAPTR: useNAPTR, Log: logger}
}

// Resolve implements [Locator].
func (l *DNSLocator) Resolve(ctx context.Context, uri *sip.URI) (Target, bool) {
	if !uri.IsSIP() || uri.IsSecure() {
		return Target{}, false
	}
	if t, ok := literalTarget(uri); ok {
		return t, true
	}

	host := uri.Host
	if maddr, ok := uri.Params.Get("maddr"); ok {
		host = maddr
	}
	if tp, ok := uri.Params.Get("transport"); ok && !util.EqFold(tp, TransportUDP) {
		return Target{}, false
	}

	if uri.Port != 0 {
		return l.lookupAddr(ctx, host, uri.Port)
	}

	if l.UseNAPTR {
		if t, ok := l.lookupNAPTR(ctx, host); ok {
			return t, true
		}
	}
	if t, ok := l.lookupSRV(ctx, "sip", TransportUDP, host); ok {
		return t, true
	}
	return l.lookupAddr(ctx, host, sip.DefaultPort)
}

func (l *DNSLocator) lookupAddr(ctx context.Context, host string, port uint16) (Target, bool) {
	addrs, err := l.Resolver.LookupAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		l.log().LogAttrs(ctx, slog.LevelDebug, "address lookup failed", slog.String("host", host), slog.Any("error", err))
		return Target{}, false
	}
	return Target{Addr: netip.AddrPortFrom(addrs[0].Unmap(), port), Transport: TransportUDP}, true
}

func (l *DNSLocator) lookupNAPTR(ctx context.Context, host string) (Target, bool) {
	recs, err := l.Resolver.LookupNAPTR(ctx, host)
	if err != nil {
		l.log().LogAttrs(ctx, slog.LevelDebug, "NAPTR lookup failed", slog.String("host", host), slog.Any("error", err))
		return Target{}, false
	}
	for _, rec := range recs {
		if !util.EqFold(rec.Flags, "s") || !util.EqFold(rec.Service, "SIP+D2U") {
			continue
		}
		if t, ok := l.lookupSRV(ctx, "", "", rec.Replacement); ok {
			return t, true
		}
	}
	return Target{}, false
}

func (l *DNSLocator) lookupSRV(ctx context.Context, service, proto, host string) (Target, bool) {
	srvs, err := l.Resolver.LookupSRV(ctx, service, proto, host)
	if err != nil {
		l.log().LogAttrs(ctx, slog.LevelDebug, "SRV lookup failed", slog.String("host", host), slog.Any("error", err))
		return Target{}, false
	}
	for _, srv := range srvs {
		if t, ok := l.lookupAddr(ctx, strings.TrimSuffix(srv.Target, "."), srv.Port); ok {
			return t, true
		}
	}
	return Target{}, false
}

func (l *DNSLocator) log() *slog.Logger {
	if l.Log != nil {
		return l.Log
	}
	return log.Default()
}
