// Package dns implements the DNS lookups used to locate SIP servers (RFC 3263).
//
// A, AAAA and SRV queries go to the system resolver unless [Resolver.NameServer] is set,
// NAPTR queries always use github.com/miekg/dns.
package dns

//go:generate errtrace -w .

import (
	"cmp"
	"context"
	"errors"
	"net"
	"net/netip"
	"slices"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"
)

// DefaultTimeout is the query timeout used when [Resolver.Timeout] is zero.
const DefaultTimeout = 5 * time.Second

// Resolver looks up SIP server addresses.
// The zero value uses the system resolver and /etc/resolv.conf.
type Resolver struct {
	// NameServer is the DNS server address, e.g. "192.0.2.53:53".
	// Port 53 is assumed when omitted.
	NameServer string
	// Timeout is the timeout of a single query.
	Timeout time.Duration
	// System is the resolver used when NameServer is empty.
	// If nil, [net.DefaultResolver] is used.
	System *net.Resolver
}

// SRV is a DNS SRV record.
type SRV = net.SRV

// NAPTR is a DNS NAPTR record, RFC 3403.
type NAPTR struct {
	// Order is the processing order, lower first.
	Order uint16
	// Preference orders records with equal Order, lower first.
	Preference uint16
	// Flags is "s" for SRV, "a" for A/AAAA, "u" for a terminal URI.
	Flags string
	// Service is e.g. "SIP+D2U" for SIP over UDP.
	Service string
	Regexp  string
	// Replacement is the next domain name to query.
	Replacement string
}

// LookupAddr returns IPv4 and IPv6 addresses of the host.
// IPv4-mapped addresses are unmapped.
func (r *Resolver) LookupAddr(ctx context.Context, host string) ([]netip.Addr, error) {
	if r.NameServer == "" {
		addrs, err := r.system().LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		for i := range addrs {
			addrs[i] = addrs[i].Unmap()
		}
		return addrs, nil
	}

	var (
		addrs []netip.Addr
		errs  []error
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		rrs, err := r.exchange(ctx, host, qtype)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, rr := range rrs {
			var ip net.IP
			switch rr := rr.(type) {
			case *dns.A:
				ip = rr.A
			case *dns.AAAA:
				ip = rr.AAAA
			default:
				continue
			}
			if addr, ok := netip.AddrFromSlice(ip); ok {
				addrs = append(addrs, addr.Unmap())
			}
		}
	}
	if len(addrs) == 0 && len(errs) > 0 {
		return nil, errtrace.Wrap(errors.Join(errs...))
	}
	return addrs, nil
}

// LookupSRV returns SRV records of _service._proto.host sorted by priority and
// descending weight. With empty service and proto the host is queried directly.
func (r *Resolver) LookupSRV(ctx context.Context, service, proto, host string) ([]*SRV, error) {
	var srvs []*SRV
	if r.NameServer == "" {
		_, recs, err := r.system().LookupSRV(ctx, service, proto, host)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		srvs = recs
	} else {
		name := host
		if service != "" || proto != "" {
			name = "_" + service + "._" + proto + "." + host
		}
		rrs, err := r.exchange(ctx, name, dns.TypeSRV)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		for _, rr := range rrs {
			if rr, ok := rr.(*dns.SRV); ok {
				srvs = append(srvs, &SRV{
					Target:   rr.Target,
					Port:     rr.Port,
					Priority: rr.Priority,
					Weight:   rr.Weight,
				})
			}
		}
	}

	slices.SortStableFunc(srvs, func(a, b *SRV) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Weight, a.Weight); c != 0 {
			return c
		}
		return strings.Compare(a.Target, b.Target)
	})
	return srvs, nil
}

// LookupNAPTR returns NAPTR records of the host sorted by order and preference.
func (r *Resolver) LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error) {
	rrs, err := r.exchange(ctx, host, dns.TypeNAPTR)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	recs := make([]*NAPTR, 0, len(rrs))
	for _, rr := range rrs {
		if rr, ok := rr.(*dns.NAPTR); ok {
			recs = append(recs, &NAPTR{
				Order:       rr.Order,
				Preference:  rr.Preference,
				Flags:       rr.Flags,
				Service:     rr.Service,
				Regexp:      rr.Regexp,
				Replacement: rr.Replacement,
			})
		}
	}

	slices.SortStableFunc(recs, func(a, b *NAPTR) int {
		if c := cmp.Compare(a.Order, b.Order); c != 0 {
			return c
		}
		return cmp.Compare(a.Preference, b.Preference)
	})
	return recs, nil
}

func (r *Resolver) exchange(ctx context.Context, host string, qtype uint16) ([]dns.RR, error) {
	nameserver, err := r.nameserver()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       host,
			Server:     nameserver,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		})
	}
	return resp.Answer, nil
}

func (r *Resolver) system() *net.Resolver {
	if r.System != nil {
		return r.System
	}
	return net.DefaultResolver
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return DefaultTimeout
}

func (r *Resolver) nameserver() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil //nolint:nilerr
		}
		return r.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(errors.New("no nameservers in /etc/resolv.conf"))
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}
