package routing

import (
	"context"
	"log/slog"
	"net/netip"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/internal/errorutil"
	"github.com/ghettovoice/sipproxy/sip"
)

// HandleResponse forwards a response that matched no client transaction, RFC 3261 16.7 and 16.11.
// It is the path of 2xx retransmissions to INVITE arriving after the client transaction is gone.
//
// A response whose top Via was not inserted by this proxy is dropped with [ErrForeignResponse].
func (r *Router) HandleResponse(ctx context.Context, res *sip.Response) error {
	top, err := res.Headers.TopVia()
	if err != nil {
		r.fail(ctx, res, err)
		return errtrace.Wrap(err)
	}
	if top.SentBy() != r.sentBy || !isOwnBranch(top.Branch()) {
		err := errorutil.NewWrapperError(ErrForeignResponse, "top Via %s", top)
		r.fail(ctx, res, err)
		return errtrace.Wrap(err)
	}

	r.dialogs.HandleResponse(ctx, res)

	out := res.Clone().(*sip.Response) //nolint:forcetypeassert
	if _, err := out.Headers.PopVia(); err != nil {
		return errtrace.Wrap(err)
	}
	next, err := out.Headers.TopVia()
	if err != nil {
		r.log.LogAttrs(ctx, slog.LevelDebug, "response has no upstream Via", slog.Any("response", res))
		return nil
	}

	addr, uri := viaAddr(next)
	if uri == nil {
		return errtrace.Wrap(r.sendResponse(ctx, out, addr))
	}
	var ferr error
	r.lookupHost(ctx, uri, func(t Target, ok bool) {
		if !ok {
			err := errorutil.NewWrapperError(ErrNoRoute, "cannot resolve Via %s", next)
			r.fail(ctx, res, err)
			ferr = errtrace.Wrap(err)
			return
		}
		ferr = r.sendResponse(ctx, out, t.Addr)
	})
	return errtrace.Wrap(ferr)
}

func (r *Router) sendResponse(ctx context.Context, out *sip.Response, dst netip.AddrPort) error {
	if ctx.Err() != nil {
		return errtrace.Wrap(ctx.Err())
	}
	if err := r.snd.Send(ctx, sip.Render(out), dst); err != nil {
		r.log.LogAttrs(ctx, slog.LevelWarn,
			"failed to forward response",
			slog.Any("response", out),
			slog.Any("addr", dst),
			slog.Any("error", err),
		)
		return errtrace.Wrap(err)
	}
	r.log.LogAttrs(ctx, slog.LevelDebug,
		"response forwarded statelessly",
		slog.Any("response", out),
		slog.Any("addr", dst),
	)
	return nil
}

// viaAddr returns the address of the Via hop, RFC 3261 18.2.2 and RFC 3581 section 4.
// A hop addressed by name returns the URI to resolve instead.
func viaAddr(hop sip.ViaHop) (netip.AddrPort, *sip.URI) {
	port := hop.Port
	if port == 0 {
		port = sip.DefaultPort
	}

	if maddr, ok := hop.Params.Get("maddr"); ok {
		return netip.AddrPort{}, &sip.URI{Scheme: "sip", Host: maddr, Port: port}
	}

	if recv, ok := hop.Received(); ok {
		if addr, err := netip.ParseAddr(strings.Trim(recv, "[]")); err == nil {
			if rport, ok := hop.RPort(); ok && rport != 0 {
				port = rport
			}
			return netip.AddrPortFrom(addr.Unmap(), port), nil
		}
	}

	return netip.AddrPort{}, &sip.URI{Scheme: "sip", Host: hop.Host, Port: hop.Port}
}
