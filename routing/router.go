package routing

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/event"
	"github.com/ghettovoice/sipproxy/internal/errorutil"
	"github.com/ghettovoice/sipproxy/internal/timeutil"
	"github.com/ghettovoice/sipproxy/log"
	"github.com/ghettovoice/sipproxy/sip"
	"github.com/ghettovoice/sipproxy/transaction"
)

// DefaultMaxForwards is the Max-Forwards value inserted into requests without one.
const DefaultMaxForwards = 70

// Options are the options of a [Router].
type Options struct {
	// Host and Port are the advertised address of the proxy,
	// used in its Via and Record-Route and to recognize its own Route entries.
	// Zero Port means [sip.DefaultPort].
	Host string
	Port uint16
	// ID is mixed into branch hashes. If empty, "Host:Port" is used.
	ID string
	// RecordRoute inserts Record-Route into dialog-forming requests.
	RecordRoute bool
	// Locator finds the next hop of requests without Route.
	// If nil, Hosts is used.
	Locator Locator
	// Hosts resolves Route URIs and Via hosts.
	// If nil, a [DNSLocator] over the system resolver is used.
	Hosts Locator
	// Offload runs work that may block, such as DNS lookups, and then done
	// on the goroutine that drives the router. If nil, both run inline.
	Offload func(work, done func())
	// DialogIdleTimeout is passed to the dialog table.
	DialogIdleTimeout time.Duration
	// Scheduler is the proxy timer scheduler.
	Scheduler *timeutil.Scheduler
	Events    event.Sink
	Log       *slog.Logger
}

// Router makes the forwarding decisions of the proxy.
//
// Requests not absorbed by the transaction layer are validated, routed and forwarded
// through new client transactions, responses of client transactions are relayed through
// the matching server transactions. ACK for 2xx and responses without client transaction
// are forwarded statelessly.
type Router struct {
	layer  *transaction.Layer
	snd    transaction.Sender
	host   string
	port   uint16
	sentBy string
	id     string
	rr     bool

	locator Locator
	hosts   Locator
	offload func(work, done func())
	dialogs *DialogTable
	fwds    map[transaction.ServerKey]*forward

	sched  *timeutil.Scheduler
	events event.Sink
	log    *slog.Logger
}

// forward binds a server transaction to the client transaction created for it.
// cln is nil while the next hop is being resolved.
type forward struct {
	srv transaction.ServerTransaction
	cln transaction.ClientTransaction
	// cancelPending is set when CANCEL arrived before any provisional response.
	cancelPending bool
	cancelled     bool
}

// NewRouter creates a router forwarding through the transaction layer.
// snd sends stateless messages, normally it is the transport the layer uses.
func NewRouter(layer *transaction.Layer, snd transaction.Sender, opts *Options) (*Router, error) {
	if layer == nil {
		return nil, errtrace.Wrap(newInvalidArgumentError("invalid transaction layer"))
	}
	if snd == nil {
		return nil, errtrace.Wrap(newInvalidArgumentError("invalid sender"))
	}
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Host == "" {
		return nil, errtrace.Wrap(newInvalidArgumentError("empty advertised host"))
	}
	if o.Port == 0 {
		o.Port = sip.DefaultPort
	}
	if o.Scheduler == nil {
		o.Scheduler = timeutil.NewScheduler(nil, nil)
	}
	if o.Log == nil {
		o.Log = log.Default()
	}
	o.Events = event.OrDiscard(o.Events)
	if o.Hosts == nil {
		o.Hosts = NewDNSLocator(nil, false, o.Log)
	}
	if o.Locator == nil {
		o.Locator = o.Hosts
	}
	if o.Offload == nil {
		o.Offload = func(work, done func()) {
			work()
			done()
		}
	}

	own := sip.ViaHop{Host: o.Host, Port: o.Port}
	if o.ID == "" {
		o.ID = own.SentBy()
	}

	return &Router{
		layer:   layer,
		snd:     snd,
		host:    o.Host,
		port:    o.Port,
		sentBy:  own.SentBy(),
		id:      o.ID,
		rr:      o.RecordRoute,
		locator: o.Locator,
		hosts:   o.Hosts,
		offload: o.Offload,
		dialogs: NewDialogTable(&DialogOptions{
			IdleTimeout: o.DialogIdleTimeout,
			Scheduler:   o.Scheduler,
			Events:      o.Events,
			Log:         o.Log,
		}),
		fwds:   make(map[transaction.ServerKey]*forward),
		sched:  o.Scheduler,
		events: o.Events,
		log:    o.Log,
	}, nil
}

// Dialogs returns the dialog table.
func (r *Router) Dialogs() *DialogTable { return r.dialogs }

// HandleRequest routes a request that the transaction layer did not absorb.
// src is the address the request came from.
//
// Requests failing validation or routing are answered locally through their server transaction
// and the error is returned. Requests too malformed to start a server transaction get a stateless 400.
// [transaction.ErrTooManyTransactions] means the request was dropped without a response.
// When the next hop lookup is offloaded, its failures are answered and reported
// after HandleRequest returns.
func (r *Router) HandleRequest(ctx context.Context, req *sip.Request, src netip.AddrPort) error {
	switch {
	case req.IsAck():
		return errtrace.Wrap(r.forwardStateless(ctx, req))
	case req.IsCancel():
		return errtrace.Wrap(r.handleCancel(ctx, req, src))
	}

	srv, err := r.layer.NewServerTransaction(ctx, req, src)
	if err != nil {
		r.fail(ctx, req, err)
		if errors.Is(err, sip.ErrParse) {
			r.respondStateless(ctx, req, sip.StatusBadRequest, src)
		}
		return errtrace.Wrap(err)
	}

	h, err := r.prepare(ctx, req, false)
	if err != nil {
		r.fail(ctx, req, err)
		r.reject(ctx, srv, err)
		return errtrace.Wrap(err)
	}

	fw := r.bind(srv)
	var ferr error
	r.resolve(ctx, h, func(d Decision, err error) {
		ferr = r.forward(ctx, fw, d, err)
	})
	return errtrace.Wrap(ferr)
}

// forward starts the client transaction of a routed request.
func (r *Router) forward(ctx context.Context, fw *forward, d Decision, err error) error {
	if ctx.Err() != nil {
		return errtrace.Wrap(ctx.Err())
	}
	if fw.cancelled || finalSent(fw.srv) {
		return nil
	}
	if err != nil {
		r.fail(ctx, fw.srv.Request(), err)
		r.reject(ctx, fw.srv, err)
		return errtrace.Wrap(err)
	}

	cln, err := r.layer.NewClientTransaction(ctx, d.Request, d.Target.Addr)
	if err != nil {
		r.fail(ctx, fw.srv.Request(), err)
		r.reject(ctx, fw.srv, err)
		return errtrace.Wrap(err)
	}
	r.attach(fw, cln)

	r.log.LogAttrs(ctx, slog.LevelDebug, "request forwarded", slog.Any("decision", d))
	return nil
}

// Decision is the outcome of routing one request.
type Decision struct {
	Target Target
	// Request is the rewritten copy to send to Target.
	Request *sip.Request
}

// LogValue implements [slog.LogValuer].
func (d Decision) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("target", d.Target),
		slog.Any("request", d.Request),
	)
}

// nextHop is a request copy ready for forwarding except for its target.
type nextHop struct {
	req *sip.Request
	uri *sip.URI
	// route means uri is the next Route entry and is resolved as a host,
	// otherwise uri is the Request-URI given to the locator.
	route     bool
	hash      string
	stateless bool
}

// prepare validates a copy of the request and rewrites it for forwarding,
// RFC 3261 16.3 and 16.6.
func (r *Router) prepare(ctx context.Context, req *sip.Request, stateless bool) (*nextHop, error) {
	hops, err := req.Headers.Via()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	mf, hasMF, err := req.Headers.MaxForwards()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if hasMF && mf == 0 {
		return nil, errtrace.Wrap(ErrTooManyForwards)
	}

	hash := r.routeHash(req, hops[0])
	if r.isLoop(req, hops) {
		return nil, errtrace.Wrap(ErrLoopDetected)
	}

	if err := r.dialogs.CheckRequest(ctx, req); err != nil {
		return nil, errtrace.Wrap(err)
	}

	out := req.Clone().(*sip.Request) //nolint:forcetypeassert
	if hasMF {
		out.Headers.SetMaxForwards(mf - 1)
	} else {
		out.Headers.SetMaxForwards(DefaultMaxForwards)
	}

	h := &nextHop{req: out, hash: hash, stateless: stateless}
	if err := r.route(h); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return h, nil
}

// route processes Route and picks the URI of the next hop, RFC 3261 16.4 and 16.6 steps 6-7.
func (r *Router) route(h *nextHop) error {
	req := h.req
	routes, err := req.Headers.Routes()
	if err != nil {
		return errtrace.Wrap(err)
	}

	changed := false
	// strict router upstream put our Record-Route into the Request-URI
	if r.isOwn(req.URI) && len(routes) > 0 {
		req.URI = routes[len(routes)-1].URI.Clone()
		routes = routes[:len(routes)-1]
		changed = true
	}
	if len(routes) > 0 && r.isOwn(routes[0].URI) {
		routes = routes[1:]
		changed = true
	}

	if len(routes) == 0 {
		if changed {
			req.Headers.Del(sip.HdrRoute)
		}
		h.uri = req.URI
		return nil
	}

	next := routes[0].URI
	if !next.IsLoose() {
		// strict next hop: the Request-URI goes to the end of the route set
		routes = append(routes[1:], sip.NameAddr{URI: req.URI})
		req.URI = next.Clone()
		changed = true
	}
	if changed {
		req.Headers.SetRoutes(routes)
	}
	h.uri, h.route = next, true
	return nil
}

// resolve finds the target of the next hop and calls then with the final request.
// Lookups that are not IP literals go through the offload executor.
func (r *Router) resolve(ctx context.Context, h *nextHop, then func(Decision, error)) {
	if h.route {
		r.lookupHost(ctx, h.uri, func(t Target, ok bool) {
			if !ok {
				then(Decision{}, errtrace.Wrap(errorutil.NewWrapperError(ErrNoRoute, "cannot resolve route %s", h.uri)))
				return
			}
			then(r.finish(h, t), nil)
		})
		return
	}

	var (
		t  Target
		ok bool
	)
	r.offload(func() {
		t, ok = r.locator.Resolve(ctx, h.uri)
	}, func() {
		if !ok {
			then(Decision{}, errtrace.Wrap(errorutil.NewWrapperError(ErrNoRoute, "cannot locate %s", h.uri)))
			return
		}
		if t.URI != nil {
			h.req.URI = t.URI.Clone()
		}
		then(r.finish(h, t), nil)
	})
}

// finish inserts Record-Route and the proxy Via, RFC 3261 16.6 steps 4 and 8.
func (r *Router) finish(h *nextHop, t Target) Decision {
	out := h.req
	if r.rr && !h.stateless && out.Method.IsDialogForming() {
		out.Headers.Prepend(sip.HdrRecordRoute, r.recordRoute())
	}
	out.Headers.PrependVia(sip.ViaHop{
		Proto:     "SIP",
		Version:   "2.0",
		Transport: "UDP",
		Host:      r.host,
		Port:      r.port,
		Params:    sip.Params{{Name: "branch", Value: newBranch(h.hash, h.stateless)}},
	})
	return Decision{Target: t, Request: out}
}

// lookupHost resolves the host of uri, IP literals inline and names through the offload executor.
func (r *Router) lookupHost(ctx context.Context, uri *sip.URI, then func(Target, bool)) {
	if t, ok := literalTarget(uri); ok {
		then(t, true)
		return
	}
	var (
		t  Target
		ok bool
	)
	r.offload(func() {
		t, ok = r.hosts.Resolve(ctx, uri)
	}, func() {
		then(t, ok)
	})
}

func (r *Router) isOwn(uri *sip.URI) bool {
	return uri.MatchesHost(r.host, r.port)
}

func (r *Router) recordRoute() string {
	uri := &sip.URI{Scheme: "sip", Host: r.host, Port: r.port, Params: sip.Params{{Name: "lr", Flag: true}}}
	return "<" + uri.String() + ">"
}

// bind registers the forward of a server transaction until it terminates.
func (r *Router) bind(srv transaction.ServerTransaction) *forward {
	fw := &forward{srv: srv}
	key := srv.Key()
	r.fwds[key] = fw

	srv.OnTerminate(func(context.Context, transaction.Transaction, error) {
		if cur, ok := r.fwds[key]; ok && cur == fw {
			delete(r.fwds, key)
		}
	})
	return fw
}

func (r *Router) attach(fw *forward, cln transaction.ClientTransaction) {
	fw.cln = cln
	cln.OnResponse(func(ctx context.Context, _ transaction.ClientTransaction, res *sip.Response) {
		r.relay(ctx, fw, res)
	})
	cln.OnTerminate(func(ctx context.Context, _ transaction.Transaction, err error) {
		r.clientTerminated(ctx, fw, err)
	})
	if inv, ok := cln.(*transaction.InviteClientTransaction); ok {
		inv.OnTimerC(func(ctx context.Context, _ *transaction.InviteClientTransaction) {
			r.cancel(ctx, fw)
		})
	}
}

// relay passes a response of the client transaction upstream, RFC 3261 16.7.
func (r *Router) relay(ctx context.Context, fw *forward, res *sip.Response) {
	r.dialogs.HandleResponse(ctx, res)

	if res.Status.IsProvisional() && fw.cancelPending {
		fw.cancelPending = false
		r.cancel(ctx, fw)
	}
	if res.Status == sip.StatusTrying {
		return
	}

	out := res.Clone().(*sip.Response) //nolint:forcetypeassert
	if _, err := out.Headers.PopVia(); err != nil || !out.Headers.Has(sip.HdrVia) {
		r.log.LogAttrs(ctx, slog.LevelDebug, "response has no upstream Via", slog.Any("response", res))
		return
	}
	if err := fw.srv.Respond(ctx, out); err != nil {
		r.log.LogAttrs(ctx, slog.LevelDebug,
			"failed to relay response",
			slog.Any("transaction", fw.srv),
			slog.Any("response", out),
			slog.Any("error", err),
		)
	}
}

func (r *Router) clientTerminated(ctx context.Context, fw *forward, err error) {
	if !errors.Is(err, transaction.ErrTimeout) || finalSent(fw.srv) {
		return
	}
	r.log.LogAttrs(ctx, slog.LevelDebug, "client transaction timed out", slog.Any("transaction", fw.cln))
	r.respond(ctx, fw.srv, sip.StatusRequestTimeout)
}

// cancel sends CANCEL on the client INVITE transaction, RFC 3261 16.10.
// CANCEL is held back until a provisional response arrives.
func (r *Router) cancel(ctx context.Context, fw *forward) {
	if fw.cancelled || !fw.cln.Request().IsInvite() {
		return
	}
	switch fw.cln.State() {
	case transaction.StateCalling:
		fw.cancelPending = true
		return
	case transaction.StateProceeding:
	default:
		return
	}

	fw.cancelled = true
	req := sip.NewCancel(fw.cln.Request())
	if _, err := r.layer.NewClientTransaction(ctx, req, fw.cln.RemoteAddr()); err != nil {
		r.log.LogAttrs(ctx, slog.LevelWarn,
			"failed to send CANCEL",
			slog.Any("transaction", fw.cln),
			slog.Any("error", err),
		)
	}
}

// handleCancel answers a CANCEL matching a pending INVITE and cancels its branch.
// Unmatched CANCEL is forwarded statelessly.
func (r *Router) handleCancel(ctx context.Context, req *sip.Request, src netip.AddrPort) error {
	key, err := transaction.ServerKeyFromRequest(req)
	if err != nil {
		r.fail(ctx, req, err)
		return errtrace.Wrap(err)
	}
	fw, ok := r.fwds[key.WithMethod(sip.RequestMethodInvite)]
	if !ok {
		return errtrace.Wrap(r.forwardStateless(ctx, req))
	}

	srv, err := r.layer.NewServerTransaction(ctx, req, src)
	if err != nil {
		r.fail(ctx, req, err)
		if errors.Is(err, sip.ErrParse) {
			r.respondStateless(ctx, req, sip.StatusBadRequest, src)
		}
		return errtrace.Wrap(err)
	}
	r.respond(ctx, srv, sip.StatusOK)

	switch {
	case finalSent(fw.srv):
	case fw.cln == nil:
		// next hop lookup in progress, nothing was sent downstream
		fw.cancelled = true
		r.respond(ctx, fw.srv, sip.StatusRequestTerminated)
	default:
		r.cancel(ctx, fw)
	}
	return nil
}

// forwardStateless routes and sends the request without a client transaction, RFC 3261 16.11.
func (r *Router) forwardStateless(ctx context.Context, req *sip.Request) error {
	h, err := r.prepare(ctx, req, true)
	if err != nil {
		r.fail(ctx, req, err)
		return errtrace.Wrap(err)
	}
	var ferr error
	r.resolve(ctx, h, func(d Decision, err error) {
		ferr = r.sendStateless(ctx, req, d, err)
	})
	return errtrace.Wrap(ferr)
}

func (r *Router) sendStateless(ctx context.Context, req *sip.Request, d Decision, err error) error {
	if ctx.Err() != nil {
		return errtrace.Wrap(ctx.Err())
	}
	if err != nil {
		r.fail(ctx, req, err)
		return errtrace.Wrap(err)
	}
	if err := r.snd.Send(ctx, sip.Render(d.Request), d.Target.Addr); err != nil {
		r.log.LogAttrs(ctx, slog.LevelWarn,
			"failed to forward request",
			slog.Any("decision", d),
			slog.Any("error", err),
		)
		return errtrace.Wrap(err)
	}
	r.log.LogAttrs(ctx, slog.LevelDebug, "request forwarded statelessly", slog.Any("decision", d))
	return nil
}

func (r *Router) reject(ctx context.Context, srv transaction.ServerTransaction, err error) {
	code, _ := failure(err)
	r.respond(ctx, srv, code)
}

func (r *Router) respond(ctx context.Context, srv transaction.ServerTransaction, code sip.StatusCode) {
	res := sip.NewResponse(srv.Request(), code, "")
	if err := srv.Respond(ctx, res); err != nil {
		r.log.LogAttrs(ctx, slog.LevelDebug,
			"failed to respond",
			slog.Any("transaction", srv),
			slog.Int("status", int(code)),
			slog.Any("error", err),
		)
	}
}

// respondStateless answers a request that has no server transaction, RFC 3261 16.3.
func (r *Router) respondStateless(ctx context.Context, req *sip.Request, code sip.StatusCode, dst netip.AddrPort) {
	res := sip.NewResponse(req, code, "")
	if err := r.snd.Send(ctx, sip.Render(res), dst); err != nil {
		r.log.LogAttrs(ctx, slog.LevelDebug,
			"failed to respond",
			slog.Any("response", res),
			slog.Any("addr", dst),
			slog.Any("error", err),
		)
	}
}

func (r *Router) fail(ctx context.Context, msg sip.Message, err error) {
	_, reason := failure(err)
	var method string
	if req, ok := msg.(*sip.Request); ok {
		method = string(req.Method)
	}

	r.log.LogAttrs(ctx, slog.LevelDebug,
		"routing failed",
		slog.Any("message", msg),
		slog.String("reason", reason),
		slog.Any("error", err),
	)
	r.events.Emit(event.Event{
		Kind:   event.KindRoutingFailure,
		Time:   r.sched.Now(),
		Method: method,
		Reason: reason,
		Err:    err,
	})
}

// Close terminates dialog tracking.
func (r *Router) Close(ctx context.Context) {
	r.dialogs.Close(ctx)
	clear(r.fwds)
}

func finalSent(srv transaction.ServerTransaction) bool {
	res := srv.LastResponse()
	return res != nil && res.Status.IsFinal()
}
