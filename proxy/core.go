package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/event"
	"github.com/ghettovoice/sipproxy/internal/errorutil"
	"github.com/ghettovoice/sipproxy/internal/timeutil"
	"github.com/ghettovoice/sipproxy/log"
	"github.com/ghettovoice/sipproxy/routing"
	"github.com/ghettovoice/sipproxy/sip"
	"github.com/ghettovoice/sipproxy/transaction"
	"github.com/ghettovoice/sipproxy/transport"
)

// DefaultPort is the default listen port of the proxy.
const DefaultPort uint16 = 25060

// Error is a proxy error.
type Error = errorutil.Error

const (
	ErrInvalidArgument = errorutil.ErrInvalidArgument
	// ErrRunning is returned by [Core.Run] when the loop is already running.
	ErrRunning Error = "proxy is already running"
)

// Options are the options of a [Core].
type Options struct {
	// Host and Port are the advertised address used in Via and Record-Route.
	// If Host is empty, the transport local address is used.
	Host string
	Port uint16
	// RecordRoute inserts Record-Route into dialog-forming requests.
	RecordRoute bool
	// Timings are the transaction timer values.
	Timings transaction.TimingConfig
	// MaxTransactions limits the transaction tables, see [transaction.LayerOptions].
	MaxTransactions int
	// Locator and Hosts are passed to the router, see [routing.Options].
	Locator routing.Locator
	Hosts   routing.Locator
	// DialogIdleTimeout is the lifetime of an idle dialog.
	DialogIdleTimeout time.Duration
	// Clock drives the timers. If nil, the real clock is used.
	Clock  timeutil.Clock
	Events event.Sink
	Log    *slog.Logger
}

// Core is a stateful SIP proxy serving a single transport.
//
// While [Core.Run] serves, packets and timer fires run on the loop goroutine and
// next hop lookups run on their own goroutines, posting results back to the loop.
// Without a running loop, [Core.HandlePacket], timer fires and lookups run on the
// caller's goroutine and the caller must serialize them.
type Core struct {
	tp     transport.Transport
	layer  *transaction.Layer
	router *routing.Router
	sched  *timeutil.Scheduler
	events event.Sink
	log    *slog.Logger

	running  atomic.Bool
	stopping atomic.Bool
	lookups  sync.WaitGroup
	mu       sync.Mutex
	queue    []func()
	wake     chan struct{}
}

// New creates a proxy core on the transport.
func New(tp transport.Transport, opts *Options) (*Core, error) {
	if tp == nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("invalid transport"))
	}
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Log == nil {
		o.Log = log.Default()
	}
	o.Events = event.OrDiscard(o.Events)
	if o.Host == "" {
		o.Host = tp.LocalAddr().Addr().String()
	}
	if o.Port == 0 {
		o.Port = tp.LocalAddr().Port()
	}

	c := &Core{
		tp:     tp,
		events: o.Events,
		log:    o.Log,
		wake:   make(chan struct{}, 1),
	}
	c.sched = timeutil.NewScheduler(o.Clock, c.post)

	layer, err := transaction.NewLayer(tp, &transaction.LayerOptions{
		Options: transaction.Options{
			Timings:   o.Timings,
			Scheduler: c.sched,
			Events:    o.Events,
			Log:       o.Log,
		},
		MaxTransactions: o.MaxTransactions,
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	router, err := routing.NewRouter(layer, tp, &routing.Options{
		Host:              o.Host,
		Port:              o.Port,
		RecordRoute:       o.RecordRoute,
		Locator:           o.Locator,
		Hosts:             o.Hosts,
		Offload:           c.offload,
		DialogIdleTimeout: o.DialogIdleTimeout,
		Scheduler:         c.sched,
		Events:            o.Events,
		Log:               o.Log,
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	c.layer, c.router = layer, router
	return c, nil
}

// Layer returns the transaction layer.
func (c *Core) Layer() *transaction.Layer { return c.layer }

// Router returns the router.
func (c *Core) Router() *routing.Router { return c.router }

// LogValue implements [slog.LogValuer].
func (c *Core) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("proto", c.tp.Proto()),
		slog.String("local_addr", c.tp.LocalAddr().String()),
	)
}

// Run serves the transport until the context is done or the transport is closed.
// On return all transactions and dialogs are terminated.
// It returns nil when the transport was closed.
func (c *Core) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errtrace.Wrap(ErrRunning)
	}
	c.stopping.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	errs := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Go(func() { errs <- c.read(ctx) })

	c.log.LogAttrs(ctx, slog.LevelInfo, "proxy started", slog.Any("proxy", c))

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		case err = <-errs:
			break loop
		case <-c.wake:
			for _, fn := range c.drain() {
				fn()
			}
		}
	}

	cancel()
	wg.Wait()
	c.stopping.Store(true)
	c.lookups.Wait()
	c.shutdown(context.WithoutCancel(ctx))
	c.running.Store(false)
	// timer fires posted during shutdown belong to terminated transactions
	c.drain()

	if errors.Is(err, transport.ErrClosed) {
		err = nil
	}
	c.log.LogAttrs(ctx, slog.LevelInfo, "proxy stopped", slog.Any("proxy", c), slog.Any("error", err))
	return errtrace.Wrap(err)
}

func (c *Core) read(ctx context.Context) error {
	for {
		pkt, err := c.tp.Recv(ctx)
		if err != nil {
			return errtrace.Wrap(err)
		}
		c.post(func() { c.HandlePacket(ctx, pkt.Data, pkt.Src) })
	}
}

// post runs fn on the loop goroutine, or inline when the loop is not running.
func (c *Core) post(fn func()) {
	if !c.running.Load() {
		fn()
		return
	}
	c.mu.Lock()
	c.queue = append(c.queue, fn)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// offload runs work on its own goroutine and posts done back to the loop.
// Without a running loop, or while it stops, both run inline.
func (c *Core) offload(work, done func()) {
	if !c.running.Load() || c.stopping.Load() {
		work()
		done()
		return
	}
	c.lookups.Add(1)
	go func() {
		defer c.lookups.Done()
		work()
		c.post(done)
	}()
}

func (c *Core) drain() []func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	fns := c.queue
	c.queue = nil
	return fns
}

func (c *Core) shutdown(ctx context.Context) {
	for _, fn := range c.drain() {
		fn()
	}
	c.layer.Close(ctx)
	c.router.Close(ctx)
}

// HandlePacket processes one received datagram.
//
// Requests that fail to parse are answered with a stateless 400 when their Via, From, To,
// Call-ID and CSeq can be recovered, other broken messages are dropped.
// Requests get received and rport stamped on the top Via, then go to the transaction layer
// and, when not absorbed, to the router. Responses not matched by a client transaction
// are forwarded statelessly by the router.
func (c *Core) HandlePacket(ctx context.Context, data []byte, src netip.AddrPort) {
	msg, err := sip.Parse(data)
	if err != nil {
		c.handleParseError(ctx, err, src)
		return
	}

	switch m := msg.(type) {
	case *sip.Request:
		stampVia(m, src)
		if c.layer.HandleRequest(ctx, m) {
			return
		}
		if err := c.router.HandleRequest(ctx, m, src); err != nil {
			c.log.LogAttrs(ctx, slog.LevelDebug,
				"request not forwarded",
				slog.Any("request", m),
				slog.Any("source", src),
				slog.Any("error", err),
			)
		}
	case *sip.Response:
		if c.layer.HandleResponse(ctx, m) {
			return
		}
		if err := c.router.HandleResponse(ctx, m); err != nil {
			c.log.LogAttrs(ctx, slog.LevelDebug,
				"response not forwarded",
				slog.Any("response", m),
				slog.Any("source", src),
				slog.Any("error", err),
			)
		}
	}
}

func (c *Core) handleParseError(ctx context.Context, err error, src netip.AddrPort) {
	var pe *sip.ParseError
	if !errors.As(err, &pe) {
		c.drop(ctx, err, src, "parse_error")
		return
	}
	req, ok := pe.Msg.(*sip.Request)
	if !ok || req.IsAck() || !salvageable(req) {
		c.drop(ctx, err, src, "parse_error")
		return
	}

	stampVia(req, src)
	res := sip.NewResponse(req, sip.StatusBadRequest, "")
	if pe.Detail != "" {
		res.Headers.Set("Warning", `399 sipproxy "`+sanitizeWarning(pe.Detail)+`"`)
	}
	if err := c.tp.Send(ctx, sip.Render(res), src); err != nil {
		c.log.LogAttrs(ctx, slog.LevelWarn,
			"failed to send 400 response",
			slog.Any("response", res),
			slog.Any("addr", src),
			slog.Any("error", err),
		)
	}
	c.events.Emit(event.Event{
		Kind:   event.KindMessageDropped,
		Time:   c.sched.Now(),
		Method: string(req.Method),
		Reason: "bad_request",
		Err:    err,
	})
}

func (c *Core) drop(ctx context.Context, err error, src netip.AddrPort, reason string) {
	c.log.LogAttrs(ctx, slog.LevelDebug,
		"message dropped",
		slog.Any("source", src),
		slog.String("reason", reason),
		slog.Any("error", err),
	)
	c.events.Emit(event.Event{
		Kind:   event.KindMessageDropped,
		Time:   c.sched.Now(),
		Reason: reason,
		Err:    err,
	})
}

// salvageable reports whether a broken request carries enough to build a response to it.
func salvageable(req *sip.Request) bool {
	if _, err := req.Headers.TopVia(); err != nil {
		return false
	}
	for _, name := range []string{sip.HdrFrom, sip.HdrTo, sip.HdrCallID, sip.HdrCSeq} {
		if !req.Headers.Has(name) {
			return false
		}
	}
	return true
}

// stampVia adds received and rport to the top Via, RFC 3261 18.2.1 and RFC 3581 section 4.
func stampVia(req *sip.Request, src netip.AddrPort) {
	hop, err := req.Headers.TopVia()
	if err != nil || !src.IsValid() {
		return
	}
	changed := false
	if _, ok := hop.RPort(); ok {
		hop.Params = hop.Params.Set("rport", strconv.FormatUint(uint64(src.Port()), 10), false)
		changed = true
	}
	if addr, err := netip.ParseAddr(strings.Trim(hop.Host, "[]")); err != nil || addr.Unmap() != src.Addr() || changed {
		hop.Params = hop.Params.Set("received", src.Addr().String(), false)
		changed = true
	}
	if changed {
		req.Headers.SetTopVia(hop)
	}
}

func sanitizeWarning(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '"' || c == '\\':
			out = append(out, '\'')
		case c < 0x20 || c == 0x7f:
			out = append(out, ' ')
		default:
			out = append(out, c)
		}
	}
	return string(out)
}
