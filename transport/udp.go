package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/internal/errorutil"
	"github.com/ghettovoice/sipproxy/internal/util"
	"github.com/ghettovoice/sipproxy/log"
)

var (
	zeroTime = time.Time{}
	pastTime = time.Unix(1, 0)
)

// UDPOptions contains optional UDP transport settings.
type UDPOptions struct {
	// Logger is used to log transport events.
	// If nil, [log.Default] is used.
	Logger *slog.Logger
}

func (o *UDPOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// UDP implements [Transport] over a packet connection.
type UDP struct {
	conn  *closeOncePacketConn
	laddr netip.AddrPort
	log   *slog.Logger

	bufPool sync.Pool
}

// Listen opens a UDP socket on addr ("host:port").
func Listen(ctx context.Context, addr string, opts *UDPOptions) (*UDP, error) {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return errtrace.Wrap2(NewUDP(conn, opts))
}

// NewUDP creates a UDP transport serving the connection.
func NewUDP(conn net.PacketConn, opts *UDPOptions) (*UDP, error) {
	if conn == nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("invalid connection"))
	}
	laddr, err := netip.ParseAddrPort(conn.LocalAddr().String())
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError(err))
	}

	tp := &UDP{
		laddr: laddr,
		log:   opts.log(),
	}
	tp.conn = &closeOncePacketConn{PacketConn: conn}
	tp.bufPool.New = func() any {
		b := make([]byte, MaxPacketSize)
		return &b
	}
	return tp, nil
}

func (*UDP) Proto() string { return "UDP" }

func (tp *UDP) LocalAddr() netip.AddrPort { return tp.laddr }

// Send writes a datagram to dst.
// The context deadline, if any, is used as the write deadline.
func (tp *UDP) Send(ctx context.Context, data []byte, dst netip.AddrPort) error {
	if tp.conn.isClosed() {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrSend, ErrClosed))
	}
	if d, ok := ctx.Deadline(); ok {
		if err := tp.conn.SetWriteDeadline(d); err != nil {
			return errtrace.Wrap(errorutil.NewWrapperError(ErrSend, err))
		}
		defer tp.conn.SetWriteDeadline(zeroTime) //nolint:errcheck
	}

	if _, err := tp.conn.WriteTo(data, net.UDPAddrFromAddrPort(dst)); err != nil {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrSend, err))
	}

	tp.log.LogAttrs(ctx, slog.LevelDebug,
		fmt.Sprintf("sent datagram %s -> %s", tp.laddr, dst),
		slog.Group("buffer",
			slog.Int("size", len(data)),
			slog.String("data", util.Ellipsis(string(data), 1000)),
		),
	)
	return nil
}

// Recv reads the next datagram.
// Context cancellation interrupts a blocked read through the read deadline.
func (tp *UDP) Recv(ctx context.Context) (Packet, error) {
	if err := ctx.Err(); err != nil {
		return Packet{}, errtrace.Wrap(err)
	}

	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		tp.conn.SetReadDeadline(pastTime) //nolint:errcheck
		close(interrupted)
	})
	defer func() {
		if stop() {
			return
		}
		<-interrupted
		tp.conn.SetReadDeadline(zeroTime) //nolint:errcheck
	}()

	bp := tp.bufPool.Get().(*[]byte) //nolint:forcetypeassert
	defer tp.bufPool.Put(bp)

	for {
		n, addr, err := tp.conn.ReadFrom(*bp)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return Packet{}, errtrace.Wrap(ctx.Err())
			case errorutil.IsClosedErr(err) || tp.conn.isClosed():
				return Packet{}, errtrace.Wrap(ErrClosed)
			case errorutil.IsTimeoutErr(err):
				continue
			default:
				return Packet{}, errtrace.Wrap(err)
			}
		}
		if n == 0 {
			continue
		}

		src, ok := addrPortOf(addr)
		if !ok {
			tp.log.LogAttrs(ctx, slog.LevelWarn, "discard datagram from unsupported address",
				slog.String("addr", addr.String()))
			continue
		}

		pkt := Packet{
			Data: append([]byte(nil), (*bp)[:n]...),
			Src:  src,
			Dst:  tp.laddr,
			Time: time.Now(),
		}
		tp.log.LogAttrs(ctx, slog.LevelDebug,
			fmt.Sprintf("received datagram %s -> %s", src, tp.laddr),
			slog.Group("buffer",
				slog.Int("size", n),
				slog.String("data", util.Ellipsis(string(pkt.Data), 1000)),
			),
		)
		return pkt, nil
	}
}

// Close closes the connection. Pending [UDP.Recv] calls return [ErrClosed].
func (tp *UDP) Close() error {
	return errtrace.Wrap(tp.conn.Close())
}

// LogValue implements [slog.LogValuer].
func (tp *UDP) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("proto", tp.Proto()),
		slog.String("local_addr", tp.laddr.String()),
	)
}

func addrPortOf(addr net.Addr) (netip.AddrPort, bool) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		ap := a.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), ap.IsValid()
	case nil:
		return netip.AddrPort{}, false
	default:
		ap, err := netip.ParseAddrPort(a.String())
		return ap, err == nil
	}
}

type closeOncePacketConn struct {
	net.PacketConn
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
	initOnce  sync.Once
}

func (c *closeOncePacketConn) done() chan struct{} {
	c.initOnce.Do(func() { c.closed = make(chan struct{}) })
	return c.closed
}

func (c *closeOncePacketConn) isClosed() bool {
	select {
	case <-c.done():
		return true
	default:
		return false
	}
}

func (c *closeOncePacketConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done())
		c.closeErr = c.PacketConn.Close()
	})
	return errtrace.Wrap(c.closeErr)
}
