package transport

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/ghettovoice/sipproxy/internal/errorutil"
)

// Error is a transport error.
type Error = errorutil.Error

const (
	// ErrSend wraps every failed send.
	ErrSend Error = "send failed"
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed Error = "transport closed"
	// ErrInvalidArgument is returned for a bad argument.
	ErrInvalidArgument = errorutil.ErrInvalidArgument
)

// MaxPacketSize is the largest datagram a transport receives.
const MaxPacketSize = 65535

// Packet is a received datagram.
type Packet struct {
	Data []byte
	Src  netip.AddrPort
	Dst  netip.AddrPort
	Time time.Time
}

// LogValue implements [slog.LogValuer].
func (p Packet) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("src", p.Src.String()),
		slog.String("dst", p.Dst.String()),
		slog.Int("size", len(p.Data)),
	)
}

// Transport sends and receives raw SIP datagrams.
type Transport interface {
	// Send writes data to dst. Errors match [ErrSend].
	Send(ctx context.Context, data []byte, dst netip.AddrPort) error
	// Recv blocks until a datagram arrives, the context is done or the transport is closed.
	Recv(ctx context.Context) (Packet, error)
	LocalAddr() netip.AddrPort
	// Proto returns the transport protocol name used in Via, e.g. "UDP".
	Proto() string
	Close() error
}
