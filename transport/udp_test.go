package transport_test

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/ghettovoice/sipproxy/internal/testutil/netmock"
	"github.com/ghettovoice/sipproxy/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewUDP(t *testing.T) {
	t.Parallel()

	t.Run("nil connection", func(t *testing.T) {
		t.Parallel()

		_, got := transport.NewUDP(nil, nil)
		want := transport.ErrInvalidArgument
		if diff := cmp.Diff(got, want, cmpopts.EquateErrors()); diff != "" {
			t.Fatalf("transport.NewUDP(nil, nil) error = %v, want %v\ndiff (-got +want):\n%v", got, want, diff)
		}
	})

	t.Run("success", func(t *testing.T) {
		t.Parallel()

		ctrl := gomock.NewController(t)
		conn := netmock.NewMockPacketConn(ctrl)
		conn.EXPECT().LocalAddr().Return(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 25060}).MinTimes(1)
		conn.EXPECT().Close().Return(nil).Times(1)

		tp, err := transport.NewUDP(conn, nil)
		if err != nil {
			t.Fatalf("transport.NewUDP(conn, nil) error = %v, want nil", err)
		}
		if got := tp.Proto(); got != "UDP" {
			t.Errorf("tp.Proto() = %q, want \"UDP\"", got)
		}
		if got, want := tp.LocalAddr(), netip.MustParseAddrPort("127.0.0.1:25060"); got != want {
			t.Errorf("tp.LocalAddr() = %v, want %v", got, want)
		}
		if err := tp.Close(); err != nil {
			t.Fatalf("tp.Close() error = %v, want nil", err)
		}
		// second close must not reach the connection
		if err := tp.Close(); err != nil {
			t.Fatalf("second tp.Close() error = %v, want nil", err)
		}
	})
}

func setupUDP(t *testing.T) (*transport.UDP, *netmock.MockPacketConn) {
	t.Helper()

	ctrl := gomock.NewController(t)
	conn := netmock.NewMockPacketConn(ctrl)
	conn.EXPECT().LocalAddr().Return(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 25060}).AnyTimes()

	tp, err := transport.NewUDP(conn, nil)
	if err != nil {
		t.Fatalf("transport.NewUDP(conn, nil) error = %v, want nil", err)
	}
	return tp, conn
}

func TestUDP_Send(t *testing.T) {
	t.Parallel()

	dst := netip.MustParseAddrPort("192.0.2.10:5060")

	t.Run("success", func(t *testing.T) {
		t.Parallel()

		tp, conn := setupUDP(t)
		conn.EXPECT().
			WriteTo([]byte("OPTIONS"), &net.UDPAddr{IP: net.IPv4(192, 0, 2, 10).To4(), Port: 5060}).
			Return(7, nil)

		if err := tp.Send(t.Context(), []byte("OPTIONS"), dst); err != nil {
			t.Fatalf("tp.Send() error = %v, want nil", err)
		}
	})

	t.Run("write error", func(t *testing.T) {
		t.Parallel()

		tp, conn := setupUDP(t)
		conn.EXPECT().
			WriteTo(gomock.Any(), gomock.Any()).
			Return(0, errors.New("network unreachable"))

		err := tp.Send(t.Context(), []byte("OPTIONS"), dst)
		if !errors.Is(err, transport.ErrSend) {
			t.Fatalf("tp.Send() error = %v, want %v", err, transport.ErrSend)
		}
	})

	t.Run("deadline", func(t *testing.T) {
		t.Parallel()

		tp, conn := setupUDP(t)
		ctx, cancel := context.WithTimeout(t.Context(), time.Minute)
		defer cancel()
		d, _ := ctx.Deadline()

		gomock.InOrder(
			conn.EXPECT().SetWriteDeadline(d).Return(nil),
			conn.EXPECT().WriteTo(gomock.Any(), gomock.Any()).Return(7, nil),
			conn.EXPECT().SetWriteDeadline(time.Time{}).Return(nil),
		)
		if err := tp.Send(ctx, []byte("OPTIONS"), dst); err != nil {
			t.Fatalf("tp.Send() error = %v, want nil", err)
		}
	})

	t.Run("closed", func(t *testing.T) {
		t.Parallel()

		tp, conn := setupUDP(t)
		conn.EXPECT().Close().Return(nil)
		tp.Close()

		err := tp.Send(t.Context(), []byte("OPTIONS"), dst)
		if !errors.Is(err, transport.ErrSend) || !errors.Is(err, transport.ErrClosed) {
			t.Fatalf("tp.Send() error = %v, want %v and %v", err, transport.ErrSend, transport.ErrClosed)
		}
	})
}

func TestUDP_Recv(t *testing.T) {
	t.Parallel()

	t.Run("datagram", func(t *testing.T) {
		t.Parallel()

		tp, conn := setupUDP(t)
		conn.EXPECT().
			ReadFrom(gomock.Any()).
			DoAndReturn(func(b []byte) (int, net.Addr, error) {
				return copy(b, "SIP/2.0 200 OK\r\n\r\n"), &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 5070}, nil
			})

		pkt, err := tp.Recv(t.Context())
		if err != nil {
			t.Fatalf("tp.Recv() error = %v, want nil", err)
		}
		if got, want := string(pkt.Data), "SIP/2.0 200 OK\r\n\r\n"; got != want {
			t.Errorf("pkt.Data = %q, want %q", got, want)
		}
		if got, want := pkt.Src, netip.MustParseAddrPort("192.0.2.1:5070"); got != want {
			t.Errorf("pkt.Src = %v, want %v", got, want)
		}
		if got, want := pkt.Dst, tp.LocalAddr(); got != want {
			t.Errorf("pkt.Dst = %v, want %v", got, want)
		}
	})

	t.Run("context cancel", func(t *testing.T) {
		t.Parallel()

		tp, conn := setupUDP(t)
		unblock := make(chan struct{})
		conn.EXPECT().
			SetReadDeadline(gomock.AssignableToTypeOf(time.Time{})).
			DoAndReturn(func(d time.Time) error {
				if !d.IsZero() {
					close(unblock)
				}
				return nil
			}).
			Times(2)
		conn.EXPECT().
			ReadFrom(gomock.Any()).
			DoAndReturn(func([]byte) (int, net.Addr, error) {
				<-unblock
				return 0, nil, os.ErrDeadlineExceeded
			})

		ctx, cancel := context.WithCancel(t.Context())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		_, err := tp.Recv(ctx)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("tp.Recv() error = %v, want %v", err, context.Canceled)
		}
	})

	t.Run("closed", func(t *testing.T) {
		t.Parallel()

		tp, conn := setupUDP(t)
		conn.EXPECT().Close().Return(nil)
		conn.EXPECT().ReadFrom(gomock.Any()).Return(0, nil, net.ErrClosed)
		tp.Close()

		_, err := tp.Recv(t.Context())
		if !errors.Is(err, transport.ErrClosed) {
			t.Fatalf("tp.Recv() error = %v, want %v", err, transport.ErrClosed)
		}
	})
}

func TestListen(t *testing.T) {
	t.Parallel()

	tp, err := transport.Listen(t.Context(), "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("transport.Listen() error = %v, want nil", err)
	}
	defer tp.Close()

	peer, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.ListenPacket() error = %v, want nil", err)
	}
	defer peer.Close()

	if _, err := peer.WriteTo([]byte("ping"), net.UDPAddrFromAddrPort(tp.LocalAddr())); err != nil {
		t.Fatalf("peer.WriteTo() error = %v, want nil", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	pkt, err := tp.Recv(ctx)
	if err != nil {
		t.Fatalf("tp.Recv() error = %v, want nil", err)
	}
	if string(pkt.Data) != "ping" {
		t.Errorf("pkt.Data = %q, want %q", pkt.Data, "ping")
	}
	if got, want := pkt.Src.String(), peer.LocalAddr().String(); got != want {
		t.Errorf("pkt.Src = %q, want %q", got, want)
	}

	if err := tp.Send(ctx, []byte("pong"), pkt.Src); err != nil {
		t.Fatalf("tp.Send() error = %v, want nil", err)
	}
	buf := make([]byte, 16)
	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, _, err := peer.ReadFrom(buf)
	if err != nil {
		t.Fatalf("peer.ReadFrom() error = %v, want nil", err)
	}
	if string(buf[:n]) != "pong" {
		t.Errorf("peer got %q, want %q", buf[:n], "pong")
	}
}
