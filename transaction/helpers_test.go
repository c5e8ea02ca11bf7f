package transaction_test

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/ghettovoice/sipproxy/event"
	"github.com/ghettovoice/sipproxy/internal/timeutil"
	"github.com/ghettovoice/sipproxy/sip"
	"github.com/ghettovoice/sipproxy/transaction"
)

var (
	remoteAddr = netip.MustParseAddrPort("192.0.2.10:5060")
	epoch      = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

type sent struct {
	data []byte
	dst  netip.AddrPort
	at   time.Time
}

type stubSender struct {
	clock timeutil.Clock
	sent  []sent
	err   error
}

func (s *stubSender) Send(_ context.Context, data []byte, dst netip.AddrPort) error {
	s.sent = append(s.sent, sent{data: append([]byte(nil), data...), dst: dst, at: s.clock.Now()})
	return s.err
}

func (s *stubSender) count() int { return len(s.sent) }

func (s *stubSender) last(t *testing.T) sent {
	t.Helper()
	if len(s.sent) == 0 {
		t.Fatal("no datagrams were sent")
	}
	return s.sent[len(s.sent)-1]
}

type eventRecorder struct {
	evs []event.Event
}

func (r *eventRecorder) Emit(e event.Event) { r.evs = append(r.evs, e) }

func (r *eventRecorder) count(kind event.Kind) int {
	var n int
	for _, e := range r.evs {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

type env struct {
	clock  *timeutil.FakeClock
	snd    *stubSender
	events *eventRecorder
	opts   *transaction.Options
}

func newEnv() *env {
	clock := timeutil.NewFakeClock(epoch)
	e := &env{
		clock:  clock,
		snd:    &stubSender{clock: clock},
		events: &eventRecorder{},
	}
	e.opts = &transaction.Options{
		Scheduler: timeutil.NewScheduler(clock, nil),
		Events:    e.events,
	}
	return e
}

func newRequest(t *testing.T, method sip.RequestMethod, branch string) *sip.Request {
	t.Helper()

	raw := fmt.Sprintf("%[1]s sip:bob@biloxi.example.com SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP pc33.atlanta.example.com;branch=%[2]s\r\n"+
		"Max-Forwards: 70\r\n"+
		"To: Bob <sip:bob@biloxi.example.com>\r\n"+
		"From: Alice <sip:alice@atlanta.example.com>;tag=1928301774\r\n"+
		"Call-ID: a84b4c76e66710@pc33.atlanta.example.com\r\n"+
		"CSeq: 314159 %[1]s\r\n"+
		"Content-Length: 0\r\n"+
		"\r\n", method, branch)
	msg, err := sip.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("sip.Parse(%s) error = %v, want nil", method, err)
	}
	return msg.(*sip.Request) //nolint:forcetypeassert
}

func newAck(t *testing.T, inv *sip.Request) *sip.Request {
	t.Helper()

	raw := strings.Replace(string(sip.Render(inv)), "INVITE sip:", "ACK sip:", 1)
	raw = strings.Replace(raw, "CSeq: 314159 INVITE", "CSeq: 314159 ACK", 1)
	msg, err := sip.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("sip.Parse(ACK) error = %v, want nil", err)
	}
	return msg.(*sip.Request) //nolint:forcetypeassert
}

func newResponse(req *sip.Request, code sip.StatusCode) *sip.Response {
	return sip.NewResponse(req, code, "")
}

func assertState(t *testing.T, tx transaction.Transaction, want transaction.State) {
	t.Helper()
	if got := tx.State(); got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
}
