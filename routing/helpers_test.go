package routing_test

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/ghettovoice/sipproxy/dns"
	"github.com/ghettovoice/sipproxy/event"
	"github.com/ghettovoice/sipproxy/internal/timeutil"
	"github.com/ghettovoice/sipproxy/routing"
	"github.com/ghettovoice/sipproxy/sip"
	"github.com/ghettovoice/sipproxy/transaction"
)

var (
	epoch     = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	aliceAddr = netip.MustParseAddrPort("192.0.2.10:5060")
	bobAddr   = netip.MustParseAddrPort("192.0.2.20:5062")
)

const (
	proxyHost = "192.0.2.1"
	proxyPort = 25060
	bobAOR    = "bob@biloxi.example.com"
	bobURI    = "sip:bob@192.0.2.20:5062"
)

type sent struct {
	data []byte
	dst  netip.AddrPort
}

type stubSender struct {
	sent []sent
}

func (s *stubSender) Send(_ context.Context, data []byte, dst netip.AddrPort) error {
	s.sent = append(s.sent, sent{data: append([]byte(nil), data...), dst: dst})
	return nil
}

func (s *stubSender) to(dst netip.AddrPort) []sent {
	var out []sent
	for _, m := range s.sent {
		if m.dst == dst {
			out = append(out, m)
		}
	}
	return out
}

func (s *stubSender) lastRequest(t *testing.T, dst netip.AddrPort) *sip.Request {
	t.Helper()
	msgs := s.to(dst)
	if len(msgs) == 0 {
		t.Fatalf("nothing was sent to %s", dst)
	}
	msg, err := sip.Parse(msgs[len(msgs)-1].data)
	if err != nil {
		t.Fatalf("sip.Parse(sent) error = %v, want nil", err)
	}
	req, ok := msg.(*sip.Request)
	if !ok {
		t.Fatalf("last message to %s is %T, want *sip.Request", dst, msg)
	}
	return req
}

func (s *stubSender) responses(t *testing.T, dst netip.AddrPort) []*sip.Response {
	t.Helper()
	var out []*sip.Response
	for _, m := range s.to(dst) {
		msg, err := sip.Parse(m.data)
		if err != nil {
			t.Fatalf("sip.Parse(sent) error = %v, want nil", err)
		}
		if res, ok := msg.(*sip.Response); ok {
			out = append(out, res)
		}
	}
	return out
}

func (s *stubSender) statuses(t *testing.T, dst netip.AddrPort) []sip.StatusCode {
	t.Helper()
	var out []sip.StatusCode
	for _, res := range s.responses(t, dst) {
		out = append(out, res.Status)
	}
	return out
}

type eventRecorder struct {
	evs []event.Event
}

func (r *eventRecorder) Emit(e event.Event) { r.evs = append(r.evs, e) }

func (r *eventRecorder) reasons(kind event.Kind) []string {
	var out []string
	for _, e := range r.evs {
		if e.Kind == kind {
			out = append(out, e.Reason)
		}
	}
	return out
}

// noDNS fails every lookup, only IP literal hosts resolve.
type noDNS struct{}

func (noDNS) LookupAddr(_ context.Context, host string) ([]netip.Addr, error) {
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func (noDNS) LookupSRV(_ context.Context, _, _, host string) ([]*dns.SRV, error) {
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func (noDNS) LookupNAPTR(_ context.Context, host string) ([]*dns.NAPTR, error) {
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

type env struct {
	clock  *timeutil.FakeClock
	snd    *stubSender
	events *eventRecorder
	layer  *transaction.Layer
	router *routing.Router
}

func newEnv(t *testing.T, mod func(o *routing.Options)) *env {
	t.Helper()

	clock := timeutil.NewFakeClock(epoch)
	sched := timeutil.NewScheduler(clock, nil)
	e := &env{
		clock:  clock,
		snd:    &stubSender{},
		events: &eventRecorder{},
	}

	layer, err := transaction.NewLayer(e.snd, &transaction.LayerOptions{
		Options: transaction.Options{Scheduler: sched, Events: e.events},
	})
	if err != nil {
		t.Fatalf("transaction.NewLayer() error = %v, want nil", err)
	}
	e.layer = layer

	static, err := routing.NewStaticLocator([]routing.Binding{{AOR: bobAOR, Contact: bobURI}}, nil)
	if err != nil {
		t.Fatalf("routing.NewStaticLocator() error = %v, want nil", err)
	}
	hosts := routing.NewDNSLocator(noDNS{}, false, nil)
	opts := &routing.Options{
		Host:      proxyHost,
		Port:      proxyPort,
		Locator:   routing.Locators{static, hosts},
		Hosts:     hosts,
		Scheduler: sched,
		Events:    e.events,
	}
	if mod != nil {
		mod(opts)
	}
	e.router, err = routing.NewRouter(layer, e.snd, opts)
	if err != nil {
		t.Fatalf("routing.NewRouter() error = %v, want nil", err)
	}
	return e
}

// recvRequest passes the request through the transaction layer to the router like the proxy core does.
func (e *env) recvRequest(t *testing.T, req *sip.Request, src netip.AddrPort) error {
	t.Helper()
	if e.layer.HandleRequest(t.Context(), req) {
		return nil
	}
	return e.router.HandleRequest(t.Context(), req, src)
}

func (e *env) recvResponse(t *testing.T, res *sip.Response) error {
	t.Helper()
	if e.layer.HandleResponse(t.Context(), res) {
		return nil
	}
	return e.router.HandleResponse(t.Context(), res)
}

type reqSpec struct {
	uri      string
	via      string
	toTag    string
	fromTag  string
	cseq     uint32
	mf       string
	extra    []string
	noMF     bool
	cseqMeth sip.RequestMethod
}

type reqOpt func(s *reqSpec)

func withURI(uri string) reqOpt { return func(s *reqSpec) { s.uri = uri } }
func withToTag(tag string) reqOpt { return func(s *reqSpec) { s.toTag = tag } }
func withFromTag(tag string) reqOpt { return func(s *reqSpec) { s.fromTag = tag } }
func withCSeq(n uint32) reqOpt { return func(s *reqSpec) { s.cseq = n } }
func withMaxForwards(v string) reqOpt { return func(s *reqSpec) { s.mf = v } }
func withoutMaxForwards() reqOpt { return func(s *reqSpec) { s.noMF = true } }
func withHeader(line string) reqOpt { return func(s *reqSpec) { s.extra = append(s.extra, line) } }
func withVia(v string) reqOpt { return func(s *reqSpec) { s.via = v } }
func withCSeqMethod(m sip.RequestMethod) reqOpt {
	return func(s *reqSpec) { s.cseqMeth = m }
}

func newRequest(t *testing.T, method sip.RequestMethod, branch string, opts ...reqOpt) *sip.Request {
	t.Helper()

	s := reqSpec{
		uri:     "sip:" + bobAOR,
		via:     "SIP/2.0/UDP 192.0.2.10:5060;branch=" + branch,
		fromTag: "1928301774",
		cseq:    314159,
		mf:      "70",
	}
	for _, o := range opts {
		o(&s)
	}
	if s.cseqMeth == "" {
		s.cseqMeth = method
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s SIP/2.0\r\n", method, s.uri)
	fmt.Fprintf(&sb, "Via: %s\r\n", s.via)
	if !s.noMF {
		fmt.Fprintf(&sb, "Max-Forwards: %s\r\n", s.mf)
	}
	for _, h := range s.extra {
		sb.WriteString(h + "\r\n")
	}
	to := "Bob <sip:" + bobAOR + ">"
	if s.toTag != "" {
		to += ";tag=" + s.toTag
	}
	fmt.Fprintf(&sb, "To: %s\r\n", to)
	fmt.Fprintf(&sb, "From: Alice <sip:alice@atlanta.example.com>;tag=%s\r\n", s.fromTag)
	sb.WriteString("Call-ID: a84b4c76e66710@pc33.atlanta.example.com\r\n")
	fmt.Fprintf(&sb, "CSeq: %d %s\r\n", s.cseq, s.cseqMeth)
	sb.WriteString("Content-Length: 0\r\n\r\n")

	msg, err := sip.Parse([]byte(sb.String()))
	if err != nil {
		t.Fatalf("sip.Parse(%s) error = %v, want nil", method, err)
	}
	return msg.(*sip.Request) //nolint:forcetypeassert
}

// newResponse builds a response of the downstream UAS to the forwarded request, as received by the proxy.
func newResponse(t *testing.T, req *sip.Request, code sip.StatusCode, toTag string) *sip.Response {
	t.Helper()

	res := sip.NewResponse(req, code, "")
	if toTag != "" {
		to, _ := req.Headers.Get(sip.HdrTo)
		if i := strings.Index(to, ";tag="); i >= 0 {
			to = to[:i]
		}
		res.Headers.Set(sip.HdrTo, to+";tag="+toTag)
	}
	msg, err := sip.Parse(sip.Render(res))
	if err != nil {
		t.Fatalf("sip.Parse(%d) error = %v, want nil", code, err)
	}
	return msg.(*sip.Response) //nolint:forcetypeassert
}

func topVia(t *testing.T, msg sip.Message) sip.ViaHop {
	t.Helper()
	hop, err := sip.GetMessageHeaders(msg).TopVia()
	if err != nil {
		t.Fatalf("TopVia() error = %v, want nil", err)
	}
	return hop
}
