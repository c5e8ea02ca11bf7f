package routing_test

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipproxy/event"
	"github.com/ghettovoice/sipproxy/routing"
	"github.com/ghettovoice/sipproxy/sip"
	"github.com/ghettovoice/sipproxy/transaction"
)

const callID = "a84b4c76e66710@pc33.atlanta.example.com"

var proxySentBy = "192.0.2.1:25060"

func TestRouter_InviteDialog(t *testing.T) {
	t.Parallel()

	e := newEnv(t, func(o *routing.Options) { o.RecordRoute = true })

	inv := newRequest(t, sip.RequestMethodInvite, sip.MagicCookie+".inv-1")
	if err := e.recvRequest(t, inv, aliceAddr); err != nil {
		t.Fatalf("recvRequest(INVITE) error = %v, want nil", err)
	}

	fwd := e.snd.lastRequest(t, bobAddr)
	if got, want := fwd.URI.String(), bobURI; got != want {
		t.Fatalf("forwarded Request-URI = %q, want %q", got, want)
	}
	hops, err := fwd.Headers.Via()
	if err != nil {
		t.Fatalf("fwd.Headers.Via() error = %v, want nil", err)
	}
	if len(hops) != 2 || hops[0].SentBy() != proxySentBy || hops[1].Branch() != sip.MagicCookie+".inv-1" {
		t.Fatalf("forwarded Via = %v, want proxy hop on top of the Alice hop", hops)
	}
	if mf, _, _ := fwd.Headers.MaxForwards(); mf != 69 {
		t.Fatalf("forwarded Max-Forwards = %d, want 69", mf)
	}
	if got, _ := fwd.Headers.Get(sip.HdrRecordRoute); got != "<sip:192.0.2.1:25060;lr>" {
		t.Fatalf("forwarded Record-Route = %q, want %q", got, "<sip:192.0.2.1:25060;lr>")
	}

	for _, code := range []sip.StatusCode{sip.StatusTrying, sip.StatusRinging, sip.StatusOK} {
		tag := "bobtag"
		if code == sip.StatusTrying {
			tag = ""
		}
		if err := e.recvResponse(t, newResponse(t, fwd, code, tag)); err != nil {
			t.Fatalf("recvResponse(%d) error = %v, want nil", code, err)
		}
	}
	if diff := cmp.Diff([]sip.StatusCode{sip.StatusRinging, sip.StatusOK}, e.snd.statuses(t, aliceAddr)); diff != "" {
		t.Fatalf("responses to Alice mismatch (-want +got):\n%s", diff)
	}
	for _, res := range e.snd.responses(t, aliceAddr) {
		hops, _ := res.Headers.Via()
		if len(hops) != 1 || hops[0].Branch() != sip.MagicCookie+".inv-1" {
			t.Fatalf("relayed response Via = %v, want only the Alice hop", hops)
		}
	}

	id := routing.DialogID{CallID: callID, CallerTag: "1928301774", CalleeTag: "bobtag"}
	d, ok := e.router.Dialogs().Get(id)
	if !ok || d.State != routing.DialogStateConfirmed {
		t.Fatalf("dialog = %v, %v, want confirmed", d, ok)
	}

	// ACK for 2xx is not absorbed by the INVITE server transaction and goes statelessly
	ack := newRequest(t, sip.RequestMethodAck, sip.MagicCookie+".ack-1",
		withURI(bobURI),
		withToTag("bobtag"),
		withHeader("Route: <sip:192.0.2.1:25060;lr>"),
	)
	var ackBranches []string
	for range 2 {
		if err := e.recvRequest(t, ack, aliceAddr); err != nil {
			t.Fatalf("recvRequest(ACK) error = %v, want nil", err)
		}
		fwdAck := e.snd.lastRequest(t, bobAddr)
		if !fwdAck.IsAck() {
			t.Fatalf("last request to Bob = %s, want ACK", fwdAck.Method)
		}
		if fwdAck.Headers.Has(sip.HdrRoute) {
			t.Fatal("forwarded ACK keeps the proxy Route, want stripped")
		}
		ackBranches = append(ackBranches, topVia(t, fwdAck).Branch())
	}
	if ackBranches[0] != ackBranches[1] {
		t.Fatalf("stateless ACK branches = %v, want equal", ackBranches)
	}

	e.clock.Advance(transaction.T1 * 64)
	if got := e.layer.Len(); got != 0 {
		t.Fatalf("e.layer.Len() after Timer L/M = %d, want 0", got)
	}

	// 2xx retransmission after the client transaction is gone
	if err := e.recvResponse(t, newResponse(t, fwd, sip.StatusOK, "bobtag")); err != nil {
		t.Fatalf("recvResponse(200 retransmission) error = %v, want nil", err)
	}
	if got := len(e.snd.responses(t, aliceAddr)); got != 3 {
		t.Fatalf("responses to Alice = %d, want 3", got)
	}

	bye := newRequest(t, sip.RequestMethodBye, sip.MagicCookie+".bye-1",
		withURI(bobURI),
		withToTag("bobtag"),
		withCSeq(314160),
		withHeader("Route: <sip:192.0.2.1:25060;lr>"),
	)
	if err := e.recvRequest(t, bye, aliceAddr); err != nil {
		t.Fatalf("recvRequest(BYE) error = %v, want nil", err)
	}
	fwdBye := e.snd.lastRequest(t, bobAddr)
	if err := e.recvResponse(t, newResponse(t, fwdBye, sip.StatusOK, "")); err != nil {
		t.Fatalf("recvResponse(BYE 200) error = %v, want nil", err)
	}
	if _, ok := e.router.Dialogs().Get(id); ok {
		t.Fatal("dialog is live after BYE, want removed")
	}
	if diff := cmp.Diff([]string{"early", "bye"}, dialogReasons(e)); diff != "" {
		t.Fatalf("dialog events mismatch (-want +got):\n%s", diff)
	}
	if got := e.events.reasons(event.KindRoutingFailure); len(got) != 0 {
		t.Fatalf("routing failures = %v, want none", got)
	}
}

func dialogReasons(e *env) []string {
	var out []string
	for _, ev := range e.events.evs {
		if ev.Kind == event.KindDialogCreated || ev.Kind == event.KindDialogTerminated {
			out = append(out, ev.Reason)
		}
	}
	return out
}

func TestRouter_RejectedRequests(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		req     func(t *testing.T) *sip.Request
		wantErr error
		status  sip.StatusCode
		reason  string
	}{
		{
			name: "max-forwards zero",
			req: func(t *testing.T) *sip.Request {
				return newRequest(t, sip.RequestMethodOptions, sip.MagicCookie+".mf0", withMaxForwards("0"))
			},
			wantErr: routing.ErrTooManyForwards,
			status:  sip.StatusTooManyHops,
			reason:  "too_many_hops",
		},
		{
			name: "unknown target",
			req: func(t *testing.T) *sip.Request {
				return newRequest(t, sip.RequestMethodInvite, sip.MagicCookie+".nr", withURI("sip:carol@chicago.example.com"))
			},
			wantErr: routing.ErrNoRoute,
			status:  sip.StatusNotFound,
			reason:  "no_route",
		},
		{
			name: "malformed max-forwards",
			req: func(t *testing.T) *sip.Request {
				req := newRequest(t, sip.RequestMethodOptions, sip.MagicCookie+".mfx")
				req.Headers.Set(sip.HdrMaxForwards, "many")
				return req
			},
			wantErr: sip.ErrParse,
			status:  sip.StatusBadRequest,
			reason:  "bad_request",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			e := newEnv(t, nil)
			err := e.recvRequest(t, c.req(t), aliceAddr)
			if !errors.Is(err, c.wantErr) {
				t.Fatalf("recvRequest() error = %v, want %v", err, c.wantErr)
			}
			if diff := cmp.Diff([]sip.StatusCode{c.status}, e.snd.statuses(t, aliceAddr)); diff != "" {
				t.Fatalf("responses to Alice mismatch (-want +got):\n%s", diff)
			}
			if got := len(e.snd.to(bobAddr)); got != 0 {
				t.Fatalf("messages to Bob = %d, want 0", got)
			}
			if diff := cmp.Diff([]string{c.reason}, e.events.reasons(event.KindRoutingFailure)); diff != "" {
				t.Fatalf("routing failures mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRouter_MissingMaxForwards(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	if err := e.recvRequest(t, newRequest(t, sip.RequestMethodOptions, sip.MagicCookie+".nomf", withoutMaxForwards()), aliceAddr); err != nil {
		t.Fatalf("recvRequest() error = %v, want nil", err)
	}
	mf, ok, err := e.snd.lastRequest(t, bobAddr).Headers.MaxForwards()
	if err != nil || !ok || mf != routing.DefaultMaxForwards {
		t.Fatalf("forwarded Max-Forwards = %d, %v, %v, want %d", mf, ok, err, routing.DefaultMaxForwards)
	}
}

func TestRouter_LoopDetected(t *testing.T) {
	t.Parallel()

	self := netip.MustParseAddrPort(proxySentBy)
	e := newEnv(t, func(o *routing.Options) {
		o.Locator = routing.LocatorFunc(func(context.Context, *sip.URI) (routing.Target, bool) {
			return routing.Target{Addr: self, Transport: routing.TransportUDP}, true
		})
	})

	req := newRequest(t, sip.RequestMethodOptions, sip.MagicCookie+".loop")
	if err := e.recvRequest(t, req, aliceAddr); err != nil {
		t.Fatalf("recvRequest(first) error = %v, want nil", err)
	}

	looped := e.snd.lastRequest(t, self)
	if err := e.recvRequest(t, looped, self); !errors.Is(err, routing.ErrLoopDetected) {
		t.Fatalf("recvRequest(looped) error = %v, want %v", err, routing.ErrLoopDetected)
	}
	if diff := cmp.Diff([]sip.StatusCode{sip.StatusLoopDetected}, e.snd.statuses(t, self)); diff != "" {
		t.Fatalf("responses to the looped hop mismatch (-want +got):\n%s", diff)
	}

	// a spiral with another Request-URI is forwarded
	spiral := looped.Clone().(*sip.Request) //nolint:forcetypeassert
	spiral.URI, _ = sip.ParseURI("sip:bob@biloxi.example.com;spiral")
	spiral.Headers.SetTopVia(sip.ViaHop{
		Proto: "SIP", Version: "2.0", Transport: "UDP", Host: proxyHost, Port: proxyPort,
		Params: sip.Params{{Name: "branch", Value: topVia(t, looped).Branch() + "x"}},
	})
	if err := e.recvRequest(t, spiral, self); err != nil {
		t.Fatalf("recvRequest(spiral) error = %v, want nil", err)
	}

	// own sent-by with a branch this proxy did not compute is forwarded too
	foreign := looped.Clone().(*sip.Request) //nolint:forcetypeassert
	foreign.Headers.SetTopVia(sip.ViaHop{
		Proto: "SIP", Version: "2.0", Transport: "UDP", Host: proxyHost, Port: proxyPort,
		Params: sip.Params{{Name: "branch", Value: sip.MagicCookie + "-unrelated"}},
	})
	before := len(e.snd.to(self))
	if err := e.recvRequest(t, foreign, self); err != nil {
		t.Fatalf("recvRequest(foreign branch) error = %v, want nil", err)
	}
	if got := e.snd.lastRequest(t, self); len(e.snd.to(self)) != before+1 || !got.Method.Equal(sip.RequestMethodOptions) {
		t.Fatalf("last message to the proxy = %v, want the forwarded OPTIONS", got)
	}
}

func TestRouter_ClientTimeout(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	if err := e.recvRequest(t, newRequest(t, sip.RequestMethodOptions, sip.MagicCookie+".tmo"), aliceAddr); err != nil {
		t.Fatalf("recvRequest() error = %v, want nil", err)
	}
	e.clock.Advance(transaction.T1*64 - 1)
	if got := e.snd.statuses(t, aliceAddr); len(got) != 0 {
		t.Fatalf("responses to Alice before Timer F = %v, want none", got)
	}
	e.clock.Advance(1)
	if diff := cmp.Diff([]sip.StatusCode{sip.StatusRequestTimeout}, e.snd.statuses(t, aliceAddr)); diff != "" {
		t.Fatalf("responses to Alice mismatch (-want +got):\n%s", diff)
	}
}

func TestRouter_Cancel(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	inv := newRequest(t, sip.RequestMethodInvite, sip.MagicCookie+".inv-c")
	if err := e.recvRequest(t, inv, aliceAddr); err != nil {
		t.Fatalf("recvRequest(INVITE) error = %v, want nil", err)
	}
	fwd := e.snd.lastRequest(t, bobAddr)
	if err := e.recvResponse(t, newResponse(t, fwd, sip.StatusRinging, "bobtag")); err != nil {
		t.Fatalf("recvResponse(180) error = %v, want nil", err)
	}

	if err := e.recvRequest(t, newRequest(t, sip.RequestMethodCancel, sip.MagicCookie+".inv-c"), aliceAddr); err != nil {
		t.Fatalf("recvRequest(CANCEL) error = %v, want nil", err)
	}
	ress := e.snd.responses(t, aliceAddr)
	if len(ress) != 2 || ress[1].Status != sip.StatusOK {
		t.Fatalf("responses to Alice = %v, want 180 and 200", e.snd.statuses(t, aliceAddr))
	}
	if cseq, _ := ress[1].Headers.CSeq(); !cseq.Method.Equal(sip.RequestMethodCancel) {
		t.Fatalf("200 CSeq method = %s, want CANCEL", cseq.Method)
	}

	cancel := e.snd.lastRequest(t, bobAddr)
	if !cancel.IsCancel() {
		t.Fatalf("last request to Bob = %s, want CANCEL", cancel.Method)
	}
	if got, want := topVia(t, cancel).Branch(), topVia(t, fwd).Branch(); got != want {
		t.Fatalf("CANCEL branch = %q, want INVITE branch %q", got, want)
	}

	// 487 from Bob is relayed to Alice and ACKed by the client transaction
	if err := e.recvResponse(t, newResponse(t, fwd, sip.StatusRequestTerminated, "bobtag")); err != nil {
		t.Fatalf("recvResponse(487) error = %v, want nil", err)
	}
	if got := e.snd.statuses(t, aliceAddr); got[len(got)-1] != sip.StatusRequestTerminated {
		t.Fatalf("responses to Alice = %v, want 487 last", got)
	}
	if got := e.snd.lastRequest(t, bobAddr); !got.IsAck() {
		t.Fatalf("last request to Bob = %s, want ACK", got.Method)
	}
	if got := e.router.Dialogs().Len(); got != 0 {
		t.Fatalf("dialogs = %d, want 0", got)
	}
}

func TestRouter_CancelBeforeProvisional(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	if err := e.recvRequest(t, newRequest(t, sip.RequestMethodInvite, sip.MagicCookie+".inv-cp"), aliceAddr); err != nil {
		t.Fatalf("recvRequest(INVITE) error = %v, want nil", err)
	}
	fwd := e.snd.lastRequest(t, bobAddr)

	if err := e.recvRequest(t, newRequest(t, sip.RequestMethodCancel, sip.MagicCookie+".inv-cp"), aliceAddr); err != nil {
		t.Fatalf("recvRequest(CANCEL) error = %v, want nil", err)
	}
	if got := e.snd.lastRequest(t, bobAddr); !got.IsInvite() {
		t.Fatalf("last request to Bob = %s, want INVITE until a provisional response", got.Method)
	}

	if err := e.recvResponse(t, newResponse(t, fwd, sip.StatusTrying, "")); err != nil {
		t.Fatalf("recvResponse(100) error = %v, want nil", err)
	}
	if got := e.snd.lastRequest(t, bobAddr); !got.IsCancel() {
		t.Fatalf("last request to Bob = %s, want CANCEL", got.Method)
	}
}

func TestRouter_CancelDuringLookup(t *testing.T) {
	t.Parallel()

	var lookups []func()
	e := newEnv(t, func(o *routing.Options) {
		o.Offload = func(work, done func()) {
			lookups = append(lookups, func() {
				work()
				done()
			})
		}
	})
	if err := e.recvRequest(t, newRequest(t, sip.RequestMethodInvite, sip.MagicCookie+".inv-cl"), aliceAddr); err != nil {
		t.Fatalf("recvRequest(INVITE) error = %v, want nil", err)
	}
	if len(lookups) != 1 {
		t.Fatalf("pending lookups = %d, want 1", len(lookups))
	}
	if got := len(e.snd.to(bobAddr)); got != 0 {
		t.Fatalf("messages to Bob during lookup = %d, want 0", got)
	}

	if err := e.recvRequest(t, newRequest(t, sip.RequestMethodCancel, sip.MagicCookie+".inv-cl"), aliceAddr); err != nil {
		t.Fatalf("recvRequest(CANCEL) error = %v, want nil", err)
	}
	want := []sip.StatusCode{sip.StatusOK, sip.StatusRequestTerminated}
	if diff := cmp.Diff(want, e.snd.statuses(t, aliceAddr)); diff != "" {
		t.Fatalf("responses to Alice mismatch (-want +got):\n%s", diff)
	}

	lookups[0]()
	if got := len(e.snd.to(bobAddr)); got != 0 {
		t.Fatalf("messages to Bob after lookup = %d, want 0", got)
	}
}

func TestRouter_UnmatchedCancelForwardedStatelessly(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	if err := e.recvRequest(t, newRequest(t, sip.RequestMethodCancel, sip.MagicCookie+".lost"), aliceAddr); err != nil {
		t.Fatalf("recvRequest(CANCEL) error = %v, want nil", err)
	}
	if got := e.snd.lastRequest(t, bobAddr); !got.IsCancel() {
		t.Fatalf("last request to Bob = %s, want CANCEL", got.Method)
	}
	if got := e.layer.Len(); got != 0 {
		t.Fatalf("e.layer.Len() = %d, want 0", got)
	}
}

func TestRouter_RouteProcessing(t *testing.T) {
	t.Parallel()

	next := netip.MustParseAddrPort("192.0.2.30:5070")

	t.Run("loose", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t, nil)
		req := newRequest(t, sip.RequestMethodOptions, sip.MagicCookie+".lr",
			withHeader("Route: <sip:192.0.2.1:25060;lr>, <sip:192.0.2.30:5070;lr>"),
		)
		if err := e.recvRequest(t, req, aliceAddr); err != nil {
			t.Fatalf("recvRequest() error = %v, want nil", err)
		}
		fwd := e.snd.lastRequest(t, next)
		if got := fwd.URI.String(); got != "sip:"+bobAOR {
			t.Fatalf("forwarded Request-URI = %q, want unchanged", got)
		}
		if diff := cmp.Diff([]string{"<sip:192.0.2.30:5070;lr>"}, fwd.Headers.Values(sip.HdrRoute)); diff != "" {
			t.Fatalf("forwarded Route mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("strict next hop", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t, nil)
		req := newRequest(t, sip.RequestMethodOptions, sip.MagicCookie+".sr",
			withHeader("Route: <sip:192.0.2.30:5070>, <sip:192.0.2.40>"),
		)
		if err := e.recvRequest(t, req, aliceAddr); err != nil {
			t.Fatalf("recvRequest() error = %v, want nil", err)
		}
		fwd := e.snd.lastRequest(t, next)
		if got := fwd.URI.String(); got != "sip:192.0.2.30:5070" {
			t.Fatalf("forwarded Request-URI = %q, want the strict route", got)
		}
		want := []string{"<sip:192.0.2.40>", "<sip:" + bobAOR + ">"}
		if diff := cmp.Diff(want, fwd.Headers.Values(sip.HdrRoute)); diff != "" {
			t.Fatalf("forwarded Route mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("strict previous hop", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t, nil)
		req := newRequest(t, sip.RequestMethodOptions, sip.MagicCookie+".sp",
			withURI("sip:192.0.2.1:25060"),
			withHeader("Route: <sip:192.0.2.30:5070;lr>, <sip:"+bobAOR+">"),
		)
		if err := e.recvRequest(t, req, aliceAddr); err != nil {
			t.Fatalf("recvRequest() error = %v, want nil", err)
		}
		fwd := e.snd.lastRequest(t, next)
		if got := fwd.URI.String(); got != "sip:"+bobAOR {
			t.Fatalf("forwarded Request-URI = %q, want the last Route", got)
		}
		if diff := cmp.Diff([]string{"<sip:192.0.2.30:5070;lr>"}, fwd.Headers.Values(sip.HdrRoute)); diff != "" {
			t.Fatalf("forwarded Route mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestRouter_InDialogCSeq(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	inv := newRequest(t, sip.RequestMethodInvite, sip.MagicCookie+".dlg")
	e.router.Dialogs().HandleResponse(t.Context(), newResponse(t, inv, sip.StatusOK, "bobtag"))

	stale := newRequest(t, sip.RequestMethodInfo, sip.MagicCookie+".info-1",
		withURI(bobURI), withToTag("bobtag"), withCSeq(314158))
	if err := e.recvRequest(t, stale, aliceAddr); !errors.Is(err, routing.ErrCSeqOutOfOrder) {
		t.Fatalf("recvRequest(stale) error = %v, want %v", err, routing.ErrCSeqOutOfOrder)
	}
	if diff := cmp.Diff([]sip.StatusCode{sip.StatusServerInternalError}, e.snd.statuses(t, aliceAddr)); diff != "" {
		t.Fatalf("responses to Alice mismatch (-want +got):\n%s", diff)
	}

	fresh := newRequest(t, sip.RequestMethodInfo, sip.MagicCookie+".info-2",
		withURI(bobURI), withToTag("bobtag"), withCSeq(314160))
	if err := e.recvRequest(t, fresh, aliceAddr); err != nil {
		t.Fatalf("recvRequest(fresh) error = %v, want nil", err)
	}

	// callee side has its own CSeq space
	reverse := newRequest(t, sip.RequestMethodInfo, sip.MagicCookie+".info-3",
		withURI("sip:alice@192.0.2.10"), withFromTag("bobtag"), withToTag("1928301774"), withCSeq(1))
	if err := e.recvRequest(t, reverse, bobAddr); err != nil {
		t.Fatalf("recvRequest(reverse) error = %v, want nil", err)
	}
}

func TestRouter_HandleResponse(t *testing.T) {
	t.Parallel()

	t.Run("foreign", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t, nil)
		req := newRequest(t, sip.RequestMethodOptions, sip.MagicCookie+".foreign")
		err := e.recvResponse(t, newResponse(t, req, sip.StatusOK, ""))
		if !errors.Is(err, routing.ErrForeignResponse) {
			t.Fatalf("recvResponse() error = %v, want %v", err, routing.ErrForeignResponse)
		}
		if got := len(e.snd.sent); got != 0 {
			t.Fatalf("sent = %d, want 0", got)
		}
		if diff := cmp.Diff([]string{"foreign_response"}, e.events.reasons(event.KindRoutingFailure)); diff != "" {
			t.Fatalf("routing failures mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("stateless to received and rport", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t, nil)
		req := newRequest(t, sip.RequestMethodInvite, sip.MagicCookie+".late",
			withVia("SIP/2.0/UDP pc33.atlanta.example.com;branch="+sip.MagicCookie+".late;received=198.51.100.7;rport=40000"),
		)
		req.Headers.PrependVia(sip.ViaHop{
			Proto: "SIP", Version: "2.0", Transport: "UDP", Host: proxyHost, Port: proxyPort,
			Params: sip.Params{{Name: "branch", Value: sip.MagicCookie + "." + strings.Repeat("ab", 12) + ".x"}},
		})
		if err := e.recvResponse(t, newResponse(t, req, sip.StatusOK, "bobtag")); err != nil {
			t.Fatalf("recvResponse() error = %v, want nil", err)
		}
		dst := netip.MustParseAddrPort("198.51.100.7:40000")
		ress := e.snd.responses(t, dst)
		if len(ress) != 1 {
			t.Fatalf("responses to %s = %d, want 1", dst, len(ress))
		}
		if hops, _ := ress[0].Headers.Via(); len(hops) != 1 {
			t.Fatalf("forwarded response Via = %v, want one hop", hops)
		}
	})
}
