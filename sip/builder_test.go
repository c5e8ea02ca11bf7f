package sip_test

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipproxy/sip"
)

func parseRequest(t *testing.T, s string) *sip.Request {
	t.Helper()

	msg, err := sip.Parse([]byte(s))
	if err != nil {
		t.Fatalf("sip.Parse(in) error = %v, want nil", err)
	}
	req, ok := msg.(*sip.Request)
	if !ok {
		t.Fatalf("sip.Parse(in) = %T, want *sip.Request", msg)
	}
	return req
}

func TestNewResponse(t *testing.T) {
	t.Parallel()

	req := parseRequest(t, inviteMsg)

	res := sip.NewResponse(req, sip.StatusTrying, "")
	want := "SIP/2.0 100 Trying\r\n" +
		"Via: SIP/2.0/UDP pc33.atlanta.example.com;branch=z9hG4bK776asdhds,\r\n" +
		"\tSIP/2.0/UDP proxy.example.com:5070;branch=z9hG4bKnashds8\r\n" +
		"v: SIP/2.0/UDP ua.example.com;branch=z9hG4bK1\r\n" +
		"To: Bob <sip:bob@biloxi.example.com>\r\n" +
		"f: Alice <sip:alice@atlanta.example.com>;tag=1928301774\r\n" +
		"Call-ID:a84b4c76e66710@pc33.atlanta.example.com\r\n" +
		"CSeq: 314159 INVITE\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"
	if diff := cmp.Diff(want, string(sip.Render(res))); diff != "" {
		t.Errorf("100 response mismatch (-want +got):\n%s", diff)
	}

	res = sip.NewResponse(req, sip.StatusNotFound, "")
	if res.Reason != "Not Found" {
		t.Errorf("res.Reason = %q, want %q", res.Reason, "Not Found")
	}
	to, err := res.Headers.To()
	if err != nil {
		t.Fatalf("res.Headers.To() error = %v, want nil", err)
	}
	if to.Tag() == "" {
		t.Errorf("404 response To tag is empty, want generated tag")
	}
	if err := res.Validate(); err != nil {
		t.Errorf("res.Validate() = %v, want nil", err)
	}
}

func TestNewCancel(t *testing.T) {
	t.Parallel()

	req := parseRequest(t, inviteMsg)
	cancel := sip.NewCancel(req)

	if !cancel.IsCancel() {
		t.Errorf("cancel.Method = %q, want CANCEL", cancel.Method)
	}
	if got, want := cancel.URI.String(), req.URI.String(); got != want {
		t.Errorf("cancel.URI = %q, want %q", got, want)
	}
	hops, _ := cancel.Headers.Via()
	if len(hops) != 1 || hops[0].Branch() != "z9hG4bK776asdhds" {
		t.Errorf("cancel Via = %v, want single hop with the INVITE branch", hops)
	}
	cseq, _ := cancel.Headers.CSeq()
	if diff := cmp.Diff(sip.CSeq{Seq: 314159, Method: sip.RequestMethodCancel}, cseq); diff != "" {
		t.Errorf("cancel CSeq mismatch (-want +got):\n%s", diff)
	}
	if err := cancel.Validate(); err != nil {
		t.Errorf("cancel.Validate() = %v, want nil", err)
	}
}

func TestGenerateBranch(t *testing.T) {
	t.Parallel()

	b1, b2 := sip.GenerateBranch(), sip.GenerateBranch()
	if !strings.HasPrefix(b1, sip.MagicCookie) {
		t.Errorf("sip.GenerateBranch() = %q, want prefix %q", b1, sip.MagicCookie)
	}
	if b1 == b2 {
		t.Errorf("sip.GenerateBranch() returned %q twice", b1)
	}
	if sip.BranchHash("a", "b") != sip.BranchHash("a", "b") {
		t.Errorf("sip.BranchHash is not stable")
	}
	if sip.BranchHash("ab", "") == sip.BranchHash("a", "b") {
		t.Errorf("sip.BranchHash(\"ab\", \"\") == sip.BranchHash(\"a\", \"b\")")
	}
}
