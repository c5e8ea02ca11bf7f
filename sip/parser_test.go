package sip_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/ghettovoice/sipproxy/sip"
)

const inviteMsg = "INVITE sip:bob@biloxi.example.com SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP pc33.atlanta.example.com;branch=z9hG4bK776asdhds,\r\n" +
	"\tSIP/2.0/UDP proxy.example.com:5070;branch=z9hG4bKnashds8\r\n" +
	"v: SIP/2.0/UDP ua.example.com;branch=z9hG4bK1\r\n" +
	"Max-Forwards: 70\r\n" +
	"To: Bob <sip:bob@biloxi.example.com>\r\n" +
	"f: Alice <sip:alice@atlanta.example.com>;tag=1928301774\r\n" +
	"Call-ID:a84b4c76e66710@pc33.atlanta.example.com\r\n" +
	"CSeq: 314159 INVITE\r\n" +
	"X-Custom :  keep   me \r\n" +
	"Content-Type: text/plain\r\n" +
	"Content-Length: 5\r\n" +
	"\r\n" +
	"hello"

func TestParse_RoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
	}{
		{"invite", inviteMsg},
		{
			"response",
			"SIP/2.0 180 Ringing\r\n" +
				"Via: SIP/2.0/UDP pc33.atlanta.example.com;branch=z9hG4bK776asdhds;received=192.0.2.1\r\n" +
				"To: Bob <sip:bob@biloxi.example.com>;tag=a6c85cf\r\n" +
				"From: Alice <sip:alice@atlanta.example.com>;tag=1928301774\r\n" +
				"Call-ID: a84b4c76e66710\r\n" +
				"CSeq: 314159 INVITE\r\n" +
				"Content-Length: 0\r\n" +
				"\r\n",
		},
		{
			"no content length",
			"OPTIONS sip:carol@chicago.example.com SIP/2.0\r\n" +
				"Via: SIP/2.0/UDP pc33.atlanta.example.com;branch=z9hG4bKhjhs8ass877\r\n" +
				"To: <sip:carol@chicago.example.com>\r\n" +
				"From: Alice <sip:alice@atlanta.example.com>;tag=1928301774\r\n" +
				"Call-ID: a84b4c76e66710\r\n" +
				"CSeq: 63104 OPTIONS\r\n" +
				"\r\n",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			msg, err := sip.Parse([]byte(c.in))
			if err != nil {
				t.Fatalf("sip.Parse(in) error = %v, want nil", err)
			}
			if got := string(sip.Render(msg)); got != c.in {
				t.Errorf("sip.Render(sip.Parse(in)) = %q, want %q", got, c.in)
			}
		})
	}
}

func TestParse_Request(t *testing.T) {
	t.Parallel()

	msg, err := sip.Parse([]byte(inviteMsg))
	if err != nil {
		t.Fatalf("sip.Parse(in) error = %v, want nil", err)
	}
	req, ok := msg.(*sip.Request)
	if !ok {
		t.Fatalf("sip.Parse(in) = %T, want *sip.Request", msg)
	}
	if !req.IsInvite() {
		t.Errorf("req.Method = %q, want INVITE", req.Method)
	}
	if got, want := req.URI.String(), "sip:bob@biloxi.example.com"; got != want {
		t.Errorf("req.URI = %q, want %q", got, want)
	}
	if got, want := string(req.Body), "hello"; got != want {
		t.Errorf("req.Body = %q, want %q", got, want)
	}

	hops, err := req.Headers.Via()
	if err != nil {
		t.Fatalf("req.Headers.Via() error = %v, want nil", err)
	}
	var branches []string
	for _, hop := range hops {
		branches = append(branches, hop.Branch())
	}
	if diff := cmp.Diff([]string{"z9hG4bK776asdhds", "z9hG4bKnashds8", "z9hG4bK1"}, branches); diff != "" {
		t.Errorf("Via branches mismatch (-want +got):\n%s", diff)
	}

	from, err := req.Headers.From()
	if err != nil {
		t.Fatalf("req.Headers.From() error = %v, want nil", err)
	}
	if got, want := from.Tag(), "1928301774"; got != want {
		t.Errorf("from.Tag() = %q, want %q", got, want)
	}
	if got, _ := req.Headers.CallID(); got != "a84b4c76e66710@pc33.atlanta.example.com" {
		t.Errorf("req.Headers.CallID() = %q, want %q", got, "a84b4c76e66710@pc33.atlanta.example.com")
	}
	cseq, err := req.Headers.CSeq()
	if err != nil {
		t.Fatalf("req.Headers.CSeq() error = %v, want nil", err)
	}
	if diff := cmp.Diff(sip.CSeq{Seq: 314159, Method: sip.RequestMethodInvite}, cseq); diff != "" {
		t.Errorf("CSeq mismatch (-want +got):\n%s", diff)
	}
	if v, _ := req.Headers.Get("x-custom"); v != "keep   me " {
		t.Errorf("req.Headers.Get(\"x-custom\") = %q, want %q", v, "keep   me ")
	}
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	const hdrs = "Via: SIP/2.0/UDP a.example.com;branch=z9hG4bK1\r\n" +
		"To: <sip:b@b.example.com>\r\n" +
		"From: <sip:a@a.example.com>;tag=1\r\n" +
		"Call-ID: 1\r\n" +
		"CSeq: 1 OPTIONS\r\n"

	cases := []struct {
		name        string
		in          string
		wantErr     error
		wantSalvage bool
	}{
		{"empty", "", sip.ErrMalformed, false},
		{"garbage", "hello world\r\n\r\n", sip.ErrMalformed, false},
		{"bad version", "OPTIONS sip:b@b.example.com SIP/3.0\r\n" + hdrs + "\r\n", sip.ErrMalformed, false},
		{"bad status", "SIP/2.0 1000 Huge\r\n" + hdrs + "\r\n", sip.ErrMalformed, false},
		{"missing call-id", "OPTIONS sip:b@b.example.com SIP/2.0\r\n" +
			"Via: SIP/2.0/UDP a.example.com;branch=z9hG4bK1\r\n" +
			"To: <sip:b@b.example.com>\r\n" +
			"From: <sip:a@a.example.com>;tag=1\r\n" +
			"CSeq: 1 OPTIONS\r\n\r\n", sip.ErrMissingMandatoryHeader, true},
		{"missing via", "OPTIONS sip:b@b.example.com SIP/2.0\r\n" +
			"To: <sip:b@b.example.com>\r\n" +
			"From: <sip:a@a.example.com>;tag=1\r\n" +
			"Call-ID: 1\r\n" +
			"CSeq: 1 OPTIONS\r\n\r\n", sip.ErrMissingMandatoryHeader, true},
		{"body too long", "OPTIONS sip:b@b.example.com SIP/2.0\r\n" + hdrs + "Content-Length: 2\r\n\r\nabc",
			sip.ErrBodyLengthMismatch, true},
		{"body too short", "OPTIONS sip:b@b.example.com SIP/2.0\r\n" + hdrs + "Content-Length: 10\r\n\r\nabc",
			sip.ErrBodyLengthMismatch, true},
		{"bad cseq", "OPTIONS sip:b@b.example.com SIP/2.0\r\n" +
			"Via: SIP/2.0/UDP a.example.com;branch=z9hG4bK1\r\n" +
			"To: <sip:b@b.example.com>\r\n" +
			"From: <sip:a@a.example.com>;tag=1\r\n" +
			"Call-ID: 1\r\n" +
			"CSeq: one OPTIONS\r\n\r\n", sip.ErrMalformed, true},
		{"bad header name", "OPTIONS sip:b@b.example.com SIP/2.0\r\n" + hdrs + "Bad Header: 1\r\n\r\n",
			sip.ErrMalformed, true},
		{"unterminated", "OPTIONS sip:b@b.example.com SIP/2.0\r\n" + hdrs, sip.ErrMalformed, true},
		{"bad request-uri", "OPTIONS sip:b@[::1 SIP/2.0\r\n" + hdrs + "\r\n", sip.ErrMalformed, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			msg, err := sip.Parse([]byte(c.in))
			if msg != nil {
				t.Errorf("sip.Parse(in) = %v, want nil", msg)
			}
			if diff := cmp.Diff(c.wantErr, err, cmpopts.EquateErrors()); diff != "" {
				t.Errorf("sip.Parse(in) error mismatch (-want +got):\n%s", diff)
			}
			if !errors.Is(err, sip.ErrParse) {
				t.Errorf("sip.Parse(in) error = %v, want to match sip.ErrParse", err)
			}
			var perr *sip.ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("sip.Parse(in) error = %T, want *sip.ParseError", err)
			}
			if got := perr.Msg != nil; got != c.wantSalvage {
				t.Errorf("perr.Msg != nil = %v, want %v", got, c.wantSalvage)
			}
		})
	}
}

func TestParse_BadRequestURI(t *testing.T) {
	t.Parallel()

	in := "INVITE sip:bob@[2001:db8::1 SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP a.example.com;branch=z9hG4bK1\r\n" +
		"To: <sip:bob@b.example.com>\r\n" +
		"From: <sip:a@a.example.com>;tag=1\r\n" +
		"Call-ID: bad-uri\r\n" +
		"CSeq: 1 INVITE\r\n\r\n"

	_, err := sip.Parse([]byte(in))
	var perr *sip.ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("sip.Parse(in) error = %v, want *sip.ParseError", err)
	}
	req, ok := perr.Msg.(*sip.Request)
	if !ok {
		t.Fatalf("perr.Msg = %T, want *sip.Request", perr.Msg)
	}
	if !req.Method.Equal(sip.RequestMethodInvite) {
		t.Errorf("req.Method = %q, want INVITE", req.Method)
	}
	if got := req.URI.String(); got != "sip:bob@[2001:db8::1" {
		t.Errorf("req.URI.String() = %q, want the raw text", got)
	}
	if callID, _ := req.Headers.CallID(); callID != "bad-uri" {
		t.Errorf("req.Headers.CallID() = %q, want %q", callID, "bad-uri")
	}
}

func TestParse_TooLarge(t *testing.T) {
	t.Parallel()

	_, err := sip.Parse(make([]byte, sip.MaxMessageSize+1))
	if !errors.Is(err, sip.ErrMessageTooLarge) {
		t.Fatalf("sip.Parse(huge) error = %v, want %v", err, sip.ErrMessageTooLarge)
	}
}

func TestParse_BareLF(t *testing.T) {
	t.Parallel()

	in := "OPTIONS sip:b@b.example.com SIP/2.0\n" +
		"Via: SIP/2.0/UDP a.example.com;branch=z9hG4bK1\n" +
		"To: <sip:b@b.example.com>\n" +
		"From: <sip:a@a.example.com>;tag=1\n" +
		"Call-ID: 1\n" +
		"CSeq: 1 OPTIONS\n" +
		"\n"
	msg, err := sip.Parse([]byte(in))
	if err != nil {
		t.Fatalf("sip.Parse(in) error = %v, want nil", err)
	}
	if got := sip.GetMessageHeaders(msg).Len(); got != 5 {
		t.Errorf("headers len = %d, want 5", got)
	}
}
