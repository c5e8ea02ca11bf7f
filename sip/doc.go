// Package sip implements the SIP message codec used by the proxy:
// parsing of wire datagrams into [Request] and [Response] values and
// rendering them back while keeping header order, casing and unknown
// header fields byte-identical.
//
// Only the headers a proxy has to interpret are parsed into typed views
// (Via, CSeq, From, To, Call-ID, Max-Forwards, Route, Record-Route,
// Content-Length). Everything else is carried as raw text.
package sip

//go:generate errtrace -w .
