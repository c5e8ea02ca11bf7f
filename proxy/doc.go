// Package proxy wires the transport, transaction layer and router into a running SIP proxy.
//
// A [Core] owns one event loop per socket. Received datagrams and timer fires are
// posted to the loop, so transactions, dialogs and routing state are only touched
// from a single goroutine.
package proxy

//go:generate errtrace -w .
