// Package transport moves SIP datagrams between the proxy and the network.
//
// A [Transport] never inspects message content. It sends raw bytes to a
// destination address and hands received datagrams with their source address
// to the caller.
package transport

//go:generate errtrace -w .
