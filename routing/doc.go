// Package routing implements the stateful proxy routing of RFC 3261 section 16:
// request validation, loop detection, Route processing, target location,
// forwarding through client transactions and response relaying.
// It also tracks dialogs established through the proxy.
//
// Like the transaction package, a [Router] is not safe for concurrent use
// and must be driven from the proxy event loop. Only the work handed to
// [Options.Offload], the locator lookups, may run elsewhere.
package routing

//go:generate errtrace -w .
