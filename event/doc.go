// Package event carries the structured events of the proxy core to observers
// such as logs and metrics.
package event

//go:generate errtrace -w .
