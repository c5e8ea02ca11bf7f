// Package transaction implements RFC 3261 client and server transactions
// for the unreliable (UDP) transport profile.
//
// Every transaction is driven by a state machine. Timers are armed on a
// [timeutil.Scheduler] whose fires are posted to the same goroutine that
// delivers messages, so all methods of a transaction and of the [Layer]
// must be called from that single goroutine.
package transaction

//go:generate errtrace -w .
