// Package timeutil provides the clock abstraction and the timer scheduler used by the
// transaction layer.
//
// A [Scheduler] arms timers on a [Clock] and posts every fire to an executor, normally
// the proxy event loop, so timer callbacks never run concurrently with message handling.
// Each [Handle] moves from pending to either fired or cancelled exactly once:
//
//	h := sched.Schedule(timings.TimeB(), func() { tx.onTimerB() })
//	...
//	sched.Cancel(h) // the callback will not run, even if the fire was already posted
//
// [FakeClock] advances time manually and is used by tests to check timer behavior
// without sleeping.
package timeutil
