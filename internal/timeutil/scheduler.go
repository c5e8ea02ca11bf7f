package timeutil

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// HandleState is the state of a scheduled timer.
type HandleState int32

const (
	HandleStatePending HandleState = iota
	HandleStateFired
	HandleStateCancelled
)

func (s HandleState) String() string {
	switch s {
	case HandleStatePending:
		return "pending"
	case HandleStateFired:
		return "fired"
	case HandleStateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Scheduler arms timers on a [Clock] and runs their callbacks through an executor.
type Scheduler struct {
	clock Clock
	post  func(func())
}

// NewScheduler creates a scheduler.
// post runs fire callbacks on the owner's goroutine; nil runs them on the clock goroutine.
func NewScheduler(clock Clock, post func(func())) *Scheduler {
	if clock == nil {
		clock = RealClock{}
	}
	if post == nil {
		post = func(f func()) { f() }
	}
	return &Scheduler{clock: clock, post: post}
}

// Clock returns the scheduler clock.
func (s *Scheduler) Clock() Clock { return s.clock }

// Now returns the current clock time.
func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// Schedule arms a timer that runs fn after d.
func (s *Scheduler) Schedule(d time.Duration, fn func()) *Handle {
	h := &Handle{sched: s, fn: fn}
	h.arm(d)
	return h
}

// Cancel cancels a pending timer.
// It returns false if the timer already fired or was cancelled.
// Once Cancel returns, the callback is guaranteed not to run.
func (s *Scheduler) Cancel(h *Handle) bool {
	return h.Cancel()
}

// Handle is a scheduled timer.
type Handle struct {
	sched   *Scheduler
	fn      func()
	state   atomic.Int32
	gen     atomic.Uint64
	stopper Stopper
	dur     time.Duration
}

func (h *Handle) arm(d time.Duration) {
	gen := h.gen.Add(1)
	h.dur = d
	h.state.Store(int32(HandleStatePending))
	h.stopper = h.sched.clock.AfterFunc(d, func() {
		h.sched.post(func() { h.fire(gen) })
	})
}

func (h *Handle) fire(gen uint64) {
	// a fire posted before Reset or Cancel belongs to an older arm
	if h.gen.Load() != gen {
		return
	}
	if h.state.CompareAndSwap(int32(HandleStatePending), int32(HandleStateFired)) {
		h.fn()
	}
}

// Cancel cancels the timer, see [Scheduler.Cancel].
func (h *Handle) Cancel() bool {
	if h == nil {
		return false
	}
	if !h.state.CompareAndSwap(int32(HandleStatePending), int32(HandleStateCancelled)) {
		return false
	}
	h.gen.Add(1)
	h.stopper.Stop()
	return true
}

// Reset re-arms the timer with a new duration regardless of its state.
func (h *Handle) Reset(d time.Duration) {
	if h == nil {
		return
	}
	h.stopper.Stop()
	h.arm(d)
}

// State returns the timer state.
func (h *Handle) State() HandleState {
	if h == nil {
		return HandleStateCancelled
	}
	return HandleState(h.state.Load())
}

// Duration returns the duration of the last arm.
func (h *Handle) Duration() time.Duration {
	if h == nil {
		return 0
	}
	return h.dur
}

// LogValue implements [slog.LogValuer].
func (h *Handle) LogValue() slog.Value {
	if h == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("state", h.State().String()),
		slog.Duration("duration", h.dur),
	)
}
