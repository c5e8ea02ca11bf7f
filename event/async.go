package event

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ghettovoice/sipproxy/log"
)

// AsyncSinkOptions are the options of [NewAsyncSink].
type AsyncSinkOptions struct {
	// Size is the queue capacity. Default is 1024.
	Size int
	// Log is the logger. If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *AsyncSinkOptions) size() int {
	if o == nil || o.Size <= 0 {
		return 1024
	}
	return o.Size
}

func (o *AsyncSinkOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// AsyncSink delivers events to an inner sink on its own goroutine.
// Emit never blocks: when the queue is full the event is dropped and counted.
type AsyncSink struct {
	next    Sink
	queue   chan Event
	done    chan struct{}
	log     *slog.Logger
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewAsyncSink starts a goroutine that drains the queue into next.
// Call [AsyncSink.Close] to stop it.
func NewAsyncSink(next Sink, opts *AsyncSinkOptions) *AsyncSink {
	s := &AsyncSink{
		next:  OrDiscard(next),
		queue: make(chan Event, opts.size()),
		done:  make(chan struct{}),
		log:   opts.log(),
	}
	go s.serve()
	return s
}

func (s *AsyncSink) serve() {
	defer close(s.done)
	for e := range s.queue {
		s.next.Emit(e)
	}
}

// Emit implements [Sink].
func (s *AsyncSink) Emit(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- e:
	default:
		if n := s.dropped.Add(1); n&(n-1) == 0 {
			s.log.Warn("event queue is full, dropping events", slog.Uint64("dropped", n))
		}
	}
}

// Dropped returns the number of events dropped because the queue was full.
func (s *AsyncSink) Dropped() uint64 { return s.dropped.Load() }

// Close stops accepting events and waits until queued events are delivered.
func (s *AsyncSink) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
	})
	<-s.done
	return nil
}
