package event

import (
	"context"
	"log/slog"

	"github.com/ghettovoice/sipproxy/log"
)

// LogSink writes events to a logger.
// Failures are logged at Warn level, everything else at Debug.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a [LogSink]. If l is nil, the [log.Default] is used.
func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = log.Default()
	}
	return &LogSink{log: l}
}

// Emit implements [Sink].
func (s *LogSink) Emit(e Event) {
	lvl := slog.LevelDebug
	if e.Kind == KindRoutingFailure || e.Err != nil {
		lvl = slog.LevelWarn
	}
	s.log.LogAttrs(context.Background(), lvl, "proxy event", slog.Any("event", e))
}
