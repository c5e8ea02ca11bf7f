package event

import (
	"log/slog"
	"time"
)

// Kind is the kind of an [Event].
type Kind string

const (
	KindTransactionCreated    Kind = "transaction_created"
	KindTransactionTerminated Kind = "transaction_terminated"
	KindRetransmission        Kind = "retransmission"
	KindRoutingFailure        Kind = "routing_failure"
	KindDialogCreated         Kind = "dialog_created"
	KindDialogTerminated      Kind = "dialog_terminated"
	KindMessageDropped        Kind = "message_dropped"
)

// Event is a single observation emitted by the proxy core.
type Event struct {
	Kind Kind
	Time time.Time
	// TxType is the transaction type, e.g. "client_invite".
	TxType string
	// TxKey is the rendered transaction or dialog key.
	TxKey  string
	Method string
	// Reason is a short machine-friendly cause: timer name, response status, error kind.
	Reason string
	Err    error
}

// LogValue implements [slog.LogValuer].
func (e Event) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, 6)
	attrs = append(attrs, slog.String("kind", string(e.Kind)))
	if e.TxType != "" {
		attrs = append(attrs, slog.String("tx_type", e.TxType))
	}
	if e.TxKey != "" {
		attrs = append(attrs, slog.String("key", e.TxKey))
	}
	if e.Method != "" {
		attrs = append(attrs, slog.String("method", e.Method))
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.Any("error", e.Err))
	}
	return slog.GroupValue(attrs...)
}

// Sink accepts events. Emit must never block the caller.
type Sink interface {
	Emit(e Event)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(e Event)

func (f SinkFunc) Emit(e Event) { f(e) }

type discard struct{}

func (discard) Emit(Event) {}

// Discard is a [Sink] that drops every event.
var Discard Sink = discard{}

// Multi fans events out to several sinks in order.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// OrDiscard returns s, or [Discard] when s is nil.
func OrDiscard(s Sink) Sink {
	if s == nil {
		return Discard
	}
	return s
}
