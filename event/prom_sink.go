package event

import (
	"braces.dev/errtrace"
	"github.com/prometheus/client_golang/prometheus"
)

// PromSink counts events with Prometheus metrics.
type PromSink struct {
	events  *prometheus.CounterVec
	retrans *prometheus.CounterVec
	active  *prometheus.GaugeVec
	fails   *prometheus.CounterVec
}

// NewPromSink creates the collectors and registers them with reg.
// If reg is nil, [prometheus.DefaultRegisterer] is used.
func NewPromSink(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sipproxy",
				Name:      "events_total",
				Help:      "Total number of proxy events by kind",
			},
			[]string{"kind"},
		),
		retrans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sipproxy",
				Name:      "retransmissions_total",
				Help:      "Total number of message retransmissions by transaction type and timer",
			},
			[]string{"tx_type", "reason"},
		),
		active: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "sipproxy",
				Name:      "transactions_active",
				Help:      "Current number of live transactions by type",
			},
			[]string{"tx_type"},
		),
		fails: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sipproxy",
				Name:      "routing_failures_total",
				Help:      "Total number of requests answered locally with an error",
			},
			[]string{"reason"},
		),
	}
	for _, c := range []prometheus.Collector{s.events, s.retrans, s.active, s.fails} {
		if err := reg.Register(c); err != nil {
			return nil, errtrace.Wrap(err)
		}
	}
	return s, nil
}

// Emit implements [Sink].
func (s *PromSink) Emit(e Event) {
	s.events.WithLabelValues(string(e.Kind)).Inc()
	switch e.Kind {
	case KindTransactionCreated:
		s.active.WithLabelValues(e.TxType).Inc()
	case KindTransactionTerminated:
		s.active.WithLabelValues(e.TxType).Dec()
	case KindRetransmission:
		s.retrans.WithLabelValues(e.TxType, e.Reason).Inc()
	case KindRoutingFailure:
		s.fails.WithLabelValues(e.Reason).Inc()
	}
}
