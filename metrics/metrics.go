// Package metrics holds the Prometheus collectors for trade transitions, the
// expiry sweep and the outbox relay. A nil *Recorder is valid and records
// nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "escrow"

type Recorder struct {
	transitions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	conflicts   prometheus.Counter
	swept       *prometheus.CounterVec
	relayed     *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trade",
			Name:      "transitions_total",
			Help:      "Committed trade status transitions.",
		}, []string{"from", "to"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trade",
			Name:      "rejections_total",
			Help:      "Trade operations rejected, by operation and reason kind.",
		}, []string{"op", "kind"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trade",
			Name:      "optimistic_conflicts_total",
			Help:      "Conditional writes that lost against a concurrent transition.",
		}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "trades_total",
			Help:      "Trades handled by the sweeper, by action and outcome.",
		}, []string{"action", "outcome"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "messages_total",
			Help:      "Outbox messages handled by the relay, by outcome.",
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{r.transitions, r.rejections, r.conflicts, r.swept, r.relayed} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) Transition(from, to string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(from, to).Inc()
}

func (r *Recorder) Rejected(op, kind string) {
	if r == nil {
		return
	}
	r.rejections.WithLabelValues(op, kind).Inc()
}

func (r *Recorder) Conflict() {
	if r == nil {
		return
	}
	r.conflicts.Inc()
}

func (r *Recorder) Swept(action, outcome string) {
	if r == nil {
		return
	}
	r.swept.WithLabelValues(action, outcome).Inc()
}

func (r *Recorder) Relayed(outcome string) {
	if r == nil {
		return
	}
	r.relayed.WithLabelValues(outcome).Inc()
}
