package space

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are the space's Prometheus instruments.
type metrics struct {
	// ops counts client operations.
	// Labels: op (write, read, take, ...), outcome (ok, nothing, error, ...)
	ops *prometheus.CounterVec

	// waits measures how long blocked operations waited.
	// Labels: op
	waits *prometheus.HistogramVec

	// transitions counts dispatched transitions.
	// Labels: kind (new, restored, released, removed)
	transitions *prometheus.CounterVec

	// offers measures how many watchers each transition was offered to.
	offers prometheus.Histogram

	// events counts remote events handed to listeners.
	// Labels: result (delivered, unknown, failed, dropped)
	events *prometheus.CounterVec

	// reaped counts entries, registrations and watchers cleaned up.
	// Labels: what
	reaped *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, s *Space) *metrics {
	f := promauto.With(reg)
	m := &metrics{
		ops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tuplespace",
			Name:      "operations_total",
			Help:      "Client operations by outcome",
		}, []string{"op", "outcome"}),
		waits: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tuplespace",
			Name:      "wait_seconds",
			Help:      "Time blocked operations spent waiting",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"op"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tuplespace",
			Name:      "transitions_total",
			Help:      "Entry transitions dispatched to watchers",
		}, []string{"kind"}),
		offers: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tuplespace",
			Name:      "transition_offers",
			Help:      "Watchers each transition was offered to",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 64},
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tuplespace",
			Name:      "events_total",
			Help:      "Remote events by delivery result",
		}, []string{"result"}),
		reaped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tuplespace",
			Name:      "reaped_total",
			Help:      "Expired or finished state cleaned up",
		}, []string{"what"}),
	}

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "tuplespace",
		Name:      "entries",
		Help:      "Entries held, removed ones not yet reaped included",
	}, func() float64 { return float64(s.entries.Len()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "tuplespace",
		Name:      "watchers",
		Help:      "Watchers registered in the template index",
	}, func() float64 { return float64(s.index.Len()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "tuplespace",
		Name:      "transactions",
		Help:      "Transactions the space participates in",
	}, func() float64 { return float64(s.txns.Len()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "tuplespace",
		Name:      "pending_transitions",
		Help:      "Transitions waiting for dispatch",
	}, func() float64 { return float64(s.journal.Pending()) })

	return m
}
