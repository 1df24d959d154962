// Package metrics defines the bus's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "messagebus"

// Poll outcomes.
const (
	OutcomeData    = "data"
	OutcomeTimeout = "timeout"
	OutcomeGap     = "gap"
	OutcomeClosed  = "closed"
)

type Metrics struct {
	Published           prometheus.Counter
	PublishErrors       prometheus.Counter
	PublishSkipped      prometheus.Counter
	Dispatched          prometheus.Counter
	CallbackErrors      prometheus.Counter
	TransportReconnects prometheus.Counter
	Polls               *prometheus.CounterVec
	Clients             prometheus.Gauge
}

// New registers the collectors with reg. Pass a fresh prometheus.NewRegistry()
// per bus instance; registering twice on the same registry panics.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Published: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Messages appended to the backlog and announced to the transport.",
		}),
		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Publishes that failed to append or notify.",
		}),
		PublishSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_skipped_total",
			Help:      "Publishes dropped because the bus was switched off.",
		}),
		Dispatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatched_total",
			Help:      "Messages read from the transport by the dispatcher.",
		}),
		CallbackErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_errors_total",
			Help:      "Subscriber callbacks that panicked or returned an error.",
		}),
		TransportReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_reconnects_total",
			Help:      "Times the dispatcher had to listen on the transport again.",
		}),
		Polls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Client polls by outcome.",
		}, []string{"outcome"}),
		Clients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients",
			Help:      "Clients currently attached to the connection manager.",
		}),
	}
}

// Discard returns collectors registered nowhere, for callers that do not
// export metrics.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}
