// Package metrics exports connection lifecycle events as Prometheus metrics.
//
// A nil *Publisher is a valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Zereker/netconn"
)

// Publisher is a netconn.EventPublisher that counts lifecycle events.
type Publisher struct {
	events *prometheus.CounterVec
	open   *prometheus.GaugeVec
}

var _ netconn.EventPublisher = (*Publisher)(nil)

// NewPublisher creates the collectors and registers them with reg.
func NewPublisher(reg prometheus.Registerer, namespace string) (*Publisher, error) {
	p := &Publisher{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "events_total",
			Help:      "Connection lifecycle events by factory and kind.",
		}, []string{"factory", "kind"}),
		open: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "open",
			Help:      "Connections opened and not yet closed, by factory.",
		}, []string{"factory"}),
	}

	for _, c := range []prometheus.Collector{p.events, p.open} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register connection metrics")
		}
	}
	return p, nil
}

// Publish records e. It never blocks.
func (p *Publisher) Publish(e netconn.Event) {
	if p == nil {
		return
	}
	p.events.WithLabelValues(e.FactoryName, e.Kind.String()).Inc()
	switch e.Kind {
	case netconn.EventOpen:
		p.open.WithLabelValues(e.FactoryName).Inc()
	case netconn.EventClose:
		p.open.WithLabelValues(e.FactoryName).Dec()
	}
}
