package eventbus

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the bus collectors. A nil *Metrics records nothing.
type Metrics struct {
	published     prometheus.Counter
	delivered     prometheus.Counter
	failed        prometheus.Counter
	deadLettered  prometheus.Counter
	rateLimited   prometheus.Counter
	subscriptions prometheus.Gauge
	streams       prometheus.Gauge
}

// MustNewMetrics registers the bus collectors on reg, reusing collectors that
// are already registered under the same names.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) prometheus.Counter {
		return register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentcore", Subsystem: "eventbus", Name: name, Help: help,
		})).(prometheus.Counter)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentcore", Subsystem: "eventbus", Name: name, Help: help,
		})).(prometheus.Gauge)
	}
	return &Metrics{
		published:     counter("events_published_total", "Events accepted by Publish."),
		delivered:     counter("deliveries_total", "Successful subscription deliveries."),
		failed:        counter("delivery_failures_total", "Failed delivery attempts."),
		deadLettered:  counter("dead_letters_total", "Events moved to the dead-letter queue."),
		rateLimited:   counter("rate_limited_total", "Deliveries dropped by a subscription rate cap."),
		subscriptions: gauge("subscriptions", "Active subscriptions."),
		streams:       gauge("streams", "Open pull streams."),
	}
}

func register(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector
		}
		panic(err)
	}
	return c
}

func (m *Metrics) incPublished() {
	if m == nil {
		return
	}
	m.published.Inc()
}

func (m *Metrics) incDelivered() {
	if m == nil {
		return
	}
	m.delivered.Inc()
}

func (m *Metrics) incFailed() {
	if m == nil {
		return
	}
	m.failed.Inc()
}

func (m *Metrics) incDeadLettered() {
	if m == nil {
		return
	}
	m.deadLettered.Inc()
}

func (m *Metrics) incRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) setSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}

func (m *Metrics) setStreams(n int) {
	if m == nil {
		return
	}
	m.streams.Set(float64(n))
}
