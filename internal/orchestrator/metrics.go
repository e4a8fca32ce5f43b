package orchestrator

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the orchestrator collectors. A nil *Metrics records nothing.
type Metrics struct {
	tasks           *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	routingFailures prometheus.Counter
	queueDepth      prometheus.Gauge
	agents          prometheus.Gauge
}

func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	tasks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentcore",
			Subsystem: "orchestrator",
			Name:      "tasks_total",
			Help:      "Tasks by lifecycle outcome (submitted, completed, failed, timeout, cancelled).",
		},
		[]string{"outcome"},
	)
	taskDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentcore",
			Subsystem: "orchestrator",
			Name:      "task_duration_seconds",
			Help:      "Wall time from task start to its terminal status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)
	routingFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentcore",
		Subsystem: "orchestrator",
		Name:      "routing_failures_total",
		Help:      "Queue drain attempts that found no eligible agent.",
	})
	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentcore",
		Subsystem: "orchestrator",
		Name:      "queue_depth",
		Help:      "Tasks waiting in the queue.",
	})
	agents := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentcore",
		Subsystem: "orchestrator",
		Name:      "agents_registered",
		Help:      "Agents hosted by this orchestrator.",
	})

	collectors := []prometheus.Collector{tasks, taskDuration, routingFailures, queueDepth, agents}
	for i, c := range collectors {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				panic(err)
			}
			collectors[i] = already.ExistingCollector
		}
	}
	return &Metrics{
		tasks:           collectors[0].(*prometheus.CounterVec),
		taskDuration:    collectors[1].(*prometheus.HistogramVec),
		routingFailures: collectors[2].(prometheus.Counter),
		queueDepth:      collectors[3].(prometheus.Gauge),
		agents:          collectors[4].(prometheus.Gauge),
	}
}

func (m *Metrics) task(outcome string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeDuration(taskType string, d time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

func (m *Metrics) routingFailure() {
	if m == nil {
		return
	}
	m.routingFailures.Inc()
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) setAgents(n int) {
	if m == nil {
		return
	}
	m.agents.Set(float64(n))
}
