// Package metrics exposes scheduler counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ksched"

// Switch reasons.
const (
	ReasonBoot    = "boot"
	ReasonPreempt = "preempt"
	ReasonYield   = "yield"
)

// Metrics groups the scheduler collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Ticks         prometheus.Counter
	Switches      *prometheus.CounterVec
	Yields        prometheus.Counter
	DroppedEvents prometheus.Counter
	CurrentTask   prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Scheduler invocations.",
		}),
		Switches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "switches_total",
			Help:      "Context switches by reason.",
		}, []string{"reason"}),
		Yields: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "yields_total",
			Help:      "Voluntary yields requested by tasks.",
		}),
		DroppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Status events dropped because the event buffer was full.",
		}),
		CurrentTask: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_task",
			Help:      "ID of the task holding the CPU.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Ticks, m.Switches, m.Yields, m.DroppedEvents, m.CurrentTask)
	}
	return m
}

func (m *Metrics) Tick() {
	if m != nil {
		m.Ticks.Inc()
	}
}

func (m *Metrics) Switch(reason string, next uint32) {
	if m == nil {
		return
	}
	m.Switches.WithLabelValues(reason).Inc()
	m.CurrentTask.Set(float64(next))
}

func (m *Metrics) Yield() {
	if m != nil {
		m.Yields.Inc()
	}
}

func (m *Metrics) Dropped() {
	if m != nil {
		m.DroppedEvents.Inc()
	}
}
