// Package metrics exports supervisor state as Prometheus metrics.
package metrics

import (
	"sync"

	"github.com/artpar/stackd/internal/core/domain"
	"github.com/artpar/stackd/internal/shell/supervisor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Service Metrics
// =============================================================================

// Metrics tracks the supervisors of one namespace.
type Metrics struct {
	instance string

	state       *prometheus.GaugeVec
	restarts    *prometheus.CounterVec
	failures    *prometheus.CounterVec
	transitions *prometheus.CounterVec

	mu      sync.Mutex
	current map[string]domain.ServiceState
}

// New registers the service metrics on reg.
func New(reg prometheus.Registerer, instance string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		instance: instance,

		// stackd_service_state is 1 for the state a service is in and 0 for
		// every other state.
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stackd",
			Subsystem: "service",
			Name:      "state",
			Help:      "Current supervisor state of each service",
		}, []string{"instance", "service", "state"}),

		restarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackd",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Relaunches after an unexpected exit",
		}, []string{"instance", "service"}),

		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackd",
			Subsystem: "service",
			Name:      "failures_total",
			Help:      "Entries into the failed state",
		}, []string{"instance", "service"}),

		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackd",
			Subsystem: "service",
			Name:      "transitions_total",
			Help:      "State transitions by target state",
		}, []string{"instance", "service", "to"}),

		current: make(map[string]domain.ServiceState),
	}
}

// Register seeds the state gauge of a service that has not moved yet.
func (m *Metrics) Register(service string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.current[service]; ok {
		return
	}
	m.current[service] = domain.StateStopped
	m.setState(service, domain.StateStopped)
}

// Observe records one supervisor transition. It is safe to use as a
// supervisor OnTransition hook.
func (m *Metrics) Observe(tr supervisor.Transition) {
	m.mu.Lock()
	m.current[tr.Service] = tr.To
	m.setState(tr.Service, tr.To)
	m.mu.Unlock()

	m.transitions.WithLabelValues(m.instance, tr.Service, string(tr.To)).Inc()

	switch {
	case tr.To.Terminal():
		m.failures.WithLabelValues(m.instance, tr.Service).Inc()
	case tr.To == domain.StateStarting && tr.From != domain.StateStopped:
		m.restarts.WithLabelValues(m.instance, tr.Service).Inc()
	}
}

func (m *Metrics) setState(service string, to domain.ServiceState) {
	for _, s := range domain.AllStates() {
		v := 0.0
		if s == to {
			v = 1
		}
		m.state.WithLabelValues(m.instance, service, string(s)).Set(v)
	}
}
