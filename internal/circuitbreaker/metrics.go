package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_circuit_breaker_requests_total",
			Help: "Requests passed through a circuit breaker",
		},
		[]string{"name", "service", "result"},
	)

	breakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resolver_circuit_breaker_state",
			Help: "Current breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

func recordStateChange(name string, from, to State) {
	breakerStateChanges.WithLabelValues(name, from.String(), to.String()).Inc()
	breakerState.WithLabelValues(name).Set(float64(to))
}

func recordRequest(name, service string, err error) {
	result := "success"
	switch {
	case err == ErrCircuitBreakerOpen || err == ErrTooManyRequests:
		result = "rejected"
	case err != nil:
		result = "failure"
	}
	breakerRequests.WithLabelValues(name, service, result).Inc()
}
