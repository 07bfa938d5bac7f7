package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics replaces the teacher's control.MetricsRegistry bare map with real
// prometheus collectors, modeled on the runZeroInc sockstats exporter's
// per-connection counter/gauge split.
type Metrics struct {
	Registry *prometheus.Registry

	OpsTotal        *prometheus.CounterVec
	StarvationCycle *prometheus.CounterVec
	ContextDepth    *prometheus.GaugeVec
	PollCycles      *prometheus.CounterVec
}

// NewMetrics constructs and registers the corenet collector set on a fresh
// registry (callers embed it in their own exporter rather than reaching for
// the global default registry, so tests never collide over re-registration).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		OpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corenet",
			Subsystem: "tm",
			Name:      "ops_total",
			Help:      "Completed BMI operations per transport method and direction.",
		}, []string{"method", "dir"}),
		StarvationCycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corenet",
			Subsystem: "tm",
			Name:      "starvation_cycles_total",
			Help:      "Poll cycles in which a TM was scheduled solely by the starvation threshold.",
		}, []string{"method"}),
		ContextDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "corenet",
			Subsystem: "mp",
			Name:      "context_queue_depth",
			Help:      "Completions currently buffered per MP context.",
		}, []string{"context_id"}),
		PollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corenet",
			Subsystem: "tm",
			Name:      "poll_cycles_total",
			Help:      "testcontext/testunexpected cycles a TM was scheduled into.",
		}, []string{"method"}),
	}
	reg.MustRegister(m.OpsTotal, m.StarvationCycle, m.ContextDepth, m.PollCycles)
	return m
}
