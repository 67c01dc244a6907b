package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks pipeline outcomes and latencies.
type Metrics struct {
	Generations        *prometheus.CounterVec
	Executions         *prometheus.CounterVec
	GenerationDuration prometheus.Histogram
	ExecutionDuration  prometheus.Histogram
}

// NewMetrics registers the pipeline collectors on reg. Passing nil uses the
// default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sqlagent_generations_total",
			Help: "SQL generation attempts by outcome.",
		}, []string{"outcome"}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sqlagent_executions_total",
			Help: "Query executions by outcome.",
		}, []string{"outcome"}),
		GenerationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sqlagent_generation_duration_seconds",
			Help:    "Wall time of the generation pipeline.",
			Buckets: prometheus.DefBuckets,
		}),
		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sqlagent_execution_duration_seconds",
			Help:    "Wall time of query execution against the target database.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
	}
	reg.MustRegister(m.Generations, m.Executions, m.GenerationDuration, m.ExecutionDuration)
	return m
}
