package tracing

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Stats summarizes request latency over the kept traces
type Stats struct {
	Service   string  `json:"service,omitempty"`
	Count     int     `json:"count"`
	Errors    int     `json:"errors"`
	ErrorRate float64 `json:"errorRate"`
	MeanMs    float64 `json:"meanMs"`
	P50Ms     float64 `json:"p50Ms"`
	P95Ms     float64 `json:"p95Ms"`
	P99Ms     float64 `json:"p99Ms"`
}

// Stats computes latency percentiles and the 5xx rate, optionally for a
// single service
func (c *Capture) Stats(service string) Stats {
	traces := c.collect(Filter{Service: service}, len(c.buf))

	s := Stats{Service: service, Count: len(traces)}
	if len(traces) == 0 {
		return s
	}

	durations := make([]float64, len(traces))
	for i, t := range traces {
		durations[i] = t.DurationMs
		if t.Status >= 500 {
			s.Errors++
		}
	}
	sort.Float64s(durations)

	s.ErrorRate = float64(s.Errors) / float64(s.Count)
	s.MeanMs = stat.Mean(durations, nil)
	s.P50Ms = stat.Quantile(0.50, stat.Empirical, durations, nil)
	s.P95Ms = stat.Quantile(0.95, stat.Empirical, durations, nil)
	s.P99Ms = stat.Quantile(0.99, stat.Empirical, durations, nil)
	return s
}
