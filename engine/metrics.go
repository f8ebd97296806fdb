// Package engine holds what the inference engines share. Each engine lives in its own
// subpackage and registers itself with modelrt from init.
package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var InferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "glyph_engine_infer_duration_sec",
	Help:    "Duration of engine inference calls",
	Buckets: prometheus.ExponentialBucketsRange(0.05, 600, 20),
}, []string{"engine", "shape", "status"})

var ProbeResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "glyph_engine_probe_result",
	Help: "Call shape probe results (extended, minimal, error) per engine",
}, []string{"engine", "result"})

// Shape names the call shape of an invocation for metric labels.
func Shape(extended bool) string {
	if extended {
		return "extended"
	}
	return "minimal"
}

// ProbeLabel turns a probe outcome into a ProbeResults label.
func ProbeLabel(extended bool, err error) string {
	if err != nil {
		return "error"
	}
	return Shape(extended)
}
