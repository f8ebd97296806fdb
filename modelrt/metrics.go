package modelrt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runtimeLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glyph_runtime_loads",
		Help: "total number of model runtime load attempts by engine and outcome",
	}, []string{"engine", "outcome"})
	runtimeLoadHist = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "glyph_runtime_load_time",
		Help:    "histogram of successful model runtime load times",
		Buckets: prometheus.ExponentialBucketsRange(0.1, 600, 20),
	}, []string{"engine"})
	shapeFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glyph_call_shape_fallbacks",
		Help: "total number of extended inference calls retried with the minimal shape",
	}, []string{"engine"})
)
