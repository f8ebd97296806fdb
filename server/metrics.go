package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glyph_requests_processed",
		Help: "total number of ocr requests processed by status",
	}, []string{"status", "job"})
	requestTimeHist = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "glyph_request_time",
		Help:    "histogram of request times",
		Buckets: prometheus.ExponentialBucketsRange(0.001, 600, 20),
	}, []string{"status", "job"})
	uploadSizeHist = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "glyph_upload_size_bytes",
		Help:    "histogram of accepted upload sizes",
		Buckets: prometheus.ExponentialBucketsRange(1024, 64<<20, 20),
	})
	authFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glyph_auth_failures",
		Help: "total number of rejected credentials by reason",
	}, []string{"reason"})
)
