package ocr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	imagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glyph_images_processed",
		Help: "total number of images processed by status",
	}, []string{"status"})
	imageFormats = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glyph_image_formats",
		Help: "total number of decoded images by source format",
	}, []string{"format"})
	extractTimeHist = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "glyph_extract_time",
		Help:    "histogram of image extraction times",
		Buckets: prometheus.ExponentialBucketsRange(0.01, 600, 20),
	}, []string{"status"})
	inferencesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "glyph_inferences_in_flight",
		Help: "number of inferences currently running",
	})
	sharedInferences = promauto.NewCounter(prometheus.CounterOpts{
		Name: "glyph_shared_inferences",
		Help: "total number of extractions answered by an identical in-flight inference",
	})
)
